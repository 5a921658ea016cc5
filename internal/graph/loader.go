package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/taskctl/controller/internal/ctlerr"
)

// LoadFile reads a Graph from a JSON or YAML file, selecting the codec by
// extension. Unknown fields are ignored by both decoders.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ctlerr.Wrap(ctlerr.KindGraphNotFound, ctlerr.SeverityHigh, ctlerr.CategoryFatal,
				fmt.Sprintf("graph file not found: %s", path), err)
		}
		return nil, ctlerr.Wrap(ctlerr.KindGraphParse, ctlerr.SeverityHigh, ctlerr.CategoryFatal,
			fmt.Sprintf("reading graph file: %s", path), err)
	}

	var g Graph
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &g); err != nil {
			return nil, ctlerr.Wrap(ctlerr.KindGraphParse, ctlerr.SeverityHigh, ctlerr.CategoryFatal, "parsing YAML graph", err)
		}
	default:
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, ctlerr.Wrap(ctlerr.KindGraphParse, ctlerr.SeverityHigh, ctlerr.CategoryFatal, "parsing JSON graph", err)
		}
	}
	return &g, nil
}
