package pool

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/taskctl/controller/internal/ctlerr"
)

// persistWorkOrder writes order to <workOrdersPath>/work_orders/<orderId>.json
// via write-to-temp-then-rename, so a crash mid-write never leaves a
// corrupted or partial order file behind.
func persistWorkOrder(workOrdersPath string, order *WorkOrder) error {
	dir := filepath.Join(workOrdersPath, "work_orders")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(order, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, order.ID+".json"), data)
}

// SaveState writes an atomic snapshot of the pool (and, via queued,
// whatever entries the caller wants persisted alongside it) to
// <workOrdersPath>/controller_state.json. The snapshot's own projectId
// field, not the filename, is what LoadState checks on restore, since one
// controller_state.json holds exactly one project's state at a time.
func (p *Pool) SaveState(projectID string, queued []QueuedIssue) error {
	p.mu.Lock()
	snap := Snapshot{
		ProjectID:    projectID,
		Workers:      make(map[string]*Worker, len(p.workers)),
		NextOrderSeq: p.nextSeq,
		QueuedIssues: queued,
	}
	for id, w := range p.workers {
		cp := *w
		snap.Workers[id] = &cp
	}
	for id := range p.completedSet {
		snap.CompletedOrders = append(snap.CompletedOrders, id)
	}
	for id := range p.failedSet {
		snap.FailedOrders = append(snap.FailedOrders, id)
	}
	p.mu.Unlock()

	snap.SavedAt = nowFunc()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return ctlerr.Wrap(ctlerr.KindControllerStatePersist, ctlerr.SeverityHigh, ctlerr.CategoryRecoverable,
			"marshaling pool state", err)
	}
	if err := os.MkdirAll(p.cfg.WorkOrdersPath, 0o755); err != nil {
		return ctlerr.Wrap(ctlerr.KindControllerStatePersist, ctlerr.SeverityHigh, ctlerr.CategoryRecoverable,
			"creating state directory", err)
	}
	path := filepath.Join(p.cfg.WorkOrdersPath, "controller_state.json")
	if err := atomicWrite(path, data); err != nil {
		return ctlerr.Wrap(ctlerr.KindControllerStatePersist, ctlerr.SeverityHigh, ctlerr.CategoryRecoverable,
			"writing pool state", err)
	}
	return nil
}

// LoadState restores a previously saved snapshot. A snapshot whose
// projectId doesn't match the caller's is rejected (returns nil, nil);
// this is not itself an error, just a no-op restore.
func (p *Pool) LoadState(projectID string) (*Snapshot, error) {
	path := filepath.Join(p.cfg.WorkOrdersPath, "controller_state.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ctlerr.Wrap(ctlerr.KindControllerStatePersist, ctlerr.SeverityHigh, ctlerr.CategoryRecoverable,
			"reading pool state", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, ctlerr.Wrap(ctlerr.KindControllerStatePersist, ctlerr.SeverityHigh, ctlerr.CategoryRecoverable,
			"parsing pool state", err)
	}
	if snap.ProjectID != projectID {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, w := range snap.Workers {
		p.workers[id] = w
	}
	if snap.NextOrderSeq > p.nextSeq {
		p.nextSeq = snap.NextOrderSeq
	}
	for _, id := range snap.CompletedOrders {
		p.completedSet[id] = true
	}
	for _, id := range snap.FailedOrders {
		p.failedSet[id] = true
	}
	return &snap, nil
}

// atomicWrite writes data to path by first writing a sibling temp file in
// the same directory, then renaming it into place — rename is atomic on
// the same filesystem, so readers never observe a partial file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// nowFunc is overridden in tests that need deterministic SavedAt values.
var nowFunc = defaultNow

func defaultNow() time.Time { return time.Now() }
