package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func abortCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Forcibly release a stale controller state lock",
		Long: `Removes the distributed lock file guarding controller state, for use
when a controller process crashed while holding it and
lock.lock_steal_threshold_ms hasn't yet elapsed. Refuses to act unless --force
is given, since this can race a controller that is still alive.

Example:
  controllerd abort --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("refusing to remove the lock file without --force")
			}
			return runAbort()
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Confirm the forced lock release")
	return cmd
}

func runAbort() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lockPath := filepath.Join(cfg.Pool.WorkOrdersPath, "controller_state.lock")
	if err := os.Remove(lockPath); err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no lock file present; nothing to do")
			return nil
		}
		return fmt.Errorf("failed to remove lock file %s: %w", lockPath, err)
	}

	fmt.Printf("removed lock file %s\n", lockPath)
	return nil
}
