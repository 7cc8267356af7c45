package main

import (
	"fmt"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"seed/internal/master"
)

const stopWait = 10 * time.Second

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the workspace master",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseDir, err := workspaceDir()
			if err != nil {
				return err
			}
			info, err := master.Inspect(baseDir)
			if err != nil {
				return err
			}
			if info == nil || !master.IsAlive(*info) {
				fmt.Printf("%s no master running in %s\n", warnStyle("○"), baseDir)
				return nil
			}

			if err := syscall.Kill(info.PID, syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal master (pid %d): %w", info.PID, err)
			}

			deadline := time.Now().Add(stopWait)
			for time.Now().Before(deadline) {
				if !master.IsAlive(*info) {
					fmt.Printf("%s master stopped\n", successStyle("●"))
					return nil
				}
				time.Sleep(200 * time.Millisecond)
			}
			return fmt.Errorf("master (pid %d) did not stop within %s", info.PID, stopWait)
		},
	}
}
