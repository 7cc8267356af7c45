package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"seed/internal/master"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the workspace master's status",
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

			fmt.Printf("%s master running\n", successStyle("●"))
			fmt.Printf("  pid:     %d\n", info.PID)
			fmt.Printf("  port:    %d\n", info.Port)
			fmt.Printf("  uptime:  %s\n", time.Since(info.StartedAt).Round(time.Second))

			runtime, err := fetchRuntime(*info)
			if err != nil {
				fmt.Printf("  %s\n", dimStyle("runtime query failed: "+err.Error()))
				return nil
			}
			fmt.Printf("  agents:  %v\n", runtime.Agents)
			fmt.Printf("  running: %d task(s)\n", len(runtime.Running))
			for _, id := range runtime.Running {
				fmt.Printf("    %s\n", dimStyle(id))
			}
			return nil
		},
	}
}

type runtimeStatus struct {
	Agents  []string `json:"agents"`
	Running []string `json:"running"`
}

// fetchRuntime asks the live master for its runtime view, authenticating
// with the token from the lock file.
func fetchRuntime(info master.LockInfo) (*runtimeStatus, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/api/runtime", info.Port)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+info.Token)

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var status runtimeStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}
