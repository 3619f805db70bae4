package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/selfie-booth/boothd/internal/proc"
	"github.com/selfie-booth/boothd/internal/supervisor"
)

func apiClient() *http.Client {
	socketPath := defaultSocketPath()
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
	}
}

func apiGet(path string, v any) error {
	resp, err := apiClient().Get("http://boothd" + path)
	if err != nil {
		return fmt.Errorf("connecting to supervisor: %w (is boothd running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	return json.NewDecoder(resp.Body).Decode(v)
}

func apiPost(path string) (map[string]any, error) {
	resp, err := apiClient().Post("http://boothd"+path, "application/json", nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to supervisor: %w (is boothd running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return result, nil
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show supervisor status",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		var st supervisor.Status
		if err := apiGet("/v1/status", &st); err != nil {
			return err
		}

		if jsonOut {
			return printJSON(st)
		}

		pid := "-"
		if st.PID > 0 {
			pid = strconv.Itoa(st.PID)
		}
		uptime := "-"
		if st.Uptime != "" {
			uptime = st.Uptime
		}
		display := "down"
		if st.DisplayUp {
			display = "up"
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STATE\tPID\tUPTIME\tRESTARTS\tDISPLAY\tAPP DIR")
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			st.ChildState, pid, uptime, st.RestartCount, display, st.AppDir)
		w.Flush()

		if st.ChildState == proc.StateFailed || (st.ChildState == proc.StateStopped && st.LastExitCode != 0) {
			fmt.Printf("\nlast exit code: %d\n", st.LastExitCode)
		}
		return nil
	},
}

// logs command
var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent application output",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		var resp struct {
			Lines []string `json:"lines"`
		}
		if err := apiGet("/v1/logs?n="+strconv.Itoa(n), &resp); err != nil {
			return err
		}
		for _, line := range resp.Lines {
			fmt.Println(line)
		}
		return nil
	},
}

// restart command
var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the booth application",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := apiPost("/v1/restart")
		if err != nil {
			return err
		}
		fmt.Printf("%v\n", result["status"])
		return nil
	},
}

// stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the supervisor and the application",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := apiPost("/v1/stop")
		if err != nil {
			return err
		}
		fmt.Printf("%v\n", result["status"])
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "machine-readable output")
	logsCmd.Flags().IntP("lines", "n", 50, "number of lines to show")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(stopCmd)
}
