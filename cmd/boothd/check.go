package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/selfie-booth/boothd/internal/config"
	"github.com/selfie-booth/boothd/internal/display"
)

type checkResult struct {
	Check  string `json:"check"`
	Detail string `json:"detail"`
	OK     bool   `json:"ok"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify booth preconditions",
	Long: "Check everything the supervisor needs before launch: config, " +
		"application directory, virtualenv, entry point, and the X display.",
	RunE: runCheck,
}

var checkConfigPath string

func init() {
	checkCmd.Flags().StringVar(&checkConfigPath, "config", defaultConfigPath(), "config file")
	checkCmd.Flags().Bool("json", false, "machine-readable output")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")

	var results []checkResult
	add := func(check, detail string, ok bool) {
		results = append(results, checkResult{Check: check, Detail: detail, OK: ok})
	}

	cfg, err := config.Load(checkConfigPath)
	if err != nil {
		add("config", err.Error(), false)
		return report(results, jsonOut)
	}
	add("config", checkConfigPath, true)

	appDir, err := cfg.ResolveAppDir()
	if err != nil {
		add("app dir", err.Error(), false)
		return report(results, jsonOut)
	}
	add("app dir", appDir, true)

	venv := cfg.VenvPath(appDir)
	if fi, err := os.Stat(venv); err != nil || !fi.IsDir() {
		add("virtualenv", fmt.Sprintf("%s missing (run provisioning first)", venv), false)
	} else {
		add("virtualenv", venv, true)
		python := cfg.PythonPath(appDir)
		if _, err := os.Stat(python); err != nil {
			add("interpreter", fmt.Sprintf("%s missing", python), false)
		} else {
			add("interpreter", python, true)
		}
	}

	entry := cfg.EntryPath(appDir)
	if _, err := os.Stat(entry); err != nil {
		add("entry point", fmt.Sprintf("%s missing", entry), false)
	} else {
		add("entry point", entry, true)
	}

	dm, err := display.NewManager(display.Config{
		Name:          cfg.Display.Name,
		ServerCommand: cfg.Display.ServerCommand,
		PollInterval:  cfg.Display.PollInterval.Duration,
		WaitTimeout:   cfg.Display.WaitTimeout.Duration,
	}, nil)
	if err != nil {
		add("display", err.Error(), false)
	} else if dm.Reachable() {
		add("display", fmt.Sprintf("%s reachable", cfg.Display.Name), true)
	} else {
		// Not fatal: the supervisor spawns the server itself.
		add("display", fmt.Sprintf("%s not reachable (will be started at launch)", cfg.Display.Name), true)
	}

	return report(results, jsonOut)
}

func report(results []checkResult, jsonOut bool) error {
	if jsonOut {
		return printJSON(results)
	}

	var failed int
	for _, r := range results {
		if r.OK {
			fmt.Printf("OK    %s: %s\n", r.Check, r.Detail)
		} else {
			fmt.Fprintf(os.Stderr, "FAIL  %s: %s\n", r.Check, r.Detail)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
