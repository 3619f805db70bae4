package main

import (
	"os"
	"path/filepath"
)

// boothHome returns the runtime directory (~/.selfie-booth).
func boothHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/selfie-booth"
	}
	return filepath.Join(home, ".selfie-booth")
}

// defaultConfigPath prefers the system config when present, falling back
// to the per-user one.
func defaultConfigPath() string {
	const system = "/etc/selfie-booth/boothd.yaml"
	if _, err := os.Stat(system); err == nil {
		return system
	}
	return filepath.Join(boothHome(), "boothd.yaml")
}

func defaultSocketPath() string {
	return filepath.Join(boothHome(), "boothd.sock")
}
