// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// applyConfigFile merges an optional JSON or YAML config file into ro.
// Precedence: explicit flags > config file > defaults.
func applyConfigFile(cmd *cobra.Command, ro *RootOpts) error {
	path := ro.Config
	if path == "" {
		home, _ := os.UserHomeDir()
		for _, cand := range []string{
			filepath.Join(home, ".config", "hfdown.json"),
			filepath.Join(home, ".config", "hfdown.yaml"),
			filepath.Join(home, ".config", "hfdown.yml"),
		} {
			if _, err := os.Stat(cand); err == nil {
				path = cand
				break
			}
		}
	}
	if path == "" {
		return nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cfg map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("invalid YAML config file: %w", err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("invalid JSON config file: %w", err)
		}
	}

	setStr := func(flagName string, set func(string)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			set(fmt.Sprint(v))
		}
	}
	setInt := func(flagName string, set func(int)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			var x int
			if _, err := fmt.Sscan(fmt.Sprint(v), &x); err == nil {
				set(x)
			}
		}
	}

	setStr("protocol", func(v string) { ro.Protocol = v })
	setStr("mirror", func(v string) { ro.Mirror = v })
	setStr("output", func(v string) { ro.Output = v })
	setStr("cache-dir", func(v string) { ro.CacheDir = v })
	setStr("metrics-addr", func(v string) { ro.MetricsAddr = v })
	setInt("threads", func(v int) { ro.Threads = v })
	setInt("buffer-size", func(v int) { ro.BufferKiB = v })

	if !cmd.Flags().Changed("token") && os.Getenv("HF_TOKEN") == "" {
		if v, ok := cfg["token"]; ok && v != nil {
			ro.Token = fmt.Sprint(v)
		}
	}
	return nil
}
