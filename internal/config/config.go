// Package config defines lootboxd's runtime configuration, populated from
// CLI flags by cmd/lootboxd (SPEC_FULL.md §10, adapted from the teacher's
// cliconfig field-tag convention).
package config

import "time"

// Config is the fully resolved set of knobs the Orchestrator needs to start.
type Config struct {
	Port           int           `cli:"port"`
	ToolsDir       string        `cli:"tools-dir"`
	GlobalToolsDir string        `cli:"global-tools-dir"`
	ToolWorkerPath string        `cli:"toolworker-path"`
	Dev            bool          `cli:"dev"`
	ShutdownGrace  time.Duration `cli:"shutdown-grace"`
}

// Default returns a Config with lootboxd's production defaults, the same
// values cmd/lootboxd's flags default to.
func Default() Config {
	return Config{
		Port:           8080,
		ToolsDir:       "./tools",
		GlobalToolsDir: "",
		ToolWorkerPath: "toolworker",
		Dev:            false,
		ShutdownGrace:  10 * time.Second,
	}
}

// Validate reports whether c is usable, mirroring the fail-fast validation
// style of the teacher's cliconfig loader.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errInvalidPort
	}
	if c.ToolsDir == "" {
		return errMissingToolsDir
	}
	if c.ToolWorkerPath == "" {
		return errMissingToolWorkerPath
	}
	return nil
}
