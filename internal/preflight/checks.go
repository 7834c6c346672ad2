// Package preflight validates the host environment before the daemon
// starts: required binaries on PATH and writable working directories.
package preflight

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"crosspost/internal/config"
	"crosspost/internal/stageexec"
)

// Result captures one environment check.
type Result struct {
	Name   string
	OK     bool
	Detail string
}

// Run performs every check and returns the results plus an error when any
// check failed.
func Run(cfg *config.Config) ([]Result, error) {
	results := []Result{
		checkBinary("download binary", cfg.Download.Binary),
		checkBinary("transcode binary", cfg.Transcode.Binary),
		checkDir("staging directory", cfg.Paths.StagingDir),
		checkDir("library directory", cfg.Paths.LibraryDir),
		checkDir("log directory", cfg.Paths.LogDir),
	}
	var failed []string
	for _, result := range results {
		if !result.OK {
			failed = append(failed, result.Name)
		}
	}
	if len(failed) > 0 {
		return results, fmt.Errorf("preflight failed: %s", strings.Join(failed, ", "))
	}
	return results, nil
}

func checkBinary(name, binary string) Result {
	if strings.TrimSpace(binary) == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	if err := stageexec.LookPath(binary); err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	return Result{Name: name, OK: true, Detail: binary}
}

func checkDir(name, dir string) Result {
	if strings.TrimSpace(dir) == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	if err := unix.Access(dir, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s: %v", dir, err)}
	}
	return Result{Name: name, OK: true, Detail: dir}
}
