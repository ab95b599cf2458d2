// Package hostconfig loads the optional YAML side-file cmd/ctcp accepts via
// -config, so deployments can check connection parameters into a repo
// instead of passing flags every time.
package hostconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a ctcp.yml. Every field is a pointer so the
// loader can tell "absent" from "explicitly zero" when merging over
// built-in defaults.
type File struct {
	Port        *int    `yaml:"port"`
	Remote      *string `yaml:"remote"`
	SendWindow  *uint32 `yaml:"send_window"`
	RecvWindow  *uint32 `yaml:"recv_window"`
	RTTimeoutMS *int    `yaml:"rt_timeout_ms"`
	TimerMS     *int    `yaml:"timer_ms"`
	Debug       *bool   `yaml:"debug"`
	MetricsAddr *string `yaml:"metrics_addr"`
}

// maxConfigSize bounds how large a config file Load will read, so a
// misconfigured or hostile file can't be used to exhaust memory.
const maxConfigSize = 1 << 20

// Load reads and parses path. A missing file is not an error: it returns a
// zero File so the caller falls back entirely to flags and defaults.
func Load(path string, log *slog.Logger) (File, error) {
	if log == nil {
		log = slog.Default()
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("hostconfig: stat %s: %w", path, err)
	}

	// Refuse a world-writable config file: anyone who can write it could
	// redirect the connection, so fail loudly instead of loading it.
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o002 != 0 {
		return File{}, fmt.Errorf("hostconfig: %s is world-writable, refusing to load", path)
	}
	if info.Size() > maxConfigSize {
		return File{}, fmt.Errorf("hostconfig: %s is %d bytes, exceeds %d byte limit", path, info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("hostconfig: read %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("hostconfig: parse %s: %w", path, err)
	}
	log.Info("ctcp: loaded config file", "path", path, "size", info.Size())
	return f, nil
}

// RTTimeout returns the configured retransmission timeout, or zero if unset.
func (f File) RTTimeout() (time.Duration, bool) {
	if f.RTTimeoutMS == nil {
		return 0, false
	}
	return time.Duration(*f.RTTimeoutMS) * time.Millisecond, true
}

// Timer returns the configured tick period, or zero if unset.
func (f File) Timer() (time.Duration, bool) {
	if f.TimerMS == nil {
		return 0, false
	}
	return time.Duration(*f.TimerMS) * time.Millisecond, true
}
