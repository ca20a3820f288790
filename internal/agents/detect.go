package agents

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Installation states reported by Detect.
const (
	StatusAvailable    = "available"
	StatusNotInstalled = "not-installed"
)

// versionTimeout bounds each version probe.
const versionTimeout = 5 * time.Second

// PluginStatus reports whether an agent CLI is installed.
type PluginStatus struct {
	Agent            Plugin `json:"agent"`
	Status           string `json:"status"`
	InstalledVersion string `json:"installedVersion,omitempty"`
	CLIPath          string `json:"cliPath,omitempty"`
}

// Detect probes every plugin in the catalog concurrently. Results keep
// catalog order.
func (c *Catalog) Detect(ctx context.Context) []PluginStatus {
	plugins := c.List()
	out := make([]PluginStatus, len(plugins))

	var wg sync.WaitGroup
	for i, p := range plugins {
		wg.Add(1)
		go func(i int, p Plugin) {
			defer wg.Done()
			out[i] = detect(ctx, p)
		}(i, p)
	}
	wg.Wait()
	return out
}

func detect(ctx context.Context, p Plugin) PluginStatus {
	st := PluginStatus{Agent: p, Status: StatusNotInstalled}
	path, err := exec.LookPath(p.Command)
	if err != nil {
		return st
	}
	st.Status = StatusAvailable
	st.CLIPath = path
	if len(p.VersionCommand) > 0 {
		st.InstalledVersion = probeVersion(ctx, path, p.VersionCommand)
	}
	return st
}

// probeVersion returns the first line of the version output, preferring
// stdout and falling back to stderr.
func probeVersion(ctx context.Context, path string, args []string) string {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ""
	}
	if v := firstLine(stdout.String()); v != "" {
		return v
	}
	return firstLine(stderr.String())
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
