// logging/rotate.go
package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/AsherValentini/MiLO-Middleware/types"
)

// enforceQuota deletes oldest completed run files until the logs
// directory is under quota. The current run file is never deleted.
// Runs on the worker goroutine.
func (s *sink) enforceQuota() {
	type runFile struct {
		path string
		size int64
		mod  time.Time
	}

	entries, err := os.ReadDir(s.l.cfg.Dir)
	if err != nil {
		return
	}
	var files []runFile
	var used int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		p := filepath.Join(s.l.cfg.Dir, e.Name())
		used += info.Size()
		if p == s.path {
			continue // never rotate the active run
		}
		files = append(files, runFile{path: p, size: info.Size(), mod: info.ModTime()})
	}
	if used < s.l.cfg.QuotaBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	for _, f := range files {
		if err := os.Remove(f.path); err != nil {
			continue
		}
		used -= f.size
		s.l.notify(types.Fault{
			Kind:    types.FaultStorageFull,
			Message: "rotated " + filepath.Base(f.path),
		})
		if used < s.l.cfg.QuotaBytes {
			return
		}
	}
}

// manifestEntry is one completed run in logs/manifest.json.
type manifestEntry struct {
	File    string `json:"file"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
	EndedAt string `json:"ended_at"`
}

// appendManifest records a completed run. Best-effort: a manifest
// write failure never disturbs the trace files.
func (l *Logger) appendManifest(runPath string, outcome types.Outcome) {
	if runPath == "" {
		return
	}
	path := filepath.Join(l.cfg.Dir, "manifest.json")

	var entries []manifestEntry
	if b, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(b, &entries)
	}
	entries = append(entries, manifestEntry{
		File:    filepath.Base(runPath),
		Outcome: outcome.Kind.String(),
		Reason:  outcome.Reason,
		EndedAt: l.cfg.now().UTC().Format(time.RFC3339),
	})
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(path, b, 0o644)
}

func isNoSpace(err error) bool {
	for e := err; e != nil; {
		if errno, ok := e.(syscall.Errno); ok {
			return errno == syscall.ENOSPC
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}
