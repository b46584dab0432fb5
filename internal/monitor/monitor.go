// Package monitor implements the scheduled compliance monitor.
//
// The monitor loads scan targets from monitor.yaml and periodically runs the
// tenant-wide tampering scan against each one. Targets can narrow a scan to
// particular entity types using glob patterns, so an operator can watch
// "JournalEntry" and "Sales*" documents more aggressively than the rest of
// the ledger.
//
// A compromised scan result is the monitor's alarm condition: it logs at
// error level and hands the report to the OnReport callback (the dashboard
// feed, in the running server).
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/talaledger/talad/internal/audit"
)

// Target names one tenant to scan, optionally narrowed to entity types
// matching glob patterns. An empty EntityTypes list means the whole tenant.
type Target struct {
	Tenant      string       `yaml:"tenant"`
	EntityTypes stringOrList `yaml:"entityTypes"`

	// compiled holds the pre-compiled entity type globs.
	// Set by compile() after loading.
	compiled []glob.Glob
}

// stringOrList handles YAML fields that can be either a single string
// or a list of strings. In monitor.yaml, operators can write either:
//
//	entityTypes: JournalEntry                # single string
//	entityTypes: [JournalEntry, "Sales*"]    # list of patterns
type stringOrList []string

// UnmarshalYAML handles both the scalar and the sequence form.
func (s *stringOrList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = []string{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("expected string or list, got %v", value.Kind)
	}
}

// compile pre-compiles the entity type globs. Invalid patterns are a load
// error so a typo in monitor.yaml surfaces immediately rather than silently
// matching nothing.
func (t *Target) compile() error {
	t.compiled = t.compiled[:0]
	for _, pattern := range t.EntityTypes {
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("compiling entity type pattern %q: %w", pattern, err)
		}
		t.compiled = append(t.compiled, g)
	}
	return nil
}

// matches reports whether a flagged record's entity type falls inside this
// target's scope. No patterns means everything matches.
func (t *Target) matches(entityType string) bool {
	if len(t.compiled) == 0 {
		return true
	}
	for _, g := range t.compiled {
		if g.Match(entityType) {
			return true
		}
	}
	return false
}

// targetsFile is the YAML envelope for monitor.yaml.
type targetsFile struct {
	Targets []Target `yaml:"targets"`
}

// LoadTargets reads and parses scan targets from the given YAML path.
// Returns an empty slice if the file doesn't exist (not an error).
func LoadTargets(path string) ([]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading targets %s: %w", path, err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	var file targetsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing targets %s: %w", path, err)
	}

	for i := range file.Targets {
		if file.Targets[i].Tenant == "" {
			return nil, fmt.Errorf("target %d: tenant is required", i)
		}
		if err := file.Targets[i].compile(); err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
	}
	return file.Targets, nil
}

// WriteDefaultTargets writes a commented, empty monitor.yaml.
// Used by the first-run setup.
func WriteDefaultTargets(path string) error {
	content := `# talad compliance monitor targets
#
# Each target names a tenant to scan on the configured interval.
# entityTypes narrows a scan with glob patterns; omit it to scan
# the tenant's entire ledger.
#
# targets:
#   - tenant: acme-corp
#   - tenant: tala-books
#     entityTypes: [JournalEntry, "Sales*"]

targets: []
`
	return os.WriteFile(path, []byte(content), 0o644)
}

// Options configures a Monitor.
type Options struct {
	Verifier *audit.Verifier
	Interval time.Duration
	Targets  []Target

	// OnReport fires for every completed scan, secure or not. The server
	// uses it to push results to the dashboard feed.
	OnReport func(tenant string, report audit.TamperReport)
}

// Monitor runs the scheduled tampering scans. Reload swaps the target list
// while the loop keeps running — the config watcher calls it when
// monitor.yaml changes.
type Monitor struct {
	verifier *audit.Verifier
	interval time.Duration
	onReport func(string, audit.TamperReport)

	mu      sync.RWMutex
	targets []Target
}

// New creates a Monitor from the given options.
func New(opts Options) *Monitor {
	return &Monitor{
		verifier: opts.Verifier,
		interval: opts.Interval,
		onReport: opts.OnReport,
		targets:  opts.Targets,
	}
}

// Reload replaces the scan target list. Takes effect on the next tick.
func (m *Monitor) Reload(targets []Target) {
	m.mu.Lock()
	m.targets = targets
	m.mu.Unlock()
	slog.Info("monitor targets reloaded", "targets", len(targets))
}

func (m *Monitor) snapshot() []Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.targets
}

// Run scans all targets immediately, then on every interval tick until the
// context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("compliance monitor started", "interval", m.interval)

	m.scanAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.scanAll(ctx)
		case <-ctx.Done():
			slog.Info("compliance monitor stopped")
			return
		}
	}
}

// scanAll runs the tampering scan for every configured target.
func (m *Monitor) scanAll(ctx context.Context) {
	for _, target := range m.snapshot() {
		report, err := m.verifier.DetectTampering(ctx, target.Tenant)
		if err != nil {
			slog.Error("tampering scan failed", "tenant", target.Tenant, "error", err)
			continue
		}

		// Narrow the report to the target's entity type scope.
		if len(target.compiled) > 0 {
			scoped := []audit.FlaggedRecord{}
			for _, rec := range report.Tampered {
				if target.matches(rec.EntityType) {
					scoped = append(scoped, rec)
				}
			}
			report.Tampered = scoped
			report.AffectedRecords = len(scoped)
			if report.AffectedRecords > 0 {
				report.SecurityStatus = audit.StatusCompromised
			} else {
				report.SecurityStatus = audit.StatusSecure
			}
		}

		if report.AffectedRecords > 0 {
			slog.Warn("tampering detected",
				"tenant", target.Tenant,
				"affected", report.AffectedRecords)
		} else {
			slog.Debug("scan clean", "tenant", target.Tenant)
		}

		if m.onReport != nil {
			m.onReport(target.Tenant, report)
		}
	}
}
