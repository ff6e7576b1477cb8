package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"testctx/internal/dataset"
	"testctx/internal/mode"
	"testctx/internal/safety"
	"testctx/internal/store"
	"testctx/pkg/logging"

	"gopkg.in/yaml.v3"
)

// ManifestEntry identifies one record created in the live store.
type ManifestEntry struct {
	Kind      string    `yaml:"kind"`
	ID        string    `yaml:"id"`
	Name      string    `yaml:"name"`
	CreatedAt time.Time `yaml:"createdAt"`
}

// Manifest lists every record a production run created, so the records can
// be removed even if the process dies before cleanup.
type Manifest struct {
	RunID     string          `yaml:"runId"`
	Store     string          `yaml:"store"`
	StartedAt time.Time       `yaml:"startedAt"`
	Records   []ManifestEntry `yaml:"records"`
}

// Manifests reads and writes manifest files in one directory.
type Manifests struct {
	dir string
	mu  sync.Mutex
}

// NewManifests returns a manifest store rooted at dir.
func NewManifests(dir string) *Manifests {
	return &Manifests{dir: dir}
}

// Dir returns the manifest directory.
func (m *Manifests) Dir() string {
	return m.dir
}

func (m *Manifests) path(runID string) string {
	return filepath.Join(m.dir, runID+".yaml")
}

// Append adds rec to the manifest of runID, creating the file if needed.
// The file is replaced atomically.
func (m *Manifests) Append(runID, storeDescriptor string, rec dataset.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	man, err := m.read(runID)
	if os.IsNotExist(err) {
		man = &Manifest{RunID: runID, Store: storeDescriptor, StartedAt: time.Now()}
	} else if err != nil {
		return err
	}
	man.Records = append(man.Records, ManifestEntry{Kind: rec.Kind, ID: rec.ID, Name: rec.Name, CreatedAt: time.Now()})
	return m.write(man)
}

// Forget removes rec from the manifest of runID. The file is deleted once
// it lists no records.
func (m *Manifests) Forget(runID string, rec dataset.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	man, err := m.read(runID)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	kept := man.Records[:0]
	for _, e := range man.Records {
		if e.Kind == rec.Kind && e.ID == rec.ID {
			continue
		}
		kept = append(kept, e)
	}
	man.Records = kept
	if len(kept) == 0 {
		return m.removeLocked(runID)
	}
	return m.write(man)
}

// Remove deletes the manifest of runID. A missing manifest is not an error.
func (m *Manifests) Remove(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(runID)
}

func (m *Manifests) removeLocked(runID string) error {
	if err := os.Remove(m.path(runID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove manifest for run %s: %w", runID, err)
	}
	return nil
}

// Load reads the manifest of runID.
func (m *Manifests) Load(runID string) (*Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read(runID)
}

// List returns all manifests, oldest first.
func (m *Manifests) List() ([]*Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest directory %s: %w", m.dir, err)
	}

	var out []*Manifest
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		man, err := m.read(strings.TrimSuffix(e.Name(), ".yaml"))
		if err != nil {
			logging.Warn(productionSubsystem, "Skipping unreadable manifest %s: %v", e.Name(), err)
			continue
		}
		out = append(out, man)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Manifests) read(runID string) (*Manifest, error) {
	data, err := os.ReadFile(m.path(runID))
	if err != nil {
		return nil, err
	}
	var man Manifest
	if err := yaml.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", m.path(runID), err)
	}
	if man.RunID == "" {
		man.RunID = runID
	}
	return &man, nil
}

func (m *Manifests) write(man *Manifest) error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	data, err := yaml.Marshal(man)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	tmp := m.path(man.RunID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, m.path(man.RunID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

// ReplayResult summarizes an out-of-band cleanup of one manifest.
type ReplayResult struct {
	RunID    string
	Deleted  int
	Missing  int
	Failures []*CleanupFailure
}

// Replay deletes every record listed in man from live, newest first,
// through a safety guard. The manifest file is removed when nothing failed.
func (m *Manifests) Replay(ctx context.Context, man *Manifest, live store.Live, validator *safety.Validator) ReplayResult {
	res := ReplayResult{RunID: man.RunID}
	guard := safety.NewGuard(validator, live)

	for i := len(man.Records) - 1; i >= 0; i-- {
		e := man.Records[i]
		rec := dataset.Record{Kind: e.Kind, ID: e.ID, Name: e.Name}
		err := guard.Delete(ctx, e.Kind, e.ID)
		switch {
		case err == nil:
			res.Deleted++
			logging.Info(productionSubsystem, "Deleted leftover %s from run %s", rec, man.RunID)
		case isNotFound(err):
			res.Missing++
		default:
			f := &CleanupFailure{Mode: mode.Production, RunID: man.RunID, Record: &rec, Reason: "failed to delete leftover record", Err: err}
			logging.Error(productionSubsystem, err, "%s", f.Error())
			res.Failures = append(res.Failures, f)
		}
	}

	if len(res.Failures) == 0 {
		if err := m.Remove(man.RunID); err != nil {
			res.Failures = append(res.Failures, &CleanupFailure{Mode: mode.Production, RunID: man.RunID, Reason: "failed to remove manifest", Err: err})
		}
	}
	return res
}
