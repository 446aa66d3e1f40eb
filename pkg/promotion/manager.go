// Package promotion moves validated candidates into production and restores
// production from backup snapshots. It is the only writer of the production
// collection.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/HatiCode/modelkeeper/pkg/artifacts"
)

var (
	// ErrBackupFailed is returned when the pre-promotion snapshot could not be
	// created. Production has not been touched.
	ErrBackupFailed = errors.New("backup failed")

	// ErrPartialPromotion is returned when copied files could not be verified and
	// production was automatically restored from the pre-promotion snapshot.
	ErrPartialPromotion = errors.New("partial promotion detected")

	// ErrProductionUndefined is returned when the automatic restore after a
	// partial promotion also failed. Production content is unknown.
	ErrProductionUndefined = errors.New("production state undefined")

	// ErrNoBackup is returned by Rollback when no snapshot exists.
	ErrNoBackup = errors.New("no backup available")

	// ErrVerification is returned when a rollback could not be verified.
	ErrVerification = errors.New("checksum verification failed")
)

// Result describes a completed promotion.
type Result struct {
	Snapshot artifacts.Snapshot `json:"snapshot"`
	Promoted []string           `json:"promoted"`
	Recopied []string           `json:"recopied,omitempty"`
}

// RollbackResult describes a completed rollback.
type RollbackResult struct {
	Snapshot artifacts.Snapshot `json:"snapshot"`
	Restored []string           `json:"restored"`
}

// Report lists the artifacts serving production.
type Report struct {
	Models []artifacts.Info `json:"models"`
}

// Manager promotes staging into production and rolls production back.
type Manager struct {
	store  artifacts.Store
	logger *slog.Logger
}

// NewManager creates a Manager over store.
func NewManager(store artifacts.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		logger: logger.With("component", "promotion"),
	}
}

// Promote snapshots production, then copies the named staging artifacts into
// production and verifies every copy by checksum. A mismatching copy is retried
// once; if it still differs, production is restored from the snapshot and
// ErrPartialPromotion is returned.
func (m *Manager) Promote(ctx context.Context, names []string) (Result, error) {
	if len(names) == 0 {
		return Result{}, errors.New("promote: no models given")
	}

	// Read every candidate before anything is written so an unreadable staging
	// artifact aborts with production untouched.
	candidates := make(map[string]artifacts.Artifact, len(names))
	for _, name := range names {
		a, err := m.store.Get(ctx, artifacts.Staging, name)
		if err != nil {
			return Result{}, fmt.Errorf("read staging %s: %w", name, err)
		}
		candidates[name] = a
	}

	snap, err := m.store.CreateSnapshot(ctx)
	if err != nil {
		m.logger.Error("pre-promotion snapshot failed, production untouched", "error", err)
		return Result{}, fmt.Errorf("%w: %w", ErrBackupFailed, err)
	}
	m.logger.Info("production snapshot created", "snapshot", snap.Label, "models", len(snap.Models))

	res := Result{Snapshot: snap}

	// Copy errors are not returned directly; verification below catches them.
	for _, name := range names {
		if err := m.store.Put(ctx, artifacts.Production, candidates[name]); err != nil {
			m.logger.Warn("copy to production failed", "model", name, "error", err)
		}
	}

	bad := m.verify(ctx, names, candidates)
	if len(bad) > 0 {
		m.logger.Warn("production copy mismatch, copying again", "models", bad)
		res.Recopied = bad
		for _, name := range bad {
			if err := m.store.Put(ctx, artifacts.Production, candidates[name]); err != nil {
				m.logger.Warn("second copy to production failed", "model", name, "error", err)
			}
		}
		bad = m.verify(ctx, bad, candidates)
	}

	if len(bad) > 0 {
		m.logger.Error("promotion inconsistent, restoring snapshot", "models", bad, "snapshot", snap.Label)
		if err := m.restore(ctx, snap, names); err != nil {
			m.logger.Error("automatic restore failed", "snapshot", snap.Label, "error", err)
			return res, fmt.Errorf("%w: restore of snapshot %d failed: %w", ErrProductionUndefined, snap.ID, err)
		}
		return res, fmt.Errorf("%w: %v did not verify, production restored from snapshot %d", ErrPartialPromotion, bad, snap.ID)
	}

	res.Promoted = append([]string(nil), names...)
	m.logger.Info("models promoted", "models", names, "snapshot", snap.Label)
	return res, nil
}

// Rollback restores production from a snapshot. An id of 0 selects the latest.
// Models in the snapshot are copied back and verified; production models the
// snapshot does not contain are left as they are.
func (m *Manager) Rollback(ctx context.Context, id int64) (RollbackResult, error) {
	snaps, err := m.store.Snapshots(ctx)
	if err != nil {
		return RollbackResult{}, fmt.Errorf("list snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return RollbackResult{}, ErrNoBackup
	}

	snap := snaps[len(snaps)-1]
	if id != 0 {
		found := false
		for _, s := range snaps {
			if s.ID == id {
				snap, found = s, true
				break
			}
		}
		if !found {
			return RollbackResult{}, fmt.Errorf("%w: %d", artifacts.ErrSnapshotNotFound, id)
		}
	}

	// Read the whole snapshot first so a damaged backup leaves production untouched.
	restore := make(map[string]artifacts.Artifact, len(snap.Models))
	names := make([]string, 0, len(snap.Models))
	for _, info := range snap.Models {
		a, err := m.store.ReadSnapshot(ctx, snap.ID, info.Name)
		if err != nil {
			return RollbackResult{}, fmt.Errorf("read snapshot %d %s: %w", snap.ID, info.Name, err)
		}
		if a.Checksum() != info.Checksum {
			return RollbackResult{}, fmt.Errorf("%w: snapshot %d %s does not match its index entry", ErrVerification, snap.ID, info.Name)
		}
		restore[info.Name] = a
		names = append(names, info.Name)
	}

	for _, name := range names {
		if err := m.store.Put(ctx, artifacts.Production, restore[name]); err != nil {
			m.logger.Warn("restore copy failed", "model", name, "error", err)
		}
	}
	if bad := m.verify(ctx, names, restore); len(bad) > 0 {
		for _, name := range bad {
			_ = m.store.Put(ctx, artifacts.Production, restore[name])
		}
		if bad = m.verify(ctx, bad, restore); len(bad) > 0 {
			return RollbackResult{Snapshot: snap}, fmt.Errorf("%w: %v after rollback to snapshot %d", ErrVerification, bad, snap.ID)
		}
	}

	m.logger.Info("production rolled back", "snapshot", snap.Label, "models", names)
	return RollbackResult{Snapshot: snap, Restored: names}, nil
}

// GenerateReport lists production artifacts. It does not modify anything and
// returns identical output while production is unchanged.
func (m *Manager) GenerateReport(ctx context.Context) (Report, error) {
	infos, err := m.store.List(ctx, artifacts.Production)
	if err != nil {
		return Report{}, fmt.Errorf("list production: %w", err)
	}
	return Report{Models: infos}, nil
}

// Backups returns every snapshot ordered by ascending ID.
func (m *Manager) Backups(ctx context.Context) ([]artifacts.Snapshot, error) {
	return m.store.Snapshots(ctx)
}

// Prune deletes all but the newest retain snapshots and returns the removed
// IDs. A retain of 0 or less keeps everything.
func (m *Manager) Prune(ctx context.Context, retain int) ([]int64, error) {
	if retain <= 0 {
		return nil, nil
	}
	snaps, err := m.store.Snapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	if len(snaps) <= retain {
		return nil, nil
	}

	var removed []int64
	for _, s := range snaps[:len(snaps)-retain] {
		if err := m.store.DeleteSnapshot(ctx, s.ID); err != nil {
			return removed, fmt.Errorf("delete snapshot %d: %w", s.ID, err)
		}
		removed = append(removed, s.ID)
	}
	m.logger.Info("old snapshots pruned", "removed", removed, "kept", retain)
	return removed, nil
}

// verify returns the names whose production copy does not match want.
func (m *Manager) verify(ctx context.Context, names []string, want map[string]artifacts.Artifact) []string {
	var bad []string
	for _, name := range names {
		got, err := m.store.Get(ctx, artifacts.Production, name)
		if err != nil || got.Checksum() != want[name].Checksum() {
			bad = append(bad, name)
		}
	}
	return bad
}

// restore puts production back to snap for the given names: models the
// snapshot had are copied back, models it did not have are removed.
func (m *Manager) restore(ctx context.Context, snap artifacts.Snapshot, names []string) error {
	want := make(map[string]artifacts.Artifact, len(names))
	var added []string

	for _, name := range names {
		if _, ok := snap.Model(name); !ok {
			added = append(added, name)
			continue
		}
		a, err := m.store.ReadSnapshot(ctx, snap.ID, name)
		if err != nil {
			return fmt.Errorf("read snapshot %s: %w", name, err)
		}
		want[name] = a
	}

	for name, a := range want {
		if err := m.store.Put(ctx, artifacts.Production, a); err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
	}
	for _, name := range added {
		if err := m.store.Delete(ctx, artifacts.Production, name); err != nil {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}

	restored := make([]string, 0, len(want))
	for name := range want {
		restored = append(restored, name)
	}
	if bad := m.verify(ctx, restored, want); len(bad) > 0 {
		return fmt.Errorf("%w: %v", ErrVerification, bad)
	}
	for _, name := range added {
		if _, err := m.store.Get(ctx, artifacts.Production, name); !errors.Is(err, artifacts.ErrNotFound) {
			return fmt.Errorf("%w: %s still present", ErrVerification, name)
		}
	}
	return nil
}
