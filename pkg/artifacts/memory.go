package artifacts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. It is safe for concurrent use by
// multiple goroutines and is intended for tests and dry runs; nothing survives a
// restart.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[Collection]map[string]memEntry
	snapshots   []memSnapshot
	nextID      int64
	now         func() time.Time
}

type memEntry struct {
	artifact Artifact
	modTime  time.Time
}

type memSnapshot struct {
	snapshot  Snapshot
	artifacts map[string]Artifact
}

// NewMemoryStore creates an empty in-memory artifact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: map[Collection]map[string]memEntry{
			Staging:    {},
			Production: {},
		},
		nextID: 1,
		now:    time.Now,
	}
}

// SetClock overrides the clock used for modification times and snapshots.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, c Collection) ([]Info, error) {
	if err := validCollection(c); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]Info, 0, len(s.collections[c]))
	for _, e := range s.collections[c] {
		infos = append(infos, infoFor(e.artifact, e.modTime))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, c Collection, name string) (Artifact, error) {
	if err := validCollection(c); err != nil {
		return Artifact{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.collections[c][name]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return cloneArtifact(e.artifact), nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, c Collection, a Artifact) error {
	if err := validCollection(c); err != nil {
		return err
	}
	if err := ValidateName(a.Name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.collections[c][a.Name] = memEntry{artifact: cloneArtifact(a), modTime: s.now().UTC()}
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, c Collection, name string) error {
	if err := validCollection(c); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collections[c], name)
	return nil
}

// CreateSnapshot implements Store.
func (s *MemoryStore) CreateSnapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := s.now().UTC()
	snap := memSnapshot{
		snapshot: Snapshot{
			ID:        s.nextID,
			Label:     SnapshotLabel(s.nextID, createdAt),
			CreatedAt: createdAt,
			Models:    []Info{},
		},
		artifacts: make(map[string]Artifact, len(s.collections[Production])),
	}

	for name, e := range s.collections[Production] {
		snap.artifacts[name] = cloneArtifact(e.artifact)
		snap.snapshot.Models = append(snap.snapshot.Models, infoFor(e.artifact, e.modTime))
	}
	sort.Slice(snap.snapshot.Models, func(i, j int) bool {
		return snap.snapshot.Models[i].Name < snap.snapshot.Models[j].Name
	})

	s.nextID++
	s.snapshots = append(s.snapshots, snap)
	return snap.snapshot, nil
}

// Snapshots implements Store.
func (s *MemoryStore) Snapshots(ctx context.Context) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap.snapshot)
	}
	return out, nil
}

// ReadSnapshot implements Store.
func (s *MemoryStore) ReadSnapshot(ctx context.Context, id int64, name string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, snap := range s.snapshots {
		if snap.snapshot.ID != id {
			continue
		}
		a, ok := snap.artifacts[name]
		if !ok {
			return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return cloneArtifact(a), nil
	}
	return Artifact{}, fmt.Errorf("%w: %d", ErrSnapshotNotFound, id)
}

// DeleteSnapshot implements Store.
func (s *MemoryStore) DeleteSnapshot(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, snap := range s.snapshots {
		if snap.snapshot.ID == id {
			s.snapshots = append(s.snapshots[:i], s.snapshots[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrSnapshotNotFound, id)
}

func cloneArtifact(a Artifact) Artifact {
	out := Artifact{Name: a.Name, Payload: append([]byte(nil), a.Payload...)}
	if a.Companion != nil {
		out.Companion = append([]byte{}, a.Companion...)
	}
	return out
}
