package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	backupDir = "backup"
	indexFile = "index.json"
)

// FSStore implements Store on a local directory tree:
//
//	<root>/staging/<name>.model
//	<root>/staging/<name>.transform
//	<root>/production/<name>.model
//	<root>/backup/<id>-<timestamp>/<name>.model
//	<root>/backup/index.json
//
// Every file is written to a temporary name, synced and renamed into place.
// A snapshot directory is fully written and renamed before the index entry that
// makes it visible is committed.
type FSStore struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

// FSOption configures an FSStore.
type FSOption func(*FSStore)

// WithClock overrides the clock used to stamp snapshots.
func WithClock(now func() time.Time) FSOption {
	return func(s *FSStore) {
		s.now = now
	}
}

type snapshotIndex struct {
	NextID    int64      `json:"next_id"`
	Snapshots []Snapshot `json:"snapshots"`
}

// NewFSStore creates the collection directories under root if needed.
func NewFSStore(root string, opts ...FSOption) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("artifact root cannot be empty")
	}

	s := &FSStore{root: root, now: time.Now}
	for _, o := range opts {
		o(s)
	}

	for _, dir := range []string{string(Staging), string(Production), backupDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", dir, err)
		}
	}

	return s, nil
}

// Root returns the store's base directory.
func (s *FSStore) Root() string {
	return s.root
}

// List implements Store.
func (s *FSStore) List(ctx context.Context, c Collection) ([]Info, error) {
	if err := validCollection(c); err != nil {
		return nil, err
	}
	return listDir(ctx, filepath.Join(s.root, string(c)))
}

// Get implements Store.
func (s *FSStore) Get(ctx context.Context, c Collection, name string) (Artifact, error) {
	if err := validCollection(c); err != nil {
		return Artifact{}, err
	}
	if err := ValidateName(name); err != nil {
		return Artifact{}, err
	}
	return readArtifact(filepath.Join(s.root, string(c)), name)
}

// Put implements Store.
func (s *FSStore) Put(ctx context.Context, c Collection, a Artifact) error {
	if err := validCollection(c); err != nil {
		return err
	}
	if err := ValidateName(a.Name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeArtifact(filepath.Join(s.root, string(c)), a)
}

// Delete implements Store.
func (s *FSStore) Delete(ctx context.Context, c Collection, name string) error {
	if err := validCollection(c); err != nil {
		return err
	}
	if err := ValidateName(name); err != nil {
		return err
	}

	dir := filepath.Join(s.root, string(c))
	for _, ext := range []string{ModelExt, TransformExt} {
		if err := os.Remove(filepath.Join(dir, name+ext)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s%s: %w", name, ext, err)
		}
	}
	return syncDir(dir)
}

// CreateSnapshot implements Store.
func (s *FSStore) CreateSnapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return Snapshot{}, err
	}

	id := idx.NextID
	if id <= 0 {
		id = 1
	}
	createdAt := s.now().UTC()
	snap := Snapshot{
		ID:        id,
		Label:     SnapshotLabel(id, createdAt),
		CreatedAt: createdAt,
		Models:    []Info{},
	}

	backupRoot := filepath.Join(s.root, backupDir)
	tmpDir, err := os.MkdirTemp(backupRoot, ".tmp-"+snap.Label+"-")
	if err != nil {
		return Snapshot{}, fmt.Errorf("create snapshot directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	prodDir := filepath.Join(s.root, string(Production))
	infos, err := listDir(ctx, prodDir)
	if err != nil {
		return Snapshot{}, err
	}

	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return Snapshot{}, err
		}
		a, err := readArtifact(prodDir, info.Name)
		if err != nil {
			return Snapshot{}, fmt.Errorf("read production %s: %w", info.Name, err)
		}
		if err := writeArtifact(tmpDir, a); err != nil {
			return Snapshot{}, fmt.Errorf("copy %s: %w", info.Name, err)
		}
		snap.Models = append(snap.Models, info)
	}

	finalDir := filepath.Join(backupRoot, snap.Label)
	if err := os.Rename(tmpDir, finalDir); err != nil {
		return Snapshot{}, fmt.Errorf("commit snapshot directory: %w", err)
	}
	if err := syncDir(backupRoot); err != nil {
		_ = os.RemoveAll(finalDir)
		return Snapshot{}, err
	}

	idx.NextID = id + 1
	idx.Snapshots = append(idx.Snapshots, snap)
	if err := s.writeIndex(idx); err != nil {
		_ = os.RemoveAll(finalDir)
		return Snapshot{}, err
	}

	committed = true
	return snap, nil
}

// Snapshots implements Store.
func (s *FSStore) Snapshots(ctx context.Context) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	return idx.Snapshots, nil
}

// ReadSnapshot implements Store.
func (s *FSStore) ReadSnapshot(ctx context.Context, id int64, name string) (Artifact, error) {
	if err := ValidateName(name); err != nil {
		return Artifact{}, err
	}

	s.mu.Lock()
	idx, err := s.loadIndex()
	s.mu.Unlock()
	if err != nil {
		return Artifact{}, err
	}

	for _, snap := range idx.Snapshots {
		if snap.ID == id {
			return readArtifact(filepath.Join(s.root, backupDir, snap.Label), name)
		}
	}
	return Artifact{}, fmt.Errorf("%w: %d", ErrSnapshotNotFound, id)
}

// DeleteSnapshot implements Store.
func (s *FSStore) DeleteSnapshot(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return err
	}

	pos := -1
	for i, snap := range idx.Snapshots {
		if snap.ID == id {
			pos = i
			break
		}
	}
	if pos < 0 {
		return fmt.Errorf("%w: %d", ErrSnapshotNotFound, id)
	}

	label := idx.Snapshots[pos].Label
	idx.Snapshots = append(idx.Snapshots[:pos], idx.Snapshots[pos+1:]...)
	if err := s.writeIndex(idx); err != nil {
		return err
	}

	if err := os.RemoveAll(filepath.Join(s.root, backupDir, label)); err != nil {
		return fmt.Errorf("remove snapshot %s: %w", label, err)
	}
	return nil
}

func (s *FSStore) loadIndex() (snapshotIndex, error) {
	var idx snapshotIndex

	data, err := os.ReadFile(filepath.Join(s.root, backupDir, indexFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return snapshotIndex{NextID: 1, Snapshots: []Snapshot{}}, nil
		}
		return idx, fmt.Errorf("read snapshot index: %w", err)
	}

	if err := json.Unmarshal(data, &idx); err != nil {
		return idx, fmt.Errorf("decode snapshot index: %w", err)
	}
	sort.Slice(idx.Snapshots, func(i, j int) bool {
		return idx.Snapshots[i].ID < idx.Snapshots[j].ID
	})
	if idx.Snapshots == nil {
		idx.Snapshots = []Snapshot{}
	}
	return idx, nil
}

func (s *FSStore) writeIndex(idx snapshotIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot index: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.root, backupDir, indexFile), data); err != nil {
		return fmt.Errorf("write snapshot index: %w", err)
	}
	return nil
}

func listDir(ctx context.Context, dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ModelExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		model := strings.TrimSuffix(name, ModelExt)
		if ValidateName(model) != nil {
			continue
		}

		a, err := readArtifact(dir, model)
		if err != nil {
			return nil, err
		}
		st, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
		infos = append(infos, infoFor(a, st.ModTime().UTC()))
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func readArtifact(dir, name string) (Artifact, error) {
	payload, err := os.ReadFile(filepath.Join(dir, name+ModelExt))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Artifact{}, fmt.Errorf("read %s%s: %w", name, ModelExt, err)
	}

	a := Artifact{Name: name, Payload: payload}

	companion, err := os.ReadFile(filepath.Join(dir, name+TransformExt))
	switch {
	case err == nil:
		a.Companion = companion
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Artifact{}, fmt.Errorf("read %s%s: %w", name, TransformExt, err)
	}

	return a, nil
}

func writeArtifact(dir string, a Artifact) error {
	transformPath := filepath.Join(dir, a.Name+TransformExt)
	if a.HasCompanion() {
		if err := writeFileAtomic(transformPath, a.Companion); err != nil {
			return err
		}
	} else if err := os.Remove(transformPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale transform: %w", err)
	}

	return writeFileAtomic(filepath.Join(dir, a.Name+ModelExt), a.Payload)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}

	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer d.Close()

	// Some filesystems do not support fsync on directories.
	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, errors.ErrUnsupported) {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}
