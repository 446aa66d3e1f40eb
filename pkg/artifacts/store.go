// Package artifacts stores trained model artifacts in named collections.
//
// Three collections exist:
//   - staging: candidates written by the trainer, not serving traffic
//   - production: artifacts read by the prediction server
//   - backup snapshots: immutable copies of production taken before promotion
//
// Each artifact is a model payload plus an optional companion transform (for example
// a feature scaler) that was fitted together with the model. Snapshots are kept in an
// explicit index with monotonically increasing IDs, so "latest" never depends on
// directory name ordering.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Collection names a live artifact collection.
type Collection string

const (
	// Staging holds freshly trained candidates.
	Staging Collection = "staging"

	// Production holds the artifacts currently serving predictions.
	Production Collection = "production"
)

const (
	// ModelExt is the file extension of a model payload.
	ModelExt = ".model"

	// TransformExt is the file extension of a companion transform.
	TransformExt = ".transform"
)

var (
	// ErrNotFound is returned when a model is absent from a collection or snapshot.
	ErrNotFound = errors.New("artifact not found")

	// ErrSnapshotNotFound is returned when a snapshot ID is not in the index.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrInvalidName is returned for model names that cannot be used as file names.
	ErrInvalidName = errors.New("invalid model name")
)

var modelNameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_-]{0,251}[a-zA-Z0-9])?$`)

// ValidateName checks that name is usable as a model identifier.
func ValidateName(name string) error {
	if !modelNameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q (must be alphanumeric with dash/underscore, 1-253 chars)", ErrInvalidName, name)
	}
	return nil
}

// Artifact is a model payload with its optional companion transform.
type Artifact struct {
	Name      string
	Payload   []byte
	Companion []byte
}

// HasCompanion reports whether the artifact carries a companion transform.
func (a Artifact) HasCompanion() bool {
	return a.Companion != nil
}

// Checksum returns a hex SHA-256 digest covering the payload and the companion.
// Two artifacts with equal checksums are byte-identical in both parts.
func (a Artifact) Checksum() string {
	h := sha256.New()
	var n [8]byte

	binary.BigEndian.PutUint64(n[:], uint64(len(a.Payload)))
	h.Write(n[:])
	h.Write(a.Payload)

	if a.HasCompanion() {
		h.Write([]byte{1})
		binary.BigEndian.PutUint64(n[:], uint64(len(a.Companion)))
		h.Write(n[:])
		h.Write(a.Companion)
	} else {
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Info describes a stored artifact without its bytes.
type Info struct {
	Name          string    `json:"name"`
	Size          int64     `json:"size"`
	HasCompanion  bool      `json:"has_companion"`
	CompanionSize int64     `json:"companion_size,omitempty"`
	ModTime       time.Time `json:"modified_at"`
	Checksum      string    `json:"checksum"`
}

// Snapshot is an immutable backup of the whole production collection.
type Snapshot struct {
	ID        int64     `json:"id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
	Models    []Info    `json:"models"`
}

// Model returns the snapshot entry for name.
func (s Snapshot) Model(name string) (Info, bool) {
	for _, m := range s.Models {
		if m.Name == name {
			return m, true
		}
	}
	return Info{}, false
}

// SnapshotLabel formats the human readable name of a snapshot.
func SnapshotLabel(id int64, createdAt time.Time) string {
	return fmt.Sprintf("%06d-%s", id, createdAt.UTC().Format("20060102T150405Z"))
}

// Store is the artifact storage capability used by the validator and the
// promotion manager.
type Store interface {
	// List returns the artifacts of a collection ordered by name.
	List(ctx context.Context, c Collection) ([]Info, error)

	// Get returns the named artifact or ErrNotFound.
	Get(ctx context.Context, c Collection, name string) (Artifact, error)

	// Put writes an artifact, replacing any previous version. The companion is
	// written before the payload, and an artifact without companion removes a
	// stale companion file.
	Put(ctx context.Context, c Collection, a Artifact) error

	// Delete removes an artifact. Deleting a missing artifact is not an error.
	Delete(ctx context.Context, c Collection, name string) error

	// CreateSnapshot copies the whole production collection into a new snapshot
	// and returns only once the snapshot is durable.
	CreateSnapshot(ctx context.Context) (Snapshot, error)

	// Snapshots returns all snapshots ordered by ascending ID.
	Snapshots(ctx context.Context) ([]Snapshot, error)

	// ReadSnapshot returns one artifact from a snapshot.
	ReadSnapshot(ctx context.Context, id int64, name string) (Artifact, error)

	// DeleteSnapshot removes a snapshot from the index and from storage.
	DeleteSnapshot(ctx context.Context, id int64) error
}

func infoFor(a Artifact, modTime time.Time) Info {
	info := Info{
		Name:         a.Name,
		Size:         int64(len(a.Payload)),
		HasCompanion: a.HasCompanion(),
		ModTime:      modTime,
		Checksum:     a.Checksum(),
	}
	if a.HasCompanion() {
		info.CompanionSize = int64(len(a.Companion))
	}
	return info
}

func validCollection(c Collection) error {
	if c != Staging && c != Production {
		return fmt.Errorf("unknown collection %q", c)
	}
	return nil
}
