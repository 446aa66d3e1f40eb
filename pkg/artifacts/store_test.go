package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	clock := fixedClock(time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC))
	fsStore, err := NewFSStore(t.TempDir(), WithClock(clock))
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	mem := NewMemoryStore()
	mem.SetClock(clock)

	return map[string]Store{"fs": fsStore, "memory": mem}
}

func fixedClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "price_regressor", false},
		{"dashes", "risk-classifier-v2", false},
		{"single char", "a", false},
		{"empty", "", true},
		{"path traversal", "../etc", true},
		{"leading dash", "-model", true},
		{"trailing underscore", "model_", true},
		{"dot", "model.v1", true},
		{"slash", "a/b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidName) {
				t.Errorf("ValidateName(%q) error = %v, want ErrInvalidName", tt.input, err)
			}
		})
	}
}

func TestArtifact_Checksum(t *testing.T) {
	a := Artifact{Name: "m", Payload: []byte("abc")}
	b := Artifact{Name: "m", Payload: []byte("abc"), Companion: []byte{}}
	c := Artifact{Name: "m", Payload: []byte("ab"), Companion: []byte("c")}

	if a.Checksum() == b.Checksum() {
		t.Error("empty companion should change the checksum")
	}
	if b.Checksum() == c.Checksum() {
		t.Error("moving bytes between payload and companion should change the checksum")
	}
	if a.Checksum() != (Artifact{Name: "other", Payload: []byte("abc")}).Checksum() {
		t.Error("checksum should not depend on the name")
	}
}

func TestStore_PutGet(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := Artifact{Name: "price", Payload: []byte(`{"kind":"regressor"}`), Companion: []byte(`{"kind":"standard_scaler"}`)}

			if err := store.Put(ctx, Staging, in); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			got, err := store.Get(ctx, Staging, "price")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Checksum() != in.Checksum() {
				t.Errorf("Get() checksum = %s, want %s", got.Checksum(), in.Checksum())
			}

			if _, err := store.Get(ctx, Production, "price"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(production) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_PutRemovesStaleCompanion(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := store.Put(ctx, Production, Artifact{Name: "m", Payload: []byte("v1"), Companion: []byte("t1")}); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if err := store.Put(ctx, Production, Artifact{Name: "m", Payload: []byte("v2")}); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			got, err := store.Get(ctx, Production, "m")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.HasCompanion() {
				t.Errorf("companion = %q, want none", got.Companion)
			}
			if string(got.Payload) != "v2" {
				t.Errorf("payload = %q, want v2", got.Payload)
			}
		})
	}
}

func TestStore_ListSortedAndDelete(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, n := range []string{"zeta", "alpha", "mid"} {
				if err := store.Put(ctx, Staging, Artifact{Name: n, Payload: []byte(n)}); err != nil {
					t.Fatalf("Put(%s) error = %v", n, err)
				}
			}

			infos, err := store.List(ctx, Staging)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			want := []string{"alpha", "mid", "zeta"}
			if len(infos) != len(want) {
				t.Fatalf("List() len = %d, want %d", len(infos), len(want))
			}
			for i, info := range infos {
				if info.Name != want[i] {
					t.Errorf("List()[%d] = %s, want %s", i, info.Name, want[i])
				}
			}

			if err := store.Delete(ctx, Staging, "mid"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if err := store.Delete(ctx, Staging, "mid"); err != nil {
				t.Errorf("second Delete() error = %v, want nil", err)
			}
			infos, _ = store.List(ctx, Staging)
			if len(infos) != 2 {
				t.Errorf("List() after delete len = %d, want 2", len(infos))
			}
		})
	}
}

func TestStore_UnknownCollection(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.List(context.Background(), Collection("backup")); err == nil {
				t.Error("List(backup) expected error")
			}
		})
	}
}

func TestStore_Snapshots(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			empty, err := store.CreateSnapshot(ctx)
			if err != nil {
				t.Fatalf("CreateSnapshot() on empty production error = %v", err)
			}
			if len(empty.Models) != 0 {
				t.Errorf("empty snapshot models = %d, want 0", len(empty.Models))
			}

			v1 := Artifact{Name: "m", Payload: []byte("v1"), Companion: []byte("s1")}
			if err := store.Put(ctx, Production, v1); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			snap, err := store.CreateSnapshot(ctx)
			if err != nil {
				t.Fatalf("CreateSnapshot() error = %v", err)
			}
			if snap.ID <= empty.ID {
				t.Errorf("snapshot ID = %d, want > %d", snap.ID, empty.ID)
			}
			if info, ok := snap.Model("m"); !ok || info.Checksum != v1.Checksum() {
				t.Errorf("snapshot entry = %+v, %v", info, ok)
			}

			// Later writes to production must not leak into the snapshot.
			if err := store.Put(ctx, Production, Artifact{Name: "m", Payload: []byte("v2")}); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			got, err := store.ReadSnapshot(ctx, snap.ID, "m")
			if err != nil {
				t.Fatalf("ReadSnapshot() error = %v", err)
			}
			if got.Checksum() != v1.Checksum() {
				t.Errorf("ReadSnapshot() = %q/%q, want v1/s1", got.Payload, got.Companion)
			}

			list, err := store.Snapshots(ctx)
			if err != nil {
				t.Fatalf("Snapshots() error = %v", err)
			}
			if len(list) != 2 || list[0].ID != empty.ID || list[1].ID != snap.ID {
				t.Errorf("Snapshots() = %+v, want ascending [%d %d]", list, empty.ID, snap.ID)
			}

			if err := store.DeleteSnapshot(ctx, empty.ID); err != nil {
				t.Fatalf("DeleteSnapshot() error = %v", err)
			}
			if err := store.DeleteSnapshot(ctx, empty.ID); !errors.Is(err, ErrSnapshotNotFound) {
				t.Errorf("DeleteSnapshot() twice error = %v, want ErrSnapshotNotFound", err)
			}
			if _, err := store.ReadSnapshot(ctx, empty.ID, "m"); !errors.Is(err, ErrSnapshotNotFound) {
				t.Errorf("ReadSnapshot(deleted) error = %v, want ErrSnapshotNotFound", err)
			}

			next, err := store.CreateSnapshot(ctx)
			if err != nil {
				t.Fatalf("CreateSnapshot() error = %v", err)
			}
			if next.ID != snap.ID+1 {
				t.Errorf("ID after deletion = %d, want %d", next.ID, snap.ID+1)
			}
		})
	}
}

func TestFSStore_Layout(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore(root, WithClock(func() time.Time {
		return time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, Production, Artifact{Name: "risk", Payload: []byte("p"), Companion: []byte("c")}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	snap, err := store.CreateSnapshot(ctx)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if snap.Label != "000001-20240301T030000Z" {
		t.Errorf("Label = %s, want 000001-20240301T030000Z", snap.Label)
	}

	for _, p := range []string{
		"production/risk.model",
		"production/risk.transform",
		"backup/index.json",
		"backup/000001-20240301T030000Z/risk.model",
		"backup/000001-20240301T030000Z/risk.transform",
	} {
		if _, err := os.Stat(filepath.Join(root, p)); err != nil {
			t.Errorf("expected %s: %v", p, err)
		}
	}

	// A second store over the same root sees the same index.
	reopened, err := NewFSStore(root)
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	list, err := reopened.Snapshots(ctx)
	if err != nil {
		t.Fatalf("Snapshots() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != 1 {
		t.Errorf("reopened Snapshots() = %+v", list)
	}
}

func TestFSStore_ListIgnoresStrayFiles(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore(root)
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}

	stray := []string{".price.model.tmp-123", "notes.txt", "orphan.transform"}
	for _, name := range stray {
		if err := os.WriteFile(filepath.Join(root, "staging", name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "staging", "price.model"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	infos, err := store.List(context.Background(), Staging)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "price" {
		t.Errorf("List() = %+v, want only price", infos)
	}
}

func TestNewFSStore_EmptyRoot(t *testing.T) {
	if _, err := NewFSStore(""); err == nil {
		t.Error("NewFSStore(\"\") expected error")
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	payload := []byte("abc")

	if err := store.Put(ctx, Staging, Artifact{Name: "m", Payload: payload}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	payload[0] = 'z'

	got, _ := store.Get(ctx, Staging, "m")
	if string(got.Payload) != "abc" {
		t.Errorf("stored payload = %q, want abc", got.Payload)
	}
	got.Payload[0] = 'y'
	again, _ := store.Get(ctx, Staging, "m")
	if string(again.Payload) != "abc" {
		t.Errorf("payload after caller mutation = %q, want abc", again.Payload)
	}
}
