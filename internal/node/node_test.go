package node_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/snehjoshi/echoat/internal/node"
)

func TestNew_GeneratesIDOnFirstStart(t *testing.T) {
	n, err := node.New(t.TempDir(), "auto")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if n.ID().IsZero() {
		t.Fatal("expected non-zero ID")
	}
	if len(n.ID().String()) != 26 {
		t.Errorf("ULID should be 26 chars, got %d: %s", len(n.ID().String()), n.ID())
	}
	if !n.Persistent() {
		t.Error("identity with a data dir should be persistent")
	}
}

func TestNew_PersistsIDAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	n1, err := node.New(dir, "auto")
	if err != nil {
		t.Fatalf("first New() error: %v", err)
	}
	n2, err := node.New(dir, "")
	if err != nil {
		t.Fatalf("second New() error: %v", err)
	}
	if n1.ID() != n2.ID() {
		t.Errorf("ID changed across restarts: %s != %s", n1.ID(), n2.ID())
	}

	data, err := os.ReadFile(filepath.Join(dir, "node_id"))
	if err != nil {
		t.Fatalf("node_id file not found: %v", err)
	}
	if strings.TrimSpace(string(data)) != n1.ID().String() {
		t.Errorf("persisted ID %q != returned ID %q", strings.TrimSpace(string(data)), n1.ID())
	}
}

func TestNew_EmptyDataDir_IsEphemeral(t *testing.T) {
	n1, err := node.New("", "auto")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	n2, err := node.New("", "auto")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if n1.Persistent() {
		t.Error("identity without a data dir must be ephemeral")
	}
	if n1.ID() == n2.ID() {
		t.Errorf("ephemeral identities should differ, both %s", n1.ID())
	}
}

func TestNew_ExplicitOverride(t *testing.T) {
	override := node.MustNewID()

	n, err := node.New(t.TempDir(), override)
	if err != nil {
		t.Fatalf("New() with override error: %v", err)
	}
	if n.ID().String() != override {
		t.Errorf("expected override ID %s, got %s", override, n.ID())
	}
}

func TestNew_InvalidOverride_ReturnsError(t *testing.T) {
	if _, err := node.New(t.TempDir(), "not-a-valid-ulid"); err == nil {
		t.Fatal("expected error for invalid ULID override")
	}
}

func TestNew_CorruptIDFile_ReturnsError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "node_id"), []byte("garbage\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := node.New(dir, "auto"); err == nil {
		t.Fatal("expected error for corrupt node_id file")
	}
}

func TestNewID_UniqueAndIncreasing(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := node.MustNewID()
		if seen[id] {
			t.Fatalf("duplicate ULID generated: %s", id)
		}
		if id <= prev {
			t.Fatalf("expected %s > %s (ULIDs must be monotonically increasing)", id, prev)
		}
		seen[id] = true
		prev = id
	}
}
