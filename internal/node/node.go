// Package node manages the identity of one echoat worker process.
//
// Workers are interchangeable and share no memory, but each one still carries
// a ULID so that log lines, lock ownership and accepted entries can be traced
// back to the process that produced them. When a data directory is configured
// the ID is persisted there and survives restarts; otherwise a fresh ID is
// generated for the lifetime of the process.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const nodeIDFile = "node_id"

// ID is a ULID string that identifies a worker process.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node holds the identity of this worker.
type Node struct {
	id      ID
	dataDir string
}

// New returns the worker identity.
//
// An explicit override ("auto" and "" mean none) always wins and must be a
// valid ULID. Without an override the ID is loaded from dataDir/node_id,
// generating and persisting one on first start. An empty dataDir yields an
// ephemeral ID that is never written anywhere.
func New(dataDir, override string) (*Node, error) {
	if override != "" && override != "auto" {
		if err := validateULID(override); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		return &Node{id: ID(override), dataDir: dataDir}, nil
	}

	if dataDir == "" {
		id, err := generateULID()
		if err != nil {
			return nil, fmt.Errorf("node: generate id: %w", err)
		}
		return &Node{id: id}, nil
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}
	id, err := loadOrGenerate(dataDir)
	if err != nil {
		return nil, err
	}
	return &Node{id: id, dataDir: dataDir}, nil
}

// ID returns the worker's ULID.
func (n *Node) ID() ID { return n.id }

// DataDir returns the data directory, or "" for an ephemeral identity.
func (n *Node) DataDir() string { return n.dataDir }

// Persistent reports whether the ID is stable across restarts.
func (n *Node) Persistent() bool { return n.dataDir != "" }

func loadOrGenerate(dataDir string) (ID, error) {
	path := filepath.Join(dataDir, nodeIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if err := validateULID(id); err != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", id, err)
		}
		return ID(id), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	id, err := generateULID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return id, nil
}

// A single monotonic entropy source keeps IDs generated within the same
// millisecond strictly increasing. Entry IDs double as lock names, so they
// must never collide.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

func generateULID() (ID, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return ID(id.String()), nil
}

func validateULID(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// NewID generates a fresh ULID for entries and other records.
func NewID() (string, error) {
	id, err := generateULID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}
