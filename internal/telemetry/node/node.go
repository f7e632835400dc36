// Package node manages the identity of this SDK install. A single ULID is
// generated on first start and persisted under the channel's data
// directory; it is attached to every batch sent to the ingestion endpoint
// as the install-id and is stable across process restarts.
//
// The package also exposes general-purpose ID generation used by the store
// and channel layers for log IDs and batch IDs — ULIDs are time-sortable,
// globally unique without coordination, and require no central allocator.
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

const installIDFile = "install_id"

// InstallID is a ULID string uniquely identifying this SDK install. It is
// stable across restarts within the same data directory.
type InstallID string

func (id InstallID) String() string { return string(id) }

// IsZero reports whether id is the zero value.
func (id InstallID) IsZero() bool { return id == "" }

// Identity holds the persistent install identity for this process.
type Identity struct {
	id      InstallID
	dataDir string
}

// Load returns an Identity whose ID is loaded from dataDir/install_id. If
// the file does not exist a new ULID is generated and persisted. An
// explicit override (e.g. for tests) bypasses the file entirely; pass ""
// or "auto" to use the file-backed identity.
func Load(dataDir string, override string) (*Identity, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if err := validateULID(override); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		return &Identity{id: InstallID(override), dataDir: dataDir}, nil
	}

	id, err := loadOrGenerate(dataDir)
	if err != nil {
		return nil, err
	}
	return &Identity{id: id, dataDir: dataDir}, nil
}

// ID returns the install's stable ULID string.
func (n *Identity) ID() InstallID { return n.id }

// DataDir returns the root data directory backing this identity.
func (n *Identity) DataDir() string { return n.dataDir }

func loadOrGenerate(dataDir string) (InstallID, error) {
	path := filepath.Join(dataDir, installIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if verr := validateULID(id); verr != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", id, verr)
		}
		return InstallID(id), nil
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

// monoEntropy is a package-level monotone entropy source shared across all
// generateULID calls so IDs stay lexicographically ordered even when
// generated within the same millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

func generateULID() (InstallID, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, monoEntropy)
	if err != nil {
		return "", err
	}
	return InstallID(id.String()), nil
}

func validateULID(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// NewID generates a fresh ULID string. Used for log IDs, batch IDs, and
// session IDs by the store and channel layers.
func NewID() (string, error) {
	id, err := generateULID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error. Restricted to call sites
// where ID generation cannot plausibly fail (entropy read against
// crypto/rand) and a returned error would only complicate an already
// lock-held call path.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}
