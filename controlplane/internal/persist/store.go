// Package persist keeps the runtime configuration of the gateway in a YAML
// snapshot file and reports external edits of it.
package persist

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dove-platform/dgw/controlplane/internal/registry"
)

// Snapshot is the persisted runtime configuration.
type Snapshot struct {
	Enabled     bool            `yaml:"enabled" json:"enabled"`
	DPSServer   netip.AddrPort  `yaml:"dps_server" json:"dps_server,omitzero"`
	OverlayIP   netip.Addr      `yaml:"overlay_ip" json:"overlay_ip,omitzero"`
	DMCIP       netip.Addr      `yaml:"dmc_ip" json:"dmc_ip,omitzero"`
	OverlayPort uint16          `yaml:"overlay_port,omitempty" json:"overlay_port,omitempty"`
	HAPeer      netip.Addr      `yaml:"ha_peer" json:"ha_peer,omitzero"`
	Services    []registry.View `yaml:"services" json:"services"`
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option configures the Store and the Watcher.
type Option func(*options)

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// Store reads and atomically replaces the snapshot file.
type Store struct {
	path string

	mu sync.Mutex
	// digest of the file contents last written or read by this store.
	digest [sha256.Size]byte

	log *zap.SugaredLogger
}

// NewStore creates a store for the snapshot file at path.
func NewStore(path string, options ...Option) *Store {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Store{
		path: filepath.Clean(path),
		log:  opts.Log.Named("persist"),
	}
}

// Path returns the snapshot file path.
func (m *Store) Path() string {
	return m.path
}

// Exists reports whether the snapshot file is present.
func (m *Store) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Load reads the snapshot. A missing file yields an empty snapshot.
func (m *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.log.Infow("no snapshot found, starting empty", zap.String("path", m.path))
			return &Snapshot{}, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	snapshot, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %q: %w", m.path, err)
	}

	m.remember(data)
	return snapshot, nil
}

// Save replaces the snapshot file with the given snapshot.
//
// The contents are written to a temporary file in the same directory and
// renamed over the previous snapshot.
func (m *Store) Save(snapshot *Snapshot) error {
	data, err := Encode(snapshot)
	if err != nil {
		return err
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(m.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	// Remember first so that the watcher skips our own rename.
	m.remember(data)
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	m.log.Infow("saved snapshot", zap.String("path", m.path), zap.Int("services", len(snapshot.Services)))
	return nil
}

// changed reads the file and reports whether its contents differ from what
// this store last saw.
func (m *Store) changed() (*Snapshot, bool, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, false, err
	}
	// A writer truncated the file and has not filled it yet.
	if len(data) == 0 {
		return nil, false, nil
	}

	digest := sha256.Sum256(data)
	m.mu.Lock()
	same := digest == m.digest
	m.mu.Unlock()
	if same {
		return nil, false, nil
	}

	snapshot, err := Decode(data)
	if err != nil {
		return nil, false, err
	}
	m.remember(data)
	return snapshot, true, nil
}

func (m *Store) remember(data []byte) {
	digest := sha256.Sum256(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.digest = digest
}

// Encode renders a snapshot as YAML.
func Encode(snapshot *Snapshot) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := yaml.NewEncoder(buf)
	enc.SetIndent(2)
	if err := enc.Encode(snapshot); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a YAML snapshot, rejecting unknown fields.
func Decode(data []byte) (*Snapshot, error) {
	snapshot := &Snapshot{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(snapshot); err != nil {
		if errors.Is(err, io.EOF) {
			return snapshot, nil
		}
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snapshot, nil
}
