// Package pending persists local provisioning state under the state
// directory: a bracelet that came online but is not bound yet, so a later run
// can pick up at profile capture, and the BLE addresses of known bracelets.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/profile"
	"github.com/sirupsen/logrus"
)

// ConfirmedVia names the channel that confirmed the WiFi association
type ConfirmedVia string

const (
	ConfirmedNone ConfirmedVia = "none"
	ConfirmedBLE  ConfirmedVia = "ble"
	ConfirmedSSE  ConfirmedVia = "sse"
)

// Binding is a provisioned bracelet awaiting its backend binding.
type Binding struct {
	PhysicalDeviceID device.PhysicalDeviceID `json:"physical_device_id"`
	SSID             string                  `json:"ssid"`
	PeripheralID     device.PeripheralID     `json:"peripheral_id,omitempty"`
	ConfirmedVia     ConfirmedVia            `json:"confirmed_via"`
	CreatedAt        time.Time               `json:"created_at"`

	// Profile is kept after a failed bind so a retry does not ask again
	Profile *profile.Adult `json:"profile,omitempty"`
}

// Store keeps at most one Binding. Load returns nil, nil when nothing is stored.
type Store interface {
	Save(ctx context.Context, b *Binding) error
	Load(ctx context.Context) (*Binding, error)
	Clear(ctx context.Context) error
}

// FileName is the file FileStore writes under its directory
const FileName = "pending_binding.json"

// FileStore persists the binding as JSON, replacing the file atomically.
type FileStore struct {
	dir    string
	logger *logrus.Logger
	mu     sync.Mutex
}

// NewFileStore creates a store under dir; the directory is created on first Save.
func NewFileStore(dir string, logger *logrus.Logger) *FileStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &FileStore{dir: dir, logger: logger}
}

func (s *FileStore) path() string {
	return filepath.Join(s.dir, FileName)
}

func (s *FileStore) Save(ctx context.Context, b *Binding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b == nil {
		return s.Clear(ctx)
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode pending binding: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeAtomic(s.dir, FileName, data); err != nil {
		return fmt.Errorf("failed to write pending binding: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"physical_device_id": b.PhysicalDeviceID,
		"ssid":               b.SSID,
		"path":               s.path(),
	}).Debug("Pending binding saved")
	return nil
}

func (s *FileStore) Load(ctx context.Context) (*Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending binding: %w", err)
	}

	var b Binding
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode pending binding %s: %w", s.path(), err)
	}
	if _, err := device.ParsePhysicalDeviceID(string(b.PhysicalDeviceID)); err != nil {
		return nil, fmt.Errorf("corrupt pending binding %s: %w", s.path(), err)
	}
	return &b, nil
}

// Clear removes the stored binding. Clearing an empty store is not an error.
func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear pending binding: %w", err)
	}
	s.logger.Debug("Pending binding cleared")
	return nil
}

// MemoryStore keeps the binding in memory.
type MemoryStore struct {
	mu sync.Mutex
	b  *Binding

	// Err, when set, is returned by every operation
	Err error
}

func (m *MemoryStore) Save(_ context.Context, b *Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if b == nil {
		m.b = nil
		return nil
	}
	cp := *b
	m.b = &cp
	return nil
}

func (m *MemoryStore) Load(context.Context) (*Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.b == nil {
		return nil, nil
	}
	cp := *m.b
	return &cp, nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.b = nil
	return nil
}
