package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cautelapp/carelink/internal/device"
	"github.com/sirupsen/logrus"
)

// PeripheralsFileName is the file PeripheralIndex writes under its directory
const PeripheralsFileName = "known_bracelets.json"

// PeripheralIndex remembers which physical bracelet answered at a BLE
// address, so a later scan can recognise bound bracelets without connecting.
// Addresses are stored lowercase.
type PeripheralIndex struct {
	dir    string
	logger *logrus.Logger
	mu     sync.Mutex
}

// NewPeripheralIndex creates an index under dir; the directory is created on first Save.
func NewPeripheralIndex(dir string, logger *logrus.Logger) *PeripheralIndex {
	if logger == nil {
		logger = logrus.New()
	}
	return &PeripheralIndex{dir: dir, logger: logger}
}

func (x *PeripheralIndex) path() string {
	return filepath.Join(x.dir, PeripheralsFileName)
}

// Load returns the stored table; a missing file is an empty table.
func (x *PeripheralIndex) Load(ctx context.Context) (map[device.PeripheralID]device.PhysicalDeviceID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	table := make(map[device.PeripheralID]device.PhysicalDeviceID)
	data, err := os.ReadFile(x.path())
	if errors.Is(err, os.ErrNotExist) {
		return table, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read known bracelets: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode known bracelets %s: %w", x.path(), err)
	}
	for addr, id := range raw {
		physical, err := device.ParsePhysicalDeviceID(id)
		if err != nil {
			x.logger.WithField("peripheral", addr).WithError(err).Warn("Skipping malformed known bracelet")
			continue
		}
		table[device.PeripheralID(strings.ToLower(addr))] = physical
	}
	return table, nil
}

// Save replaces the stored table.
func (x *PeripheralIndex) Save(ctx context.Context, table map[device.PeripheralID]device.PhysicalDeviceID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw := make(map[string]string, len(table))
	for addr, id := range table {
		raw[strings.ToLower(string(addr))] = string(id)
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode known bracelets: %w", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := writeAtomic(x.dir, PeripheralsFileName, data); err != nil {
		return fmt.Errorf("failed to write known bracelets: %w", err)
	}
	x.logger.WithField("count", len(raw)).Debug("Known bracelets saved")
	return nil
}

// writeAtomic replaces dir/name with data through a temp file and a rename.
func writeAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
