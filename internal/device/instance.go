// Package device resolves the identifier carried in every payload.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Source records where an ID came from.
type Source string

const (
	SourceConfig   Source = "config"
	SourceHardware Source = "hardware"
	SourceInstance Source = "instance"
)

// Identity is the resolved payload deviceId.
type Identity struct {
	ID     string
	Source Source
}

// IsMAC reports whether the ID is a hardware address.
func (i Identity) IsMAC() bool {
	return i.Source == SourceHardware
}

// Resolve picks the device ID: an explicit configured value first, then
// the link interface's hardware address, then a persisted instance ID
// in dataDir.
func Resolve(configured, hardwareAddr, dataDir string) (Identity, error) {
	if configured != "" {
		return Identity{ID: configured, Source: SourceConfig}, nil
	}
	if hardwareAddr != "" {
		return Identity{ID: hardwareAddr, Source: SourceHardware}, nil
	}
	id, err := InstanceID(dataDir)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ID: id, Source: SourceInstance}, nil
}

// idFile holds the generated ID under the data directory.
const idFile = "device_id"

// InstanceID returns the UUIDv7 stored in dataDir, creating it on first
// use. A missing, empty, or unparsable file is replaced. The ID stays
// put across renames so broker-side history stays attached.
func InstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, idFile)
	if data, err := os.ReadFile(path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String(), nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("new device id: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("device id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("device id: %w", err)
	}
	return id.String(), nil
}
