// Package led drives the status LED toggled from the web page.
package led

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// LED is a single on/off indicator.
type LED interface {
	Set(on bool) error
	On() (bool, error)
}

// Memory is an LED that only remembers its state, for hosts without one.
type Memory struct {
	mu sync.Mutex
	on bool
}

// Set records the state.
func (m *Memory) Set(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.on = on
	return nil
}

// On returns the recorded state.
func (m *Memory) On() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on, nil
}

// DefaultSysfsRoot is where the kernel exposes LED class devices.
const DefaultSysfsRoot = "/sys/class/leds"

// Sysfs drives a kernel LED class device by writing its brightness.
type Sysfs struct {
	dir string
}

// NewSysfs returns the LED named name under root. An empty root means
// DefaultSysfsRoot.
func NewSysfs(root, name string) (*Sysfs, error) {
	if root == "" {
		root = DefaultSysfsRoot
	}
	if name == "" || strings.ContainsRune(name, '/') {
		return nil, fmt.Errorf("invalid led name %q", name)
	}
	dir := filepath.Join(root, name)
	if _, err := os.Stat(filepath.Join(dir, "brightness")); err != nil {
		return nil, fmt.Errorf("led %s: %w", name, err)
	}
	return &Sysfs{dir: dir}, nil
}

// Set writes max_brightness (or 1 when unreadable) for on, 0 for off.
func (s *Sysfs) Set(on bool) error {
	value := "0"
	if on {
		value = "1"
		if raw, err := os.ReadFile(filepath.Join(s.dir, "max_brightness")); err == nil {
			if v := strings.TrimSpace(string(raw)); v != "" {
				value = v
			}
		}
	}
	if err := os.WriteFile(filepath.Join(s.dir, "brightness"), []byte(value+"\n"), 0o644); err != nil {
		return fmt.Errorf("set led brightness: %w", err)
	}
	return nil
}

// On reports whether brightness is non-zero.
func (s *Sysfs) On() (bool, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, "brightness"))
	if err != nil {
		return false, fmt.Errorf("read led brightness: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return false, fmt.Errorf("parse led brightness %q: %w", raw, err)
	}
	return n > 0, nil
}

// KV is the persistence the Persisted wrapper needs.
type KV interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

const (
	kvNamespace = "led"
	kvKey       = "state"
)

// Persisted remembers the LED state across restarts.
type Persisted struct {
	LED
	kv KV
}

// NewPersisted wraps l and restores the last saved state to it.
func NewPersisted(l LED, kv KV) (*Persisted, error) {
	p := &Persisted{LED: l, kv: kv}
	saved, err := kv.Get(kvNamespace, kvKey)
	if err != nil {
		return nil, fmt.Errorf("load led state: %w", err)
	}
	if saved != "" {
		if err := l.Set(saved == "on"); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Set drives the LED, then saves the state.
func (p *Persisted) Set(on bool) error {
	if err := p.LED.Set(on); err != nil {
		return err
	}
	value := "off"
	if on {
		value = "on"
	}
	if err := p.kv.Set(kvNamespace, kvKey, value); err != nil {
		return errors.Join(errors.New("led set but state not saved"), err)
	}
	return nil
}
