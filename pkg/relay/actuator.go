package relay

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Actuator drives the physical relay.
type Actuator interface {
	// Set moves the relay to the open (true) or closed (false) position.
	Set(open bool) error
	// IsOpen reads back the current position.
	IsOpen() (bool, error)
}

// MemoryActuator is an in-memory relay for development and tests.
type MemoryActuator struct {
	mu   sync.Mutex
	open bool

	// SetErr is returned by Set without changing position.
	SetErr error
	// ReadErr is returned by IsOpen.
	ReadErr error
	// Stuck makes Set succeed without moving the relay.
	Stuck bool
	// Calls counts Set invocations.
	Calls int
}

func (m *MemoryActuator) Set(open bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.SetErr != nil {
		return m.SetErr
	}
	if !m.Stuck {
		m.open = open
	}
	return nil
}

func (m *MemoryActuator) IsOpen() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return false, m.ReadErr
	}
	return m.open, nil
}

// DefaultSysfsRoot is the Linux sysfs GPIO class directory.
const DefaultSysfsRoot = "/sys/class/gpio"

// SysfsActuator drives a relay through the Linux sysfs GPIO interface.
//
// With ActiveLow set, "open" drives the pin low. Relay boards wired as
// normally-closed are usually active-low.
type SysfsActuator struct {
	Root      string
	Pin       int
	ActiveLow bool

	once    sync.Once
	initErr error
}

func (s *SysfsActuator) pinDir() string {
	root := s.Root
	if root == "" {
		root = DefaultSysfsRoot
	}
	return filepath.Join(root, "gpio"+strconv.Itoa(s.Pin))
}

func (s *SysfsActuator) export() error {
	s.once.Do(func() {
		root := filepath.Dir(s.pinDir())
		if _, err := os.Stat(s.pinDir()); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(filepath.Join(root, "export"), []byte(strconv.Itoa(s.Pin)), 0o200); err != nil {
				s.initErr = fmt.Errorf("export gpio %d: %w", s.Pin, err)
				return
			}
		}
		if err := os.WriteFile(filepath.Join(s.pinDir(), "direction"), []byte("out"), 0o644); err != nil {
			s.initErr = fmt.Errorf("set gpio %d direction: %w", s.Pin, err)
		}
	})
	return s.initErr
}

func (s *SysfsActuator) Set(open bool) error {
	if err := s.export(); err != nil {
		return err
	}
	v := "0"
	if open != s.ActiveLow {
		v = "1"
	}
	if err := os.WriteFile(filepath.Join(s.pinDir(), "value"), []byte(v), 0o644); err != nil {
		return fmt.Errorf("write gpio %d: %w", s.Pin, err)
	}
	return nil
}

func (s *SysfsActuator) IsOpen() (bool, error) {
	if err := s.export(); err != nil {
		return false, err
	}
	b, err := os.ReadFile(filepath.Join(s.pinDir(), "value"))
	if err != nil {
		return false, fmt.Errorf("read gpio %d: %w", s.Pin, err)
	}
	high := strings.TrimSpace(string(b)) == "1"
	return high != s.ActiveLow, nil
}
