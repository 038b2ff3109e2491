// Package iosconfig persists per-UDID WebDriverAgent settings under
// ~/.byteautoui/ios_config.json.  Reads come from an in-memory cache; writes
// atomically replace the file and then the cache, so readers always reflect
// the last successful write.  The store is process-local.
package iosconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

const (
	DefaultBundleID = "com.facebook.WebDriverAgentRunner.xctrunner"
	DefaultPort     = 8100

	configDirName  = ".byteautoui"
	configFileName = "ios_config.json"
)

// DeviceConfig is the per-UDID record, also the JSON wire shape.
type DeviceConfig struct {
	BundleID string `json:"wda_bundle_id"`
	Port     int    `json:"wda_port"`
}

// Store manages the durable UDID -> DeviceConfig mapping.
type Store struct {
	lock sync.Mutex
	path string
	data map[string]DeviceConfig
}

// New creates a Store rooted at dir, loading any existing file.  An unreadable
// or corrupt file is treated as empty, matching the tolerance of the readers.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating config directory")
	}

	s := &Store{
		path: filepath.Join(dir, configFileName),
		data: make(map[string]DeviceConfig),
	}

	raw, err := os.ReadFile(s.path)
	if err == nil {
		if unmarshalErr := json.Unmarshal(raw, &s.data); unmarshalErr != nil {
			s.data = make(map[string]DeviceConfig)
		}
	}
	return s, nil
}

// NewDefault creates a Store under the invoking user's home directory.
func NewDefault() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.Wrap(err, "resolving home directory")
	}
	return New(filepath.Join(home, configDirName))
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

// Get returns the configuration for a UDID, with defaults filled in for
// unknown devices or unset fields.
func (s *Store) Get(udid string) DeviceConfig {
	s.lock.Lock()
	defer s.lock.Unlock()
	return withDefaults(s.data[udid])
}

// BundleID returns the WDA runner bundle id for a UDID.
func (s *Store) BundleID(udid string) string {
	return s.Get(udid).BundleID
}

// Port returns the WDA control port for a UDID.
func (s *Store) Port(udid string) int {
	return s.Get(udid).Port
}

// SetBundleID records the runner bundle id for a UDID and writes through.
func (s *Store) SetBundleID(udid, bundleID string) error {
	return s.update(udid, func(c *DeviceConfig) {
		c.BundleID = bundleID
	})
}

// SetPort records the WDA control port for a UDID and writes through.
func (s *Store) SetPort(udid string, port int) error {
	return s.update(udid, func(c *DeviceConfig) {
		c.Port = port
	})
}

// Clear removes the configuration for a UDID.
func (s *Store) Clear(udid string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.data[udid]; !ok {
		return nil
	}
	next := copyData(s.data)
	delete(next, udid)
	if err := s.persist(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

// All returns a snapshot of every stored record, defaults filled in.
func (s *Store) All() map[string]DeviceConfig {
	s.lock.Lock()
	defer s.lock.Unlock()

	snapshot := make(map[string]DeviceConfig, len(s.data))
	for udid, c := range s.data {
		snapshot[udid] = withDefaults(c)
	}
	return snapshot
}

func (s *Store) update(udid string, mutate func(*DeviceConfig)) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	next := copyData(s.data)
	record := next[udid]
	mutate(&record)
	next[udid] = record

	if err := s.persist(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

// persist writes the map to a sibling temp file and renames it into place.
func (s *Store) persist(data map[string]DeviceConfig) error {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding ios config")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return errors.Wrap(err, "writing ios config")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "replacing ios config")
	}
	return nil
}

func withDefaults(c DeviceConfig) DeviceConfig {
	if c.BundleID == "" {
		c.BundleID = DefaultBundleID
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	return c
}

func copyData(data map[string]DeviceConfig) map[string]DeviceConfig {
	next := make(map[string]DeviceConfig, len(data)+1)
	for udid, c := range data {
		next[udid] = c
	}
	return next
}
