// Package recording persists interaction recordings produced by the web
// frontend.  Files live under ~/.buiauto/<group>/<name>.buiauto.json; the
// directory layout is shared with external collaborators and must not change.
package recording

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/ByteTrue/byteautoui/logging"
	"github.com/ByteTrue/byteautoui/uierr"
)

// Extension is the recording file suffix.
const Extension = ".buiauto.json"

// Metadata describes one stored recording.
type Metadata struct {
	Group      string  `json:"group"`
	Name       string  `json:"name"`
	Path       string  `json:"path"`
	Size       int64   `json:"size"`
	CreatedAt  float64 `json:"created_at"`
	ModifiedAt float64 `json:"modified_at"`
}

// Store reads and writes recordings under a root directory.
type Store struct {
	root   string
	logger log.Logger
}

// NewStore builds a Store rooted at dir, creating it if needed.
func NewStore(dir string, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: dir, logger: logger}, nil
}

// NewDefaultStore roots the store at ~/.buiauto.
func NewDefaultStore(logger log.Logger) (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return NewStore(filepath.Join(home, ".buiauto"), logger)
}

// path validates the group/name pair against traversal and returns the
// recording's full path, creating the group directory.
func (s *Store) path(group, name string) (string, error) {
	if strings.Contains(group, "..") || strings.HasPrefix(group, "/") ||
		strings.HasPrefix(group, `\`) || strings.Contains(group, `\`) {
		return "", uierr.New(uierr.KindInvalidArgument, "invalid group name: path traversal detected")
	}
	if strings.Contains(name, "..") || strings.Contains(name, "/") || strings.Contains(name, `\`) {
		return "", uierr.New(uierr.KindInvalidArgument, "invalid recording name: path traversal detected")
	}

	groupDir := filepath.Join(s.root, group)
	if !strings.HasPrefix(filepath.Clean(groupDir), filepath.Clean(s.root)) {
		return "", uierr.New(uierr.KindInvalidArgument, "invalid path: outside recordings directory")
	}
	if err := os.MkdirAll(groupDir, 0o755); err != nil {
		return "", err
	}

	if !strings.HasSuffix(name, Extension) {
		name += Extension
	}
	return filepath.Join(groupDir, name), nil
}

// Save writes the recording data as indented JSON and returns its path.
func (s *Store) Save(group, name string, data map[string]interface{}) (string, error) {
	path, err := s.path(group, name)
	if err != nil {
		return "", err
	}

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", uierr.Wrap(uierr.KindInvalidArgument, err, "invalid recording data")
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return "", err
	}

	s.logger.Log(level.Key(), level.InfoValue(),
		logging.MessageKey(), "recording saved", "path", path)
	return path, nil
}

// List walks the root for recordings, newest modification first.  Group is
// the path relative to the root, or "default" for top-level files.
func (s *Store) List() ([]Metadata, error) {
	recordings := []Metadata{}
	err := filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() || !strings.HasSuffix(entry.Name(), Extension) {
			return err
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		relative, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		group := filepath.Dir(relative)
		if group == "." {
			group = "default"
		}

		modified := float64(info.ModTime().UnixNano()) / 1e9
		recordings = append(recordings, Metadata{
			Group:      group,
			Name:       strings.TrimSuffix(entry.Name(), Extension),
			Path:       path,
			Size:       info.Size(),
			CreatedAt:  modified,
			ModifiedAt: modified,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ModifiedAt > recordings[j].ModifiedAt
	})
	return recordings, nil
}

// Load reads one recording.
func (s *Store) Load(group, name string) (map[string]interface{}, error) {
	path, err := s.path(group, name)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, uierr.New(uierr.KindNotFound, "recording not found: %s/%s", group, name)
	}
	if err != nil {
		return nil, err
	}

	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, uierr.Wrap(uierr.KindParseError, err, "invalid recording file format")
	}
	return data, nil
}

// Delete removes a recording and prunes its group directory when empty.
func (s *Store) Delete(group, name string) error {
	path, err := s.path(group, name)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return uierr.New(uierr.KindNotFound, "recording not found: %s/%s", group, name)
		}
		return err
	}

	// best effort: os.Remove refuses non-empty directories
	if dir := filepath.Dir(path); dir != s.root {
		if err := os.Remove(dir); err == nil {
			s.logger.Log(level.Key(), level.InfoValue(),
				logging.MessageKey(), "removed empty group directory", "dir", dir)
		}
	}

	s.logger.Log(level.Key(), level.InfoValue(),
		logging.MessageKey(), "recording deleted", "path", path)
	return nil
}
