package client

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Bookmark is one saved server with the credentials issued for it.
type Bookmark struct {
	Name     string `yaml:"name"`
	Addr     string `yaml:"addr"`
	PlayerID string `yaml:"player_id"`
	Secret   string `yaml:"secret"`
	LastUsed int64  `yaml:"last_used,omitempty"`
}

// BookmarkStore persists saved servers as YAML.
type BookmarkStore struct {
	path      string
	Bookmarks []Bookmark `yaml:"bookmarks"`
}

// DefaultBookmarksPath is the bookmarks file next to the executable.
func DefaultBookmarksPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "servers.yaml"
	}
	return filepath.Join(filepath.Dir(exe), "servers.yaml")
}

// NewBookmarkStore creates a store backed by the given file.
func NewBookmarkStore(path string) *BookmarkStore {
	return &BookmarkStore{path: path}
}

// Load reads bookmarks from disk. A missing file is an empty list.
func (bs *BookmarkStore) Load() error {
	data, err := os.ReadFile(bs.path)
	if err != nil {
		if os.IsNotExist(err) {
			bs.Bookmarks = nil
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, bs)
}

// Save writes bookmarks to disk.
func (bs *BookmarkStore) Save() error {
	data, err := yaml.Marshal(bs)
	if err != nil {
		return err
	}
	return os.WriteFile(bs.path, data, 0600)
}

// Add inserts or updates a bookmark by name. Returns true for a new entry.
func (bs *BookmarkStore) Add(b Bookmark) bool {
	for i := range bs.Bookmarks {
		if bs.Bookmarks[i].Name == b.Name {
			bs.Bookmarks[i] = b
			return false
		}
	}
	bs.Bookmarks = append(bs.Bookmarks, b)
	return true
}

// Find returns the bookmark with the given name, or nil.
func (bs *BookmarkStore) Find(name string) *Bookmark {
	for i := range bs.Bookmarks {
		if bs.Bookmarks[i].Name == name {
			return &bs.Bookmarks[i]
		}
	}
	return nil
}

// Remove deletes a bookmark by name. Returns true if one was removed.
func (bs *BookmarkStore) Remove(name string) bool {
	for i := range bs.Bookmarks {
		if bs.Bookmarks[i].Name == name {
			bs.Bookmarks = append(bs.Bookmarks[:i], bs.Bookmarks[i+1:]...)
			return true
		}
	}
	return false
}

// Touch records a bookmark as just used.
func (bs *BookmarkStore) Touch(name string) {
	if b := bs.Find(name); b != nil {
		b.LastUsed = time.Now().Unix()
	}
}
