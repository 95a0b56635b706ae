package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// CategoryRecord is the persisted state of one category.
//
// Field names match the app_list.json layout used by earlier versions of this
// tool so existing files keep working.
type CategoryRecord struct {
	Apps   []string `json:"Apps" yaml:"Apps"`
	Volume int      `json:"Volume" yaml:"Volume"`
	Muted  bool     `json:"Muted" yaml:"Muted"`
}

// CategoryStore loads and saves category records keyed by category name.
type CategoryStore interface {
	Load() (map[string]CategoryRecord, error)

	// Save replaces the record for name, leaving other records untouched.
	Save(name string, rec CategoryRecord) error
}

// FileStore keeps all categories in one file. Files ending in ".json" are
// written as indented JSON, everything else as YAML.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store backed by path. The file is created on first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: ExpandPath(path)}
}

// Path returns the resolved file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) isJSON() bool {
	return strings.EqualFold(filepath.Ext(s.path), ".json")
}

// Load reads every record. A missing file is not an error and yields an empty map.
func (s *FileStore) Load() (map[string]CategoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// Save does a read-modify-write of the whole file.
func (s *FileStore) Save(name string, rec CategoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readLocked()
	if err != nil {
		return err
	}
	all[name] = rec
	return s.writeLocked(all)
}

func (s *FileStore) readLocked() (map[string]CategoryRecord, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]CategoryRecord), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	all := make(map[string]CategoryRecord)
	if len(bytes.TrimSpace(b)) == 0 {
		return all, nil
	}

	if s.isJSON() {
		if err := json.Unmarshal(b, &all); err != nil {
			return nil, fmt.Errorf("decode state json: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(b, &all); err != nil {
			return nil, fmt.Errorf("decode state yaml: %w", err)
		}
	}
	return all, nil
}

func (s *FileStore) writeLocked(all map[string]CategoryRecord) error {
	var (
		b   []byte
		err error
	)
	if s.isJSON() {
		b, err = json.MarshalIndent(all, "", "    ")
		if err == nil {
			b = append(b, '\n')
		}
	} else {
		b, err = yaml.Marshal(all)
	}
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	// Readers only ever see the old file or the complete new one.
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
