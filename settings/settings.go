// Package settings persists the user settings document served over the
// bridge. The document is a JSON object; the store accepts JSONC on disk
// (comments, trailing commas) so users can annotate the file by hand.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/pretty"
)

// ErrNotObject rejects a document whose top level is not a JSON object.
var ErrNotObject = errors.New("settings must be a JSON object")

// Store loads and saves the settings document.
type Store interface {
	// Load returns the whole document for an empty route, otherwise the
	// value at route (gjson path syntax, e.g. "appearance.theme"). A route
	// that does not exist yields nil.
	Load(route string) (json.RawMessage, error)
	// Save replaces the whole document. If ctx ends before the new
	// document is in place, the old one is kept and ctx.Err() returned.
	Save(ctx context.Context, doc json.RawMessage) error
}

// FileStore keeps the document in a single file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(route string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	if route == "" {
		return doc, nil
	}

	value := gjson.GetBytes(doc, route)
	if !value.Exists() {
		return nil, nil
	}
	return json.RawMessage(value.Raw), nil
}

// read returns the stored document as plain JSON. A missing file is an
// empty object.
func (s *FileStore) read() (json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}

	doc := bytes.TrimSpace(jsonc.ToJSON(data))
	if len(doc) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if err := checkObject(doc); err != nil {
		return nil, fmt.Errorf("settings file %s: %w", s.path, err)
	}
	return json.RawMessage(doc), nil
}

func (s *FileStore) Save(ctx context.Context, doc json.RawMessage) error {
	if err := checkObject(doc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	if _, err := tmp.Write(pretty.Pretty(doc)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := ctx.Err(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing settings: %w", err)
	}
	return nil
}

func checkObject(doc []byte) error {
	trimmed := bytes.TrimSpace(doc)
	if !json.Valid(trimmed) {
		return fmt.Errorf("%w: invalid JSON", ErrNotObject)
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ErrNotObject
	}
	return nil
}
