package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/b0bbywan/go-odio-portal/logger"
)

// File keeps tokens in a yaml document so grants survive a restart.
type File struct {
	path string
	ttl  time.Duration

	mu     sync.Mutex
	closed bool
}

type fileDoc struct {
	Tokens map[string]Record `yaml:"tokens"`
}

func NewFile(path string, ttl time.Duration) (*File, error) {
	if path == "" {
		return nil, errors.New("tokenstore: empty file path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("tokenstore: %w", err)
	}
	f := &File{path: path, ttl: ttl}
	if _, err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) load() (fileDoc, error) {
	doc := fileDoc{Tokens: map[string]Record{}}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("tokenstore: read %s: %w", f.path, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("tokenstore: parse %s: %w", f.path, err)
	}
	if doc.Tokens == nil {
		doc.Tokens = map[string]Record{}
	}
	return doc, nil
}

// save writes through a temporary file so a crash never leaves a truncated document.
func (f *File) save(doc fileDoc) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("tokenstore: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, f.path)
}

func (f *File) Put(_ context.Context, token string, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	doc, err := f.load()
	if err != nil {
		return err
	}
	for k, r := range doc.Tokens {
		if expired(r, f.ttl) {
			delete(doc.Tokens, k)
		}
	}
	doc.Tokens[token] = rec
	return f.save(doc)
}

func (f *File) Take(_ context.Context, token string) (Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return Record{}, false, ErrClosed
	}

	doc, err := f.load()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := doc.Tokens[token]
	if !ok {
		return Record{}, false, nil
	}
	delete(doc.Tokens, token)
	if err := f.save(doc); err != nil {
		return Record{}, false, err
	}
	if expired(rec, f.ttl) {
		logger.Debug("[tokens] token issued %s expired", rec.IssuedAt.Format(time.RFC3339))
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (f *File) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
