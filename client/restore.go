package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
)

// RestoreStore keeps the last restore token of each session kind. Tokens
// are single use, so every successful Start replaces the stored one.
type RestoreStore interface {
	Load(kind portal.Kind) string
	Save(kind portal.Kind, token string) error
}

// RestoreFile is a RestoreStore in a yaml file.
type RestoreFile struct {
	path string
	mu   sync.Mutex
}

func NewRestoreFile(path string) *RestoreFile {
	return &RestoreFile{path: path}
}

func (f *RestoreFile) read() (map[string]string, error) {
	tokens := map[string]string{}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return tokens, nil
	}
	if err != nil {
		return tokens, err
	}
	if err := yaml.Unmarshal(data, &tokens); err != nil {
		return map[string]string{}, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return tokens, nil
}

func (f *RestoreFile) Load(kind portal.Kind) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	tokens, err := f.read()
	if err != nil {
		logger.Warn("[client] restore tokens unreadable: %v", err)
		return ""
	}
	return tokens[kind.String()]
}

// Save stores token for kind. An empty token forgets the kind.
func (f *RestoreFile) Save(kind portal.Kind, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tokens, err := f.read()
	if err != nil {
		logger.Warn("[client] restore tokens unreadable, starting over: %v", err)
	}
	if token == "" {
		delete(tokens, kind.String())
	} else {
		tokens[kind.String()] = token
	}
	data, err := yaml.Marshal(tokens)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
