// Package store is the blob storage port used for uploads, patched outputs
// and diff artifacts. Keys are slash separated relative paths.
package store

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by Load and Delete for missing keys.
var ErrNotFound = errors.New("store: key not found")

// Store saves, loads and lists blobs by key.
type Store interface {
	Save(key string, data []byte) error
	Load(key string) ([]byte, error)
	// List returns the keys under prefix in lexical order.
	List(prefix string) ([]string, error)
	Delete(key string) error
}

// IsNotFound reports whether err means a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// CleanKey validates key and returns its canonical form.
func CleanKey(key string) (string, error) {
	k := strings.TrimSpace(key)
	if k == "" {
		return "", errors.New("store: empty key")
	}
	if strings.HasPrefix(k, "/") || strings.Contains(k, "\\") {
		return "", fmt.Errorf("store: invalid key %q", key)
	}
	cleaned := path.Clean(k)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("store: key %q escapes the store", key)
	}
	return cleaned, nil
}

func cleanPrefix(prefix string) (string, error) {
	if strings.TrimSpace(prefix) == "" {
		return "", nil
	}
	p, err := CleanKey(prefix)
	if err != nil {
		return "", err
	}
	if strings.HasSuffix(prefix, "/") {
		p += "/"
	}
	return p, nil
}
