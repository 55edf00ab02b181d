//go:build !unix

package cache

import (
	"fmt"
	"os"
)

// Lock is a no-op on platforms without flock.
type Lock struct{}

// Lock only makes sure the root exists.
func (r Root) Lock() (*Lock, error) {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create %s: %w", r.Dir, err)
	}
	return &Lock{}, nil
}

// Unlock is a no-op.
func (l *Lock) Unlock() error { return nil }
