// Package persist provides key-value storage backends for the user state
// record. Every backend stores opaque string blobs under string keys; the
// record codec lives with the store, not here.
package persist

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrNotFound is returned by Get when nothing is stored under the key.
	ErrNotFound = errors.New("not_found")
	// ErrInvalidKey is returned for empty or unsafe keys.
	ErrInvalidKey = errors.New("invalid_key")
	// ErrUnavailable wraps backend failures (I/O, network, quota).
	ErrUnavailable = errors.New("unavailable")
)

// Storage is a synchronous string-keyed blob store.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Keys end up in file names and redis keys, so they are restricted.
var keyRE = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

func validKey(key string) bool {
	return keyRE.MatchString(key) && !strings.Contains(key, "..")
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// unavailable marks a backend error so callers can match ErrUnavailable
// without losing the cause.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.Join(ErrUnavailable, err)
}
