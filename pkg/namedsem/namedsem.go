// Package namedsem provides counting semaphores that are shared between
// processes by name.
//
// A semaphore lives in a small file under /dev/shm that every participant
// maps with MAP_SHARED. The count and the number of sleepers are updated with
// atomic instructions and blocking is done with futex(2) on the mapped word,
// so no cgo is needed.
package namedsem

import (
	"errors"
	"strings"
)

// Sentinel errors.
var (
	ErrExists      = errors.New("namedsem: semaphore already exists")
	ErrNotExist    = errors.New("namedsem: semaphore does not exist")
	ErrTimeout     = errors.New("namedsem: timed out")
	ErrInvalidName = errors.New("namedsem: invalid name")
)

// DefaultMode is the permission used by callers that have no preference.
const DefaultMode = 0o644

const filePrefix = "cwsem."

// shmDir holds the backing files. Tests point it at a temporary directory.
var shmDir = "/dev/shm"

// normalize prefixes name with a slash unless it already has one.
func normalize(name string) string {
	if strings.HasPrefix(name, "/") {
		return name
	}
	return "/" + name
}

// fileName maps a normalized name to its backing file name.
func fileName(name string) (string, error) {
	base := strings.TrimPrefix(name, "/")
	if base == "" || strings.Contains(base, "/") || base == "." || base == ".." {
		return "", ErrInvalidName
	}
	return filePrefix + base, nil
}
