package process

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Resolve maps an executable name to the path used at spawn time.
//
// A bare name (no path separator) is first looked up relative to the current
// directory; if no such file exists it is left for the search path and
// searchPath is true. Anything else is made absolute with symlinks resolved,
// and must exist.
func Resolve(path string) (resolved string, searchPath bool, err error) {
	if path == "" {
		return "", false, newError(ErrCodeNoPath, "Path to executable not specified", nil)
	}

	if !strings.ContainsAny(path, `/\`) {
		if _, statErr := os.Stat(filepath.Join(".", path)); statErr != nil {
			return path, true, nil
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false, newError(errnoCode(err), "File not found", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		code := errnoCode(err)
		if errors.Is(err, os.ErrNotExist) {
			code = ErrCodeNotFound
		}
		return "", false, newError(code, "File not found", err)
	}
	return canonical, false, nil
}
