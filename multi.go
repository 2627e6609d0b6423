package updater

import (
	"fmt"
	"sort"
	"strings"
)

// FileErrors is the error returned when synchronizing a set of files
// and some of them failed.
// It maps file paths to the error encountered for each.
// Files absent from the map were synchronized successfully.
type FileErrors map[string]error

// Error implements the error interface.
func (e FileErrors) Error() string {
	paths := make([]string, 0, len(e))
	for path := range e {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	strs := make([]string, 0, len(paths))
	for _, path := range paths {
		strs = append(strs, fmt.Sprintf("%s: %s", path, e[path]))
	}
	return "error(s): " + strings.Join(strs, "; ")
}

// Is reports whether every failure in e is of the given kind.
// A run whose only failures are cancellations is itself a cancellation.
func (e FileErrors) Is(target error) bool {
	if len(e) == 0 {
		return false
	}
	for _, err := range e {
		if Kind(err) != target {
			return false
		}
	}
	return true
}

// Add records err for path, creating the map if needed.
func (e *FileErrors) Add(path string, err error) {
	if *e == nil {
		*e = make(FileErrors)
	}
	(*e)[path] = err
}

// Err returns e as an error, or nil if it is empty.
func (e FileErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}
