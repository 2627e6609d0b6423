// Package codec implements the chunk compression schemes an archive may use.
package codec

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Codec compresses and uncompresses individual chunks.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Name is the identifier recorded in an archive header.
	Name() string

	Compress([]byte) ([]byte, error)

	// Uncompress reverses Compress.
	// The caller supplies the expected uncompressed size;
	// producing any other length is an error.
	Uncompress(src []byte, size int) ([]byte, error)
}

// Factory produces a Codec at the given compression level.
// Codecs without levels ignore it.
type Factory func(level int) (Codec, error)

var (
	mu       sync.Mutex
	registry = make(map[string]Factory)
)

// Register makes a codec available under name.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = f
}

// New produces the codec registered under name.
func New(name string, level int) (Codec, error) {
	mu.Lock()
	f, ok := registry[name]
	mu.Unlock()
	if !ok {
		return nil, errors.Errorf("codec %q not found in registry", name)
	}
	return f(level)
}

// Names lists the registered codecs.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func checkSize(name string, got []byte, size int) ([]byte, error) {
	if len(got) != size {
		return nil, errors.Errorf("%s: got %d bytes, want %d", name, len(got), size)
	}
	return got, nil
}
