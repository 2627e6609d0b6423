package updater

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// MaxHashSize is the largest digest a Hash can hold.
const MaxHashSize = 32

type (
	// Hash is the content hash of a chunk or a whole file.
	// Digests shorter than MaxHashSize are zero-padded,
	// so a Hash is always usable as a map key.
	Hash [MaxHashSize]byte

	// HashKind names a hash algorithm.
	HashKind string
)

// Hash algorithms an archive may be built with.
const (
	SHA256  HashKind = "sha256"
	BLAKE3  HashKind = "blake3"
	BLAKE2b HashKind = "blake2b"
)

// Zero is the zero value of a Hash.
var Zero Hash

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Less tells whether h sorts before other.
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

// HashFromBytes copies b into a Hash, truncating or zero-padding as needed.
func HashFromBytes(b []byte) Hash {
	var out Hash
	copy(out[:], b)
	return out
}

// HashFromHex parses a hex-encoded digest of up to MaxHashSize bytes.
func HashFromHex(s string) (Hash, error) {
	if len(s) > 2*MaxHashSize || len(s)%2 != 0 {
		return Zero, errors.Errorf("bad hash length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, errors.Wrapf(err, "decoding hash %s", s)
	}
	return HashFromBytes(b), nil
}

// HashFunc is the hash function an archive was built with:
// an algorithm and the number of digest bytes kept.
type HashFunc struct {
	Kind HashKind
	Size int
}

// DefaultHashFunc is full-length SHA-256.
var DefaultHashFunc = HashFunc{Kind: SHA256, Size: MaxHashSize}

// Validate checks that f names a known algorithm and a usable digest size.
func (f HashFunc) Validate() error {
	switch f.Kind {
	case SHA256, BLAKE3, BLAKE2b:
	default:
		return errors.Errorf("unknown hash kind %q", f.Kind)
	}
	if f.Size < 1 || f.Size > MaxHashSize {
		return errors.Errorf("hash size %d out of range", f.Size)
	}
	return nil
}

// New returns a streaming hasher for f.
// Use Digest to turn its result into a Hash.
func (f HashFunc) New() hash.Hash {
	switch f.Kind {
	case BLAKE3:
		return blake3.New()
	case BLAKE2b:
		h, _ := blake2b.New256(nil) // only fails for an oversized key
		return h
	default:
		return sha256.New()
	}
}

// Sum computes the Hash of b.
func (f HashFunc) Sum(b []byte) Hash {
	var full [MaxHashSize]byte
	switch f.Kind {
	case BLAKE3:
		full = blake3.Sum256(b)
	case BLAKE2b:
		full = blake2b.Sum256(b)
	default:
		full = sha256.Sum256(b)
	}
	return f.truncate(full[:])
}

// Digest finishes h, which must have come from f.New.
func (f HashFunc) Digest(h hash.Hash) Hash {
	return f.truncate(h.Sum(nil))
}

// Bytes returns the significant bytes of h under f.
func (f HashFunc) Bytes(h Hash) []byte {
	return h[:f.size()]
}

func (f HashFunc) truncate(b []byte) Hash {
	return HashFromBytes(b[:f.size()])
}

func (f HashFunc) size() int {
	if f.Size < 1 || f.Size > MaxHashSize {
		return MaxHashSize
	}
	return f.Size
}

func (f HashFunc) String() string {
	if f.Size == MaxHashSize {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s/%d", f.Kind, f.Size)
}

// Descriptor locates one chunk of a source file inside an archive.
type Descriptor struct {
	// Hash is the hash of the uncompressed chunk.
	Hash Hash

	// Size is the uncompressed length of the chunk.
	Size int

	// Offset is the position of the compressed bytes in the archive resource.
	Offset int64

	// CompressedSize is the length of the compressed bytes.
	CompressedSize int
}

// Verified is a decompressed chunk whose hash has been checked.
type Verified struct {
	Hash Hash
	Data []byte
}
