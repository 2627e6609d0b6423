package archive

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/chunker"
	"github.com/rednimgames/rose-updater/codec"
)

// Layout of an archive:
//
//	magic     4 bytes  "RUA\x00"
//	version   1 byte
//	reserved  3 bytes
//	hdrlen    4 bytes  little-endian length of the header message
//	header    hdrlen bytes, protobuf wire format
//	checksum  32 bytes, sha256 of the header bytes
//	data      compressed chunks, each distinct chunk stored once
//
// Chunk offsets in the header are relative to the start of the data section.
const (
	// Version is the archive format version this package reads and writes.
	Version = 1

	preambleSize  = 12
	checksumSize  = sha256.Size
	maxHeaderSize = 64 << 20
)

var magic = []byte("RUA\x00")

// Header field numbers.
const (
	fieldVersion      protowire.Number = 1
	fieldChunker      protowire.Number = 2
	fieldCodec        protowire.Number = 3
	fieldHashKind     protowire.Number = 4
	fieldHashSize     protowire.Number = 5
	fieldSourceLength protowire.Number = 6
	fieldSourceHash   protowire.Number = 7
	fieldChunk        protowire.Number = 8

	fieldChunkerKind   protowire.Number = 1
	fieldChunkerFixed  protowire.Number = 2
	fieldChunkerMin    protowire.Number = 3
	fieldChunkerMax    protowire.Number = 4
	fieldChunkerBits   protowire.Number = 5
	fieldChunkerWindow protowire.Number = 6

	fieldDescHash           protowire.Number = 1
	fieldDescSize           protowire.Number = 2
	fieldDescOffset         protowire.Number = 3
	fieldDescCompressedSize protowire.Number = 4
)

// Header describes an archive.
type Header struct {
	Version int
	Chunker chunker.Config
	Codec   string
	Hash    updater.HashFunc

	// SourceLength and SourceHash describe the whole uncompressed file.
	SourceLength int64
	SourceHash   updater.Hash

	// Chunks lists the chunks of the source file in order.
	// Repeated chunks share their compressed bytes.
	// Offsets are absolute positions in the archive.
	Chunks []updater.Descriptor

	// DataOffset is where the data section begins.
	DataOffset int64
}

// Stored tells whether d's bytes are kept uncompressed.
// Chunks that do not shrink under the codec are stored as they are.
func Stored(d updater.Descriptor) bool {
	return d.CompressedSize == d.Size
}

// marshalHeader encodes h with chunk offsets made relative to the data section.
func marshalHeader(h *Header) []byte {
	var ch []byte
	ch = protowire.AppendTag(ch, fieldChunkerKind, protowire.BytesType)
	ch = protowire.AppendString(ch, string(h.Chunker.Kind))
	ch = appendVarint(ch, fieldChunkerFixed, uint64(h.Chunker.FixedSize))
	ch = appendVarint(ch, fieldChunkerMin, uint64(h.Chunker.MinSize))
	ch = appendVarint(ch, fieldChunkerMax, uint64(h.Chunker.MaxSize))
	ch = appendVarint(ch, fieldChunkerBits, uint64(h.Chunker.SplitBits))
	ch = appendVarint(ch, fieldChunkerWindow, uint64(h.Chunker.WindowSize))

	var b []byte
	b = appendVarint(b, fieldVersion, uint64(h.Version))
	b = protowire.AppendTag(b, fieldChunker, protowire.BytesType)
	b = protowire.AppendBytes(b, ch)
	b = protowire.AppendTag(b, fieldCodec, protowire.BytesType)
	b = protowire.AppendString(b, h.Codec)
	b = protowire.AppendTag(b, fieldHashKind, protowire.BytesType)
	b = protowire.AppendString(b, string(h.Hash.Kind))
	b = appendVarint(b, fieldHashSize, uint64(h.Hash.Size))
	b = appendVarint(b, fieldSourceLength, uint64(h.SourceLength))
	b = protowire.AppendTag(b, fieldSourceHash, protowire.BytesType)
	b = protowire.AppendBytes(b, h.Hash.Bytes(h.SourceHash))

	for _, d := range h.Chunks {
		var db []byte
		db = protowire.AppendTag(db, fieldDescHash, protowire.BytesType)
		db = protowire.AppendBytes(db, h.Hash.Bytes(d.Hash))
		db = appendVarint(db, fieldDescSize, uint64(d.Size))
		db = appendVarint(db, fieldDescOffset, uint64(d.Offset-h.DataOffset))
		db = appendVarint(db, fieldDescCompressedSize, uint64(d.CompressedSize))

		b = protowire.AppendTag(b, fieldChunk, protowire.BytesType)
		b = protowire.AppendBytes(b, db)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// fields calls f for each field of a protobuf message.
// For varint fields, v holds the value; for bytes fields, buf holds the contents.
// Fields of other types are skipped.
func fields(b []byte, f func(num protowire.Number, v uint64, buf []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := f(num, v, nil); err != nil {
				return err
			}

		case protowire.BytesType:
			buf, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := f(num, 0, buf); err != nil {
				return err
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func unmarshalHeader(b []byte, dataOffset int64) (*Header, error) {
	h := &Header{DataOffset: dataOffset}
	var sourceHash []byte

	err := fields(b, func(num protowire.Number, v uint64, buf []byte) error {
		switch num {
		case fieldVersion:
			h.Version = int(v)
		case fieldChunker:
			return fields(buf, func(num protowire.Number, v uint64, buf []byte) error {
				switch num {
				case fieldChunkerKind:
					h.Chunker.Kind = chunker.Kind(buf)
				case fieldChunkerFixed:
					h.Chunker.FixedSize = int(v)
				case fieldChunkerMin:
					h.Chunker.MinSize = int(v)
				case fieldChunkerMax:
					h.Chunker.MaxSize = int(v)
				case fieldChunkerBits:
					h.Chunker.SplitBits = uint(v)
				case fieldChunkerWindow:
					h.Chunker.WindowSize = int(v)
				}
				return nil
			})
		case fieldCodec:
			h.Codec = string(buf)
		case fieldHashKind:
			h.Hash.Kind = updater.HashKind(buf)
		case fieldHashSize:
			h.Hash.Size = int(v)
		case fieldSourceLength:
			h.SourceLength = int64(v)
		case fieldSourceHash:
			sourceHash = append([]byte(nil), buf...)
		case fieldChunk:
			var d updater.Descriptor
			err := fields(buf, func(num protowire.Number, v uint64, buf []byte) error {
				switch num {
				case fieldDescHash:
					if len(buf) > updater.MaxHashSize {
						return errors.Errorf("chunk hash of %d bytes", len(buf))
					}
					d.Hash = updater.HashFromBytes(buf)
				case fieldDescSize:
					d.Size = int(v)
				case fieldDescOffset:
					d.Offset = dataOffset + int64(v)
				case fieldDescCompressedSize:
					d.CompressedSize = int(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			h.Chunks = append(h.Chunks, d)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "parsing header")
	}
	h.SourceHash = updater.HashFromBytes(sourceHash)

	if err = h.validate(len(sourceHash)); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Header) validate(sourceHashLen int) error {
	if h.Version != Version {
		return errors.Errorf("unsupported header version %d", h.Version)
	}
	if err := h.Chunker.Validate(); err != nil {
		return errors.Wrap(err, "validating chunker config")
	}
	if _, err := codec.New(h.Codec, 0); err != nil {
		return err
	}
	if err := h.Hash.Validate(); err != nil {
		return err
	}
	if sourceHashLen != h.Hash.Size {
		return errors.Errorf("source hash has %d bytes, want %d", sourceHashLen, h.Hash.Size)
	}

	var total int64
	for i, d := range h.Chunks {
		if d.Size <= 0 || d.CompressedSize <= 0 {
			return errors.Errorf("chunk %d has size %d, compressed size %d", i, d.Size, d.CompressedSize)
		}
		if d.Offset < h.DataOffset {
			return errors.Errorf("chunk %d starts at %d, before the data section at %d", i, d.Offset, h.DataOffset)
		}
		total += int64(d.Size)
	}
	if total != h.SourceLength {
		return errors.Errorf("chunk sizes total %d, want source length %d", total, h.SourceLength)
	}
	return nil
}

// encodePreamble produces the fixed-size start of an archive.
func encodePreamble(hdrlen int) []byte {
	b := make([]byte, preambleSize)
	copy(b, magic)
	b[4] = Version
	binary.LittleEndian.PutUint32(b[8:], uint32(hdrlen))
	return b
}

// decodePreamble returns the header length from the start of an archive.
func decodePreamble(b []byte) (int, error) {
	if len(b) < preambleSize {
		return 0, errors.New("short preamble")
	}
	if !bytes.Equal(b[:4], magic) {
		return 0, errors.Errorf("bad magic %q", b[:4])
	}
	if b[4] != Version {
		return 0, errors.Errorf("unsupported archive version %d", b[4])
	}
	n := binary.LittleEndian.Uint32(b[8:])
	if n > maxHeaderSize {
		return 0, errors.Errorf("header length %d exceeds limit", n)
	}
	return int(n), nil
}

// encodeHeader produces an archive's preamble, header, and checksum.
// It expects h's chunk offsets to be relative to the data section.
// On return they are absolute and h.DataOffset is set.
func encodeHeader(h *Header) []byte {
	h.DataOffset = 0
	body := marshalHeader(h)
	// Offsets were written relative to zero; the data section follows the checksum.
	dataOffset := int64(preambleSize + len(body) + checksumSize)
	for i := range h.Chunks {
		h.Chunks[i].Offset += dataOffset
	}
	h.DataOffset = dataOffset

	sum := sha256.Sum256(body)
	out := encodePreamble(len(body))
	out = append(out, body...)
	return append(out, sum[:]...)
}
