// Package updater is a remote-to-local delta synchronizer.
//
// A file on the remote side is published as an _archive_:
// a header describing how the file was cut into chunks,
// followed by the compressed bytes of each distinct chunk.
// Each chunk is identified by the hash of its uncompressed content,
// so identical bytes anywhere in the file,
// or in an older local copy of it,
// are recognized as the same chunk.
//
// To bring a local file up to date,
// the local bytes are cut into chunks with the same configuration the archive used,
// the resulting index is compared with the archive's,
// chunks that are already present locally are moved into their new positions in place,
// and only the rest are fetched over the network,
// decompressed,
// checked against their hash,
// and written.
//
// This package holds the types shared by the rest of the module:
// the Hash of a chunk,
// the HashFunc an archive was built with,
// the Descriptor of a chunk within an archive,
// and the error kinds every stage reports.
// The chunker, index, clone, and archive subpackages implement the individual stages,
// and dsync ties them together for a single file or a whole tree of files.
package updater
