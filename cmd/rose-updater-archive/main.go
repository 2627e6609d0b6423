// Command rose-updater-archive publishes a directory tree for rose-updater.
//
// Every regular file under the input directory is archived to
// OUTPUT/PREFIX/REL.EXT, and OUTPUT/manifest.json lists them.
// Serve OUTPUT over HTTP (or copy it to a bucket) and point rose-updater at it.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/archive"
	"github.com/rednimgames/rose-updater/chunker"
)

func main() {
	var (
		input      = flag.String("input", ".", "directory to publish")
		output     = flag.String("output", "out", "directory to write archives and manifest to")
		prefix     = flag.String("prefix", "data", "subdirectory of output holding the archives")
		ext        = flag.String("ext", "cba", "archive file extension")
		updaterBin = flag.String("updater", "rose-updater.exe", "path of the updater binary, relative to input (empty for none)")
		chunkKind  = flag.String("chunker", string(chunker.Fixed), "chunking algorithm: fixed, rollsum, or buzhash")
		chunkSize  = flag.Int("chunk-size", chunker.DefaultChunkSize, "fixed chunk size, or average size for the rolling kinds")
		codecName  = flag.String("codec", archive.DefaultCreateOptions.Codec, "compression codec")
		level      = flag.Int("level", archive.DefaultCreateOptions.Level, "compression level")
		hashKind   = flag.String("hash", string(updater.SHA256), "hash algorithm: sha256, blake3, or blake2b")
		hashSize   = flag.Int("hash-size", updater.MaxHashSize, "digest bytes kept per hash")
		workers    = flag.Int("workers", runtime.NumCPU(), "files archived concurrently")
	)
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg := publishConfig{
		Input:   *input,
		Output:  *output,
		Prefix:  *prefix,
		Ext:     *ext,
		Updater: *updaterBin,
		Workers: *workers,
		Create: archive.CreateOptions{
			Chunker: chunkerConfig(chunker.Kind(*chunkKind), *chunkSize),
			Codec:   *codecName,
			Level:   *level,
			Hash:    updater.HashFunc{Kind: updater.HashKind(*hashKind), Size: *hashSize},
		},
	}

	m, err := publish(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("published %d files", len(m.Files))
}

// chunkerConfig turns a kind and an average size into a chunker configuration.
func chunkerConfig(kind chunker.Kind, size int) chunker.Config {
	if kind == chunker.Fixed {
		return chunker.Config{Kind: kind, FixedSize: size}
	}
	var bits uint
	for (1 << (bits + 1)) <= size {
		bits++
	}
	return chunker.Config{
		Kind:       kind,
		MinSize:    size / 4,
		MaxSize:    size * 4,
		SplitBits:  bits,
		WindowSize: 64,
	}
}
