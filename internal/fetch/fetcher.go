// Package fetch serves compressed byte ranges of snapshot files.
package fetch

import (
	"fmt"

	"patchd/internal/compress"
	"patchd/internal/errors"
	"patchd/internal/inventory"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Options configures a Fetcher.
type Options struct {
	MaxChunkSize int // upper bound on source bytes per call
	CacheSize    int // number of compressed chunks kept in memory
}

type chunkKey struct {
	snapshot string
	path     string
	checksum inventory.Digest
	offset   int64
	length   int
}

// Fetcher compresses requested ranges and keeps recently served chunks in an
// LRU. A chunk is only reused for the same path of the same snapshot, since
// the bytes come from disk and may no longer match the recorded checksum.
type Fetcher struct {
	compressor *compress.Manager
	cache      *lru.Cache[chunkKey, []byte]
	maxChunk   int
}

func NewFetcher(compressor *compress.Manager, opts Options) (*Fetcher, error) {
	if opts.MaxChunkSize <= 0 {
		return nil, fmt.Errorf("max chunk size must be positive")
	}

	// Set up LRU cache
	cache, err := lru.New[chunkKey, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	return &Fetcher{
		compressor: compressor,
		cache:      cache,
		maxChunk:   opts.MaxChunkSize,
	}, nil
}

// MaxChunkSize is the largest number of source bytes a single Fetch covers.
func (f *Fetcher) MaxChunkSize() int {
	return f.maxChunk
}

// Fetch returns the zstd frame of entry's bytes in
// [offset, offset+min(length, MaxChunkSize, size-offset)). snapshot names the
// snapshot entry was taken from.
func (f *Fetcher) Fetch(src Source, snapshot string, entry inventory.FileEntry, offset int64, length int) ([]byte, error) {
	if entry.Dir {
		return nil, errors.FileNotFound(entry.Path)
	}
	if offset < 0 || length < 0 || offset >= entry.Size {
		return nil, errors.InvalidRange(entry.Path, offset, entry.Size)
	}

	if length > f.maxChunk {
		length = f.maxChunk
	}
	if remaining := entry.Size - offset; int64(length) > remaining {
		length = int(remaining)
	}

	key := chunkKey{
		snapshot: snapshot,
		path:     entry.Path,
		checksum: entry.Checksum,
		offset:   offset,
		length:   length,
	}
	if chunk, ok := f.cache.Get(key); ok {
		return chunk, nil
	}

	data, err := src.ReadRange(entry.Path, offset, length)
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}

	chunk := f.compressor.Compress(data)
	// A short read means the file changed on disk after the scan; serve it
	// but keep it out of the cache.
	if len(data) == length {
		f.cache.Add(key, chunk)
	}
	return chunk, nil
}

// Purge drops all cached chunks. Called whenever a new snapshot is installed.
func (f *Fetcher) Purge() {
	f.cache.Purge()
}
