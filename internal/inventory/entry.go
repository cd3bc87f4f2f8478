// Package inventory describes the authoritative file set of a served
// directory: one FileEntry per file or directory, keyed by relative path.
package inventory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// DigestSize is the length in bytes of every checksum in a snapshot.
const DigestSize = sha256.Size

// Digest is a SHA-256 checksum. It marshals as lowercase hex.
type Digest [DigestSize]byte

// Sum returns the digest of data.
func Sum(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// ParseDigest decodes a hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decoding digest %q: %w", s, err)
	}
	if len(b) != DigestSize {
		return d, fmt.Errorf("digest %q has %d bytes, want %d", s, len(b), DigestSize)
	}
	copy(d[:], b)
	return d, nil
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// FileEntry is one tracked file or directory.
type FileEntry struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	Executable bool   `json:"executable"`
	Checksum   Digest `json:"checksum"`
	Dir        bool   `json:"dir"`
}

// Name is the last path segment.
func (e FileEntry) Name() string {
	if i := strings.LastIndexByte(e.Path, '/'); i >= 0 {
		return e.Path[i+1:]
	}
	return e.Path
}

// Parent is the path of the containing directory, "" for top-level entries.
func (e FileEntry) Parent() string {
	return ParentPath(e.Path)
}

// ParentPath returns everything before the last slash, or "".
func ParentPath(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

// ValidatePath checks that path is relative, slash separated, and free of
// empty, "." and ".." segments.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("path %q is absolute", path)
	}
	if strings.ContainsRune(path, '\\') || strings.ContainsRune(path, 0) {
		return fmt.Errorf("path %q contains an invalid character", path)
	}
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "":
			return fmt.Errorf("path %q has an empty segment", path)
		case ".", "..":
			return fmt.Errorf("path %q has a relative segment", path)
		}
	}
	return nil
}

// ComparePaths orders paths the way a name-sorted pre-order walk of the tree
// visits them: segment by segment, so "a/z" sorts before "a-b".
func ComparePaths(a, b string) int {
	for {
		as, arest, amore := strings.Cut(a, "/")
		bs, brest, bmore := strings.Cut(b, "/")
		if c := strings.Compare(as, bs); c != 0 {
			return c
		}
		switch {
		case !amore && !bmore:
			return 0
		case !amore:
			return -1
		case !bmore:
			return 1
		}
		a, b = arest, brest
	}
}

// Sort orders entries in tree pre-order.
func Sort(entries []FileEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return ComparePaths(entries[i].Path, entries[j].Path) < 0
	})
}
