package inventory

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const bufferSize = 32 * 1024

// ScanOptions configures a Scanner.
type ScanOptions struct {
	Ignore  []string // segment names or path.Match patterns
	Workers int
}

// Scanner produces the inventory of a filesystem root.
type Scanner struct {
	fs      billy.Filesystem
	ignore  []string
	workers int
	logger  *zap.Logger
}

func NewScanner(fs billy.Filesystem, opts ScanOptions, logger *zap.Logger) *Scanner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		fs:      fs,
		ignore:  opts.Ignore,
		workers: opts.Workers,
		logger:  logger,
	}
}

// Scan walks the whole filesystem and returns its entries in tree pre-order,
// with file checksums filled in. Symlinks and other special files are skipped.
func (s *Scanner) Scan(ctx context.Context) ([]FileEntry, error) {
	var entries []FileEntry
	if err := s.walk(ctx, "", &entries); err != nil {
		return nil, err
	}

	p := pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(s.workers)
	for i := range entries {
		if entries[i].Dir {
			continue
		}
		e := &entries[i]
		p.Go(func(ctx context.Context) error {
			sum, err := s.hashFile(ctx, e.Path)
			if err != nil {
				return fmt.Errorf("hashing %s: %w", e.Path, err)
			}
			e.Checksum = sum
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	Sort(entries)
	s.logger.Debug("scan complete", zap.Int("entries", len(entries)))
	return entries, nil
}

func (s *Scanner) walk(ctx context.Context, dir string, out *[]FileEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	infos, err := s.fs.ReadDir(s.fsPath(dir))
	if err != nil {
		return fmt.Errorf("reading directory %q: %w", dir, err)
	}

	for _, info := range infos {
		rel := info.Name()
		if dir != "" {
			rel = dir + "/" + info.Name()
		}
		if s.ShouldIgnore(rel) {
			continue
		}

		mode := info.Mode()
		switch {
		case mode.IsDir():
			*out = append(*out, FileEntry{Path: rel, Dir: true})
			if err := s.walk(ctx, rel, out); err != nil {
				return err
			}
		case mode.IsRegular():
			*out = append(*out, FileEntry{
				Path:       rel,
				Size:       info.Size(),
				Executable: mode&0o111 != 0,
			})
		default:
			s.logger.Debug("skipping special file", zap.String("path", rel), zap.Stringer("mode", mode))
		}
	}
	return nil
}

func (s *Scanner) hashFile(ctx context.Context, rel string) (Digest, error) {
	var sum Digest

	f, err := s.fs.Open(s.fsPath(rel))
	if err != nil {
		return sum, err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, bufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return sum, err
		}
	}

	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// ShouldIgnore reports whether any segment of rel matches an ignore pattern.
func (s *Scanner) ShouldIgnore(rel string) bool {
	if rel == "" {
		return false
	}
	for seg := range splitSegments(rel) {
		for _, pattern := range s.ignore {
			if seg == pattern {
				return true
			}
			if ok, _ := path.Match(pattern, seg); ok {
				return true
			}
		}
	}
	return false
}

func (s *Scanner) fsPath(rel string) string {
	if rel == "" {
		return "/"
	}
	return "/" + rel
}

func splitSegments(p string) func(yield func(string) bool) {
	return func(yield func(string) bool) {
		start := 0
		for i := 0; i <= len(p); i++ {
			if i == len(p) || p[i] == '/' {
				if !yield(p[start:i]) {
					return
				}
				start = i + 1
			}
		}
	}
}

// FileMode reports the permission bits a downloaded entry should get.
func FileMode(e FileEntry) os.FileMode {
	switch {
	case e.Dir:
		return 0o755
	case e.Executable:
		return 0o755
	default:
		return 0o644
	}
}
