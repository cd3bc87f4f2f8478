package client

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"patchd/internal/inventory"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"
)

// PartialSuffix marks a download in progress. A later Apply resumes from
// its current length.
const PartialSuffix = ".patchd-part"

// Chmoder is implemented by filesystems that can set permission bits. Apply
// only sets the executable bit on filesystems that implement it.
type Chmoder interface {
	Chmod(name string, mode os.FileMode) error
}

// Apply makes fs match the server for every change, in order. Files are
// downloaded next to their target, verified against the server checksum,
// then renamed into place.
func (c *Client) Apply(ctx context.Context, fs billy.Filesystem, changes []Change, logger *zap.Logger) error {
	for _, ch := range changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := "/" + ch.Entry.Path

		switch {
		case ch.Kind == Removed:
			if err := util.RemoveAll(fs, path); err != nil {
				return fmt.Errorf("removing %s: %w", ch.Entry.Path, err)
			}
			logger.Debug("removed", zap.String("path", ch.Entry.Path))

		case ch.Entry.Dir:
			if err := fs.MkdirAll(path, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", ch.Entry.Path, err)
			}

		default:
			if err := c.pullFile(ctx, fs, ch.Entry); err != nil {
				return err
			}
			logger.Debug("downloaded",
				zap.String("path", ch.Entry.Path),
				zap.Int64("size", ch.Entry.Size),
			)
		}
	}
	return nil
}

func (c *Client) pullFile(ctx context.Context, fs billy.Filesystem, entry inventory.FileEntry) error {
	target := "/" + entry.Path
	part := target + PartialSuffix

	var offset int64
	if info, err := fs.Stat(part); err == nil && info.Size() <= entry.Size {
		offset = info.Size()
	} else if err == nil {
		// Longer than the file we want; start over.
		if err := fs.Remove(part); err != nil {
			return err
		}
	}

	f, err := fs.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", part, err)
	}
	if _, err := c.Download(ctx, entry, offset, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	sum, err := hashFile(fs, part)
	if err != nil {
		return err
	}
	if sum != entry.Checksum {
		fs.Remove(part)
		return fmt.Errorf("%s: checksum mismatch, got %s want %s", entry.Path, sum, entry.Checksum)
	}

	if _, err := fs.Stat(target); err == nil {
		if err := util.RemoveAll(fs, target); err != nil {
			return err
		}
	}
	if err := fs.Rename(part, target); err != nil {
		return fmt.Errorf("renaming %s: %w", part, err)
	}

	if ch, ok := fs.(Chmoder); ok {
		if err := ch.Chmod(target, inventory.FileMode(entry)); err != nil {
			return fmt.Errorf("setting mode on %s: %w", entry.Path, err)
		}
	}
	return nil
}

func hashFile(fs billy.Filesystem, name string) (inventory.Digest, error) {
	var sum inventory.Digest
	f, err := fs.Open(name)
	if err != nil {
		return sum, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
