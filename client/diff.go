package client

import (
	"context"
	stderrors "errors"
	"fmt"

	"patchd/internal/errors"
	"patchd/internal/inventory"
	"patchd/internal/tree"
)

// ChangeKind says what a client must do to match the server.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Removed  ChangeKind = "removed"
)

// Change is one difference between the local tree and the server snapshot.
// Entry is the server's entry, or the local one for Removed.
type Change struct {
	Kind  ChangeKind          `json:"kind"`
	Entry inventory.FileEntry `json:"entry"`
}

// maxDiffAttempts bounds how often Diff restarts when the server publishes a
// new snapshot in the middle of a descent.
const maxDiffAttempts = 3

// errSnapshotChanged means a directory listing no longer matches the
// checksum its parent reported.
var errSnapshotChanged = stderrors.New("server snapshot changed during diff")

// Diff compares local against the server's current snapshot by descending
// only into directories whose aggregate checksums differ. Changes are
// returned in pre-order. A removed directory is reported once, without its
// contents; an added directory is followed by everything below it.
//
// Every listing is checked against the checksum its parent reported, so
// node indices from one snapshot are never used against another. When the
// server swaps snapshots mid-descent the diff starts over from the root.
func (c *Client) Diff(ctx context.Context, local *tree.Tree) ([]Change, error) {
	for attempt := 1; ; attempt++ {
		changes, err := c.diff(ctx, local)
		if !stderrors.Is(err, errSnapshotChanged) {
			return changes, err
		}
		if attempt == maxDiffAttempts {
			return nil, errors.Unavailable(fmt.Sprintf("%v after %d attempts", err, attempt))
		}
	}
}

func (c *Client) diff(ctx context.Context, local *tree.Tree) ([]Change, error) {
	root, err := c.Checksum0(ctx)
	if err != nil {
		return nil, err
	}
	if root == local.Root() {
		return nil, nil
	}

	d := &differ{client: c, local: local}
	if err := d.compare(ctx, tree.RootNode, root, tree.RootNode); err != nil {
		return nil, err
	}
	return d.changes, nil
}

type differ struct {
	client  *Client
	local   *tree.Tree
	changes []Change
}

// list fetches the children of node and checks they belong to the directory
// whose aggregate is want.
func (d *differ) list(ctx context.Context, node int, want inventory.Digest) ([]tree.Child, error) {
	remote, err := d.client.Children(ctx, node)
	if err != nil {
		return nil, err
	}
	if remote.Checksum != want.String() {
		return nil, errSnapshotChanged
	}
	return remote.Children, nil
}

func (d *differ) compare(ctx context.Context, remoteNode int, remoteSum inventory.Digest, localNode int) error {
	remote, err := d.list(ctx, remoteNode, remoteSum)
	if err != nil {
		return err
	}
	local, err := d.local.Children(localNode)
	if err != nil {
		return err
	}

	i, j := 0, 0
	for i < len(remote) || j < len(local) {
		switch {
		case j >= len(local) || (i < len(remote) && remote[i].Name < local[j].Name):
			if err := d.added(ctx, remote[i]); err != nil {
				return err
			}
			i++
		case i >= len(remote) || local[j].Name < remote[i].Name:
			d.changes = append(d.changes, Change{Kind: Removed, Entry: local[j].Entry})
			j++
		default:
			if err := d.both(ctx, remote[i], local[j]); err != nil {
				return err
			}
			i++
			j++
		}
	}
	return nil
}

func (d *differ) both(ctx context.Context, r, l tree.Child) error {
	if r.Entry.Dir != l.Entry.Dir {
		d.changes = append(d.changes, Change{Kind: Removed, Entry: l.Entry})
		return d.added(ctx, r)
	}
	if r.Entry.Checksum == l.Entry.Checksum && r.Entry.Executable == l.Entry.Executable {
		return nil
	}
	if r.Entry.Dir {
		return d.compare(ctx, r.Node, r.Entry.Checksum, l.Node)
	}
	d.changes = append(d.changes, Change{Kind: Modified, Entry: r.Entry})
	return nil
}

func (d *differ) added(ctx context.Context, r tree.Child) error {
	d.changes = append(d.changes, Change{Kind: Added, Entry: r.Entry})
	if !r.Entry.Dir {
		return nil
	}
	kids, err := d.list(ctx, r.Node, r.Entry.Checksum)
	if err != nil {
		return err
	}
	for _, k := range kids {
		if err := d.added(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
