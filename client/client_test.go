package client

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"patchd/internal/config"
	"patchd/internal/errors"
	"patchd/internal/inventory"
	"patchd/internal/logging"
	"patchd/internal/server"
	"patchd/internal/tree"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startServer(t *testing.T, files map[string]string) (*server.Server, *Client, string) {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Tree.Root = root
	cfg.Database.InMemory = true
	cfg.Watch.Enabled = false
	cfg.Fetch.MaxChunkSize = 8

	srv, err := server.New(cfg, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	_, err = srv.Publish(context.Background())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := New(ts.URL)
	require.NoError(t, err)
	return srv, c, root
}

func localTree(t *testing.T, fs billy.Filesystem) *tree.Tree {
	t.Helper()
	s := inventory.NewScanner(fs, inventory.ScanOptions{Ignore: []string{"*" + PartialSuffix}}, nil)
	entries, err := s.Scan(context.Background())
	require.NoError(t, err)
	tr, err := tree.Build(entries)
	require.NoError(t, err)
	return tr
}

func memFiles(t *testing.T, files map[string]string) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	for name, content := range files {
		require.NoError(t, util.WriteFile(fs, "/"+name, []byte(content), 0o644))
	}
	return fs
}

var serverFiles = map[string]string{
	"a/x.txt":        "the x file, long enough for several chunks",
	"a/y.txt":        "new y",
	"b/z.txt":        "z",
	"c/new/deep.txt": "deep",
	"t":              "now a file",
	"empty.txt":      "",
}

var localFiles = map[string]string{
	"a/x.txt":   "the x file, long enough for several chunks",
	"a/y.txt":   "old y",
	"b/z.txt":   "z",
	"old.txt":   "stale",
	"t/inner":   "was a directory",
	"empty.txt": "",
}

func TestClient_Queries(t *testing.T) {
	_, c, _ := startServer(t, serverFiles)
	ctx := context.Background()

	root, err := c.Checksum0(ctx)
	require.NoError(t, err)

	rec, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, rec.Root)

	level1, err := c.Checksum1Seq(ctx)
	require.NoError(t, err)
	kids, err := c.Children(ctx, tree.RootNode)
	require.NoError(t, err)
	require.Len(t, level1, len(kids.Children))
	for i, k := range kids.Children {
		assert.Equal(t, k.Entry.Checksum, level1[i])
	}

	sums, err := c.Checksum2Seq(ctx, kids.Children[0].Node)
	require.NoError(t, err)
	assert.Len(t, sums, 2)

	_, err = c.Checksum2Seq(ctx, 1000)
	assert.ErrorIs(t, err, errors.ErrNodeNotFound)

	all, err := c.ListFiles(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, all, rec.Entries)

	e, err := c.Stat(ctx, "a/y.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), e.Size)
}

func TestClient_Diff(t *testing.T) {
	_, c, _ := startServer(t, serverFiles)
	local := localTree(t, memFiles(t, localFiles))

	changes, err := c.Diff(context.Background(), local)
	require.NoError(t, err)

	type change struct {
		kind ChangeKind
		path string
	}
	var got []change
	for _, ch := range changes {
		got = append(got, change{ch.Kind, ch.Entry.Path})
	}
	assert.Equal(t, []change{
		{Modified, "a/y.txt"},
		{Added, "c"},
		{Added, "c/new"},
		{Added, "c/new/deep.txt"},
		{Removed, "old.txt"},
		{Removed, "t"},
		{Added, "t"},
	}, got)
}

func TestClient_DiffUpToDate(t *testing.T) {
	_, c, _ := startServer(t, serverFiles)
	local := localTree(t, memFiles(t, serverFiles))

	changes, err := c.Diff(context.Background(), local)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestClient_Apply(t *testing.T) {
	_, c, _ := startServer(t, serverFiles)
	c.WithChunkSize(5)
	fs := memFiles(t, localFiles)
	ctx := context.Background()

	changes, err := c.Diff(ctx, localTree(t, fs))
	require.NoError(t, err)
	require.NoError(t, c.Apply(ctx, fs, changes, zap.NewNop()))

	remote, err := c.Checksum0(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote, localTree(t, fs).Root())

	data, err := util.ReadFile(fs, "/c/new/deep.txt")
	require.NoError(t, err)
	assert.Equal(t, "deep", string(data))

	_, err = fs.Stat("/old.txt")
	assert.True(t, os.IsNotExist(err))
}

func TestClient_DownloadResumes(t *testing.T) {
	_, c, _ := startServer(t, serverFiles)
	ctx := context.Background()
	content := serverFiles["a/x.txt"]

	entry, err := c.Stat(ctx, "a/x.txt")
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := c.Download(ctx, *entry, 10, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)-10), n)
	assert.Equal(t, content[10:], buf.String())

	// A partial file on disk is continued, not restarted.
	fs := memFiles(t, map[string]string{
		"a/x.txt" + PartialSuffix: content[:7],
	})
	changes := []Change{{Kind: Added, Entry: *entry}}
	require.NoError(t, c.Apply(ctx, fs, changes, zap.NewNop()))

	data, err := util.ReadFile(fs, "/a/x.txt")
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
	_, err = fs.Stat("/a/x.txt" + PartialSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestClient_ApplyRejectsCorruptPartial(t *testing.T) {
	_, c, _ := startServer(t, serverFiles)
	ctx := context.Background()

	entry, err := c.Stat(ctx, "a/x.txt")
	require.NoError(t, err)

	fs := memFiles(t, map[string]string{
		"a/x.txt" + PartialSuffix: "garbage",
	})
	err = c.Apply(ctx, fs, []Change{{Kind: Added, Entry: *entry}}, zap.NewNop())
	assert.ErrorContains(t, err, "checksum mismatch")

	_, err = fs.Stat("/a/x.txt" + PartialSuffix)
	assert.True(t, os.IsNotExist(err), "corrupt partial is discarded")
}

func TestClient_FileCompressedErrors(t *testing.T) {
	_, c, _ := startServer(t, serverFiles)
	ctx := context.Background()

	_, err := c.FileCompressed(ctx, "missing", 0, 1)
	assert.ErrorIs(t, err, errors.ErrFileNotFound)

	_, err = c.FileCompressed(ctx, "b/z.txt", 1, 1)
	assert.ErrorIs(t, err, errors.ErrInvalidRange)
}

func TestClient_Republish(t *testing.T) {
	_, c, root := startServer(t, serverFiles)
	ctx := context.Background()

	before, err := c.Checksum0(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "b", "z.txt"), []byte("zz"), 0o644))
	rec, err := c.Republish(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before, rec.Root)

	records, err := c.Snapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestClient_DiffExecutableOnly(t *testing.T) {
	files := map[string]string{"bin/run.sh": "#!/bin/sh\necho hi\n", "README": "r"}
	srv, c, root := startServer(t, files)
	local := localTree(t, memFiles(t, files))

	require.NoError(t, os.Chmod(filepath.Join(root, "bin", "run.sh"), 0o755))
	_, err := srv.Publish(context.Background())
	require.NoError(t, err)

	changes, err := c.Diff(context.Background(), local)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, Modified, changes[0].Kind)
	assert.Equal(t, "bin/run.sh", changes[0].Entry.Path)
	assert.True(t, changes[0].Entry.Executable)
}

func TestClient_DiffRestartsOnSnapshotSwap(t *testing.T) {
	srv, _, root := startServer(t, serverFiles)
	local := localTree(t, memFiles(t, localFiles))

	var checksum0Calls, childCalls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/checksum0":
			checksum0Calls.Add(1)
		case strings.HasPrefix(r.URL.Path, "/api/v1/nodes/"):
			// Republish with a changed tree right before the first listing.
			if childCalls.Add(1) == 1 {
				assert.NoError(t, os.WriteFile(filepath.Join(root, "b", "z.txt"), []byte("z2"), 0o644))
				_, err := srv.Publish(r.Context())
				assert.NoError(t, err)
			}
		}
		srv.Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	c, err := New(ts.URL)
	require.NoError(t, err)

	changes, err := c.Diff(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, int32(2), checksum0Calls.Load())

	var paths []string
	for _, ch := range changes {
		if ch.Kind == Modified {
			paths = append(paths, ch.Entry.Path)
		}
	}
	assert.Equal(t, []string{"a/y.txt", "b/z.txt"}, paths)
}
