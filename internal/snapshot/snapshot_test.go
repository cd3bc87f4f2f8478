package snapshot

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"patchd/internal/catalog"
	"patchd/internal/errors"
	"patchd/internal/inventory"
	"patchd/internal/tree"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubScanner struct {
	entries []inventory.FileEntry
	err     error
}

func (s *stubScanner) Scan(ctx context.Context) ([]inventory.FileEntry, error) {
	return s.entries, s.err
}

type memRecorder struct {
	mu      sync.Mutex
	records []catalog.Record
}

func (m *memRecorder) Put(rec catalog.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func entries(content string) []inventory.FileEntry {
	return []inventory.FileEntry{
		{Path: "d", Dir: true},
		{Path: "d/f", Size: int64(len(content)), Checksum: inventory.Sum([]byte(content))},
	}
}

func TestPublisher_Publish(t *testing.T) {
	holder := &Holder{}
	scanner := &stubScanner{entries: entries("one")}
	rec := &memRecorder{}
	p := NewPublisher(holder, scanner, rec, "/srv", zap.NewNop())

	assert.Nil(t, holder.Current())

	snap, err := p.Publish(context.Background())
	require.NoError(t, err)
	assert.Same(t, snap, holder.Current())
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "/srv", snap.Source)

	require.Len(t, rec.records, 1)
	assert.Equal(t, snap.ID, rec.records[0].ID)
	assert.Equal(t, snap.Tree.Root(), rec.records[0].Root)
	assert.Equal(t, 2, rec.records[0].Entries)
}

func TestPublisher_FailedBuildKeepsCurrent(t *testing.T) {
	holder := &Holder{}
	scanner := &stubScanner{entries: entries("one")}
	p := NewPublisher(holder, scanner, nil, "/srv", zap.NewNop())

	good, err := p.Publish(context.Background())
	require.NoError(t, err)

	scanner.entries = []inventory.FileEntry{{Path: "orphan/f", Size: 1}}
	_, err = p.Publish(context.Background())
	assert.ErrorIs(t, err, errors.ErrInconsistentTree)
	assert.Same(t, good, holder.Current())

	scanner.entries = nil
	scanner.err = fmt.Errorf("disk on fire")
	_, err = p.Publish(context.Background())
	assert.Error(t, err)
	assert.Same(t, good, holder.Current())
}

func TestPublisher_PublishEntries(t *testing.T) {
	holder := &Holder{}
	p := NewPublisher(holder, &stubScanner{}, nil, "/srv", zap.NewNop())

	snap, err := p.PublishEntries(entries("two"))
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Tree.Len())
	assert.Same(t, snap, holder.Current())
}

// Readers that load once see one whole tree even while writers swap.
func TestHolder_ConcurrentSwap(t *testing.T) {
	treeA, err := tree.Build(entries("a"))
	require.NoError(t, err)
	treeB, err := tree.Build([]inventory.FileEntry{
		{Path: "d", Dir: true},
		{Path: "d/f", Size: 1, Checksum: inventory.Sum([]byte("b"))},
		{Path: "d/g", Size: 1, Checksum: inventory.Sum([]byte("g"))},
	})
	require.NoError(t, err)

	node, ok := treeA.NodeIndex("d")
	require.True(t, ok)
	wantA, err := treeA.ChildChecksums(node)
	require.NoError(t, err)
	wantB, err := treeB.ChildChecksums(node)
	require.NoError(t, err)

	holder := &Holder{}
	holder.Swap(&Snapshot{ID: "a", Tree: treeA})

	ctx, cancel := context.WithCancel(context.Background())
	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		snaps := []*Snapshot{{ID: "a", Tree: treeA}, {ID: "b", Tree: treeB}}
		for i := 0; ctx.Err() == nil; i++ {
			holder.Swap(snaps[i%2])
		}
	}()

	var readers sync.WaitGroup
	for r := 0; r < 8; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 2000; i++ {
				snap := holder.Current()
				got, err := snap.Tree.ChildChecksums(node)
				if !assert.NoError(t, err) {
					return
				}
				switch snap.ID {
				case "a":
					assert.Equal(t, wantA, got)
				case "b":
					assert.Equal(t, wantB, got)
				}
			}
		}()
	}

	readers.Wait()
	cancel()
	writers.Wait()
}

func TestPublisher_OnSwap(t *testing.T) {
	holder := &Holder{}
	scanner := &stubScanner{entries: entries("one")}
	p := NewPublisher(holder, scanner, nil, "/srv", zap.NewNop())

	var seen [][2]*Snapshot
	p.OnSwap(func(prev, next *Snapshot) {
		seen = append(seen, [2]*Snapshot{prev, next})
	})

	first, err := p.Publish(context.Background())
	require.NoError(t, err)
	second, err := p.Publish(context.Background())
	require.NoError(t, err)

	scanner.entries = []inventory.FileEntry{{Path: "x/y"}}
	_, err = p.Publish(context.Background())
	require.Error(t, err)

	require.Len(t, seen, 2)
	assert.Nil(t, seen[0][0])
	assert.Same(t, first, seen[0][1])
	assert.Same(t, first, seen[1][0])
	assert.Same(t, second, seen[1][1])
}
