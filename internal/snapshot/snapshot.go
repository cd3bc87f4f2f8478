// Package snapshot holds the immutable tree currently being served and
// replaces it atomically when a new scan completes.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"patchd/internal/catalog"
	"patchd/internal/inventory"
	"patchd/internal/tree"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Snapshot pairs a built tree with where it came from. It is never mutated
// after publication.
type Snapshot struct {
	ID        string
	Tree      *tree.Tree
	Source    string
	CreatedAt time.Time
}

// Record summarizes s for the catalog.
func (s *Snapshot) Record() catalog.Record {
	return catalog.Record{
		ID:        s.ID,
		Root:      s.Tree.Root(),
		Entries:   s.Tree.Len(),
		Nodes:     s.Tree.NodeCount(),
		Source:    s.Source,
		CreatedAt: s.CreatedAt,
	}
}

// Holder is the single swap point readers load from. A reader that loads
// once sees one snapshot for the whole request.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

// Current returns the published snapshot, or nil before the first publish.
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

// Swap publishes s and returns the snapshot it replaced.
func (h *Holder) Swap(s *Snapshot) *Snapshot {
	return h.current.Swap(s)
}

// Scanner produces a fresh inventory.
type Scanner interface {
	Scan(ctx context.Context) ([]inventory.FileEntry, error)
}

// Recorder persists published snapshot summaries.
type Recorder interface {
	Put(rec catalog.Record) error
}

// Publisher scans, builds and swaps in new snapshots. Concurrent Publish
// calls are serialized.
type Publisher struct {
	mu       sync.Mutex
	holder   *Holder
	scanner  Scanner
	recorder Recorder
	source   string
	logger   *zap.Logger
	now      func() time.Time
	onSwap   []func(prev, next *Snapshot)
}

// NewPublisher wires a publisher. recorder may be nil.
func NewPublisher(holder *Holder, scanner Scanner, recorder Recorder, source string, logger *zap.Logger) *Publisher {
	return &Publisher{
		holder:   holder,
		scanner:  scanner,
		recorder: recorder,
		source:   source,
		logger:   logger,
		now:      time.Now,
	}
}

// OnSwap registers fn to run after each new snapshot is installed, while the
// publish lock is still held. prev is nil on the first publish.
func (p *Publisher) OnSwap(fn func(prev, next *Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSwap = append(p.onSwap, fn)
}

// Publish builds a snapshot from a fresh scan and makes it current. If the
// scan or build fails the previous snapshot keeps serving and the error is
// returned.
func (p *Publisher) Publish(ctx context.Context) (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.now()
	entries, err := p.scanner.Scan(ctx)
	if err != nil {
		p.logger.Error("Scan failed, keeping current snapshot", zap.Error(err))
		return nil, fmt.Errorf("scanning %s: %w", p.source, err)
	}

	return p.install(entries, start)
}

// PublishEntries builds a snapshot from a caller-supplied inventory.
func (p *Publisher) PublishEntries(entries []inventory.FileEntry) (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.install(entries, p.now())
}

func (p *Publisher) install(entries []inventory.FileEntry, start time.Time) (*Snapshot, error) {
	t, err := tree.Build(entries)
	if err != nil {
		p.logger.Error("Tree build failed, keeping current snapshot", zap.Error(err))
		return nil, err
	}

	snap := &Snapshot{
		ID:        uuid.New().String(),
		Tree:      t,
		Source:    p.source,
		CreatedAt: p.now().UTC(),
	}

	prev := p.holder.Swap(snap)
	for _, fn := range p.onSwap {
		fn(prev, snap)
	}
	fields := []zap.Field{
		zap.String("id", snap.ID),
		zap.Stringer("root", t.Root()),
		zap.Int("entries", t.Len()),
		zap.Int("nodes", t.NodeCount()),
		zap.Duration("took", p.now().Sub(start)),
	}
	if prev != nil {
		fields = append(fields, zap.Bool("changed", prev.Tree.Root() != t.Root()))
	}
	p.logger.Info("Snapshot published", fields...)

	if p.recorder != nil {
		if err := p.recorder.Put(snap.Record()); err != nil {
			// The snapshot is already serving; history is best effort.
			p.logger.Warn("Failed to record snapshot", zap.String("id", snap.ID), zap.Error(err))
		}
	}
	return snap, nil
}
