package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
)

// Journal defaults.
const (
	DefaultQueueSize     = 1024
	DefaultPruneInterval = time.Hour

	// drainTimeout bounds the final flush after Run's context is cancelled.
	drainTimeout = 5 * time.Second
)

// Logger is the logging surface the journal needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// JournalOptions configures a Journal.
type JournalOptions struct {
	Repository Repository

	// QueueSize bounds entries waiting to be written.
	QueueSize int

	// Retention is how long entries are kept; zero disables pruning.
	Retention time.Duration

	// PruneInterval is how often old entries are deleted. Default: 1h.
	PruneInterval time.Duration

	// Compactor, when set, reclaims space after a prune removed entries.
	Compactor Compactor

	Clock  clockwork.Clock
	Logger Logger
}

// Compactor reclaims storage released by deletes. *database.DB satisfies it.
type Compactor interface {
	Checkpoint(ctx context.Context) error
}

// JournalStats holds journal counters.
type JournalStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Pruned  uint64 `json:"pruned"`
}

// Journal persists every bus event. Handle only enqueues; Run performs the
// writes so a slow disk never stalls the controller. Entries that do not
// fit in the queue are dropped and counted.
type Journal struct {
	repo          Repository
	queue         chan Entry
	retention     time.Duration
	pruneInterval time.Duration
	compactor     Compactor
	clock         clockwork.Clock
	logger        Logger

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
	pruned  atomic.Uint64
}

// NewJournal creates a journal. Subscribe Handle to the event bus and call
// Run to start writing.
func NewJournal(opts JournalOptions) *Journal {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = DefaultPruneInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Journal{
		repo:          opts.Repository,
		queue:         make(chan Entry, opts.QueueSize),
		retention:     opts.Retention,
		pruneInterval: opts.PruneInterval,
		compactor:     opts.Compactor,
		clock:         opts.Clock,
		logger:        opts.Logger,
	}
}

// Handle is a mesh.Handler. It never blocks.
func (j *Journal) Handle(e mesh.Event) {
	entry, err := NewEntry(e, j.clock.Now())
	if err != nil {
		j.failed.Add(1)
		j.logError("failed to encode journal entry", err)
		return
	}
	select {
	case j.queue <- entry:
	default:
		j.dropped.Add(1)
		j.logWarn("journal queue full, dropping event", "kind", e.Kind())
	}
}

// Run writes queued entries and prunes old ones until ctx is cancelled.
// Entries still queued at cancellation are flushed before it returns.
func (j *Journal) Run(ctx context.Context) error {
	j.prune(ctx)

	timer := j.clock.NewTimer(j.pruneInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			j.drain(ctx)
			return nil
		case e := <-j.queue:
			j.write(ctx, e)
		case <-timer.Chan():
			j.prune(ctx)
			timer.Reset(j.pruneInterval)
		}
	}
}

// Stats returns journal counters.
func (j *Journal) Stats() JournalStats {
	return JournalStats{
		Written: j.written.Load(),
		Dropped: j.dropped.Load(),
		Failed:  j.failed.Load(),
		Pruned:  j.pruned.Load(),
	}
}

func (j *Journal) drain(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	for {
		select {
		case e := <-j.queue:
			j.write(flushCtx, e)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, e Entry) {
	if err := j.repo.Create(ctx, &e); err != nil {
		j.failed.Add(1)
		j.logError("failed to write journal entry", err)
		return
	}
	j.written.Add(1)
}

func (j *Journal) prune(ctx context.Context) {
	if j.retention <= 0 {
		return
	}
	n, err := j.repo.Prune(ctx, j.clock.Now().Add(-j.retention))
	if err != nil {
		j.logError("failed to prune journal", err)
		return
	}
	if n > 0 {
		j.pruned.Add(uint64(n))
		if j.logger != nil {
			j.logger.Info("journal pruned", "entries", n, "retention", j.retention)
		}
		if j.compactor != nil {
			if err := j.compactor.Checkpoint(ctx); err != nil {
				j.logError("failed to compact journal", err)
			}
		}
	}
}

func (j *Journal) logWarn(msg string, args ...any) {
	if j.logger != nil {
		j.logger.Warn(msg, args...)
	}
}

func (j *Journal) logError(msg string, err error) {
	if j.logger != nil {
		j.logger.Error(msg, "error", err)
	}
}
