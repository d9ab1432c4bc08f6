package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
)

// failingRepo rejects every write.
type failingRepo struct {
	mu     sync.Mutex
	prunes []time.Time
}

func (r *failingRepo) Create(context.Context, *Entry) error {
	return errors.New("disk full")
}

func (r *failingRepo) List(context.Context, Filter) (*ListResult, error) {
	return &ListResult{}, nil
}

func (r *failingRepo) Prune(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prunes = append(r.prunes, before)
	return 0, nil
}

func runJournal(t *testing.T, j *Journal) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestJournal_WritesBusEvents(t *testing.T) {
	repo := openTestRepo(t)
	clk := clockwork.NewFakeClockAt(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	j := NewJournal(JournalOptions{Repository: repo, Clock: clk})

	bus := mesh.NewBus(nil)
	bus.Subscribe(j.Handle)
	stop := runJournal(t, j)

	bus.Publish(mesh.NodeAdded{NodeID: 5})
	bus.Publish(mesh.NodeLivenessChanged{NodeID: 5, Liveness: mesh.LivenessAlive})
	bus.Publish(mesh.InclusionPhaseChanged{SessionID: "s1", SessionKind: mesh.KindInclude, Phase: mesh.PhaseDone, NodeID: 5})

	require.Eventually(t, func() bool { return j.Stats().Written == 3 }, time.Second, 5*time.Millisecond)
	stop()

	res, err := repo.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)

	node5, err := repo.List(context.Background(), Filter{NodeID: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, node5.Total, "inclusion events are controller-scope")
}

func TestJournal_FlushesOnShutdown(t *testing.T) {
	repo := openTestRepo(t)
	j := NewJournal(JournalOptions{Repository: repo})

	// Queue before Run starts; cancellation must still flush them.
	for i := range 10 {
		j.Handle(mesh.NodeAdded{NodeID: mesh.NodeID(i + 1)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, j.Run(ctx))

	assert.Equal(t, uint64(10), j.Stats().Written)
}

func TestJournal_DropsWhenQueueFull(t *testing.T) {
	j := NewJournal(JournalOptions{Repository: &failingRepo{}, QueueSize: 2})

	for i := range 5 {
		j.Handle(mesh.NodeAdded{NodeID: mesh.NodeID(i + 1)})
	}
	assert.Equal(t, uint64(3), j.Stats().Dropped)
}

func TestJournal_CountsWriteFailures(t *testing.T) {
	j := NewJournal(JournalOptions{Repository: &failingRepo{}})
	j.Handle(mesh.NodeAdded{NodeID: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, j.Run(ctx))

	stats := j.Stats()
	assert.Equal(t, uint64(0), stats.Written)
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestJournal_PrunesOnInterval(t *testing.T) {
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	clk := clockwork.NewFakeClockAt(start)
	repo := &failingRepo{}
	j := NewJournal(JournalOptions{
		Repository:    repo,
		Retention:     24 * time.Hour,
		PruneInterval: time.Hour,
		Clock:         clk,
	})
	stop := runJournal(t, j)
	defer stop()

	armed, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(armed, 1))
	clk.Advance(time.Hour)

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.prunes) == 2
	}, time.Second, time.Millisecond)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, start.Add(-24*time.Hour), repo.prunes[0], "prunes once at start")
	assert.Equal(t, start.Add(-23*time.Hour), repo.prunes[1])
}

func TestJournal_RetentionDisabled(t *testing.T) {
	repo := &failingRepo{}
	j := NewJournal(JournalOptions{Repository: repo})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, j.Run(ctx))

	assert.Empty(t, repo.prunes)
}

// prunedRepo reports a fixed number of deleted entries per prune.
type prunedRepo struct {
	failingRepo
	deleted int64
}

func (r *prunedRepo) Prune(ctx context.Context, before time.Time) (int64, error) {
	r.failingRepo.Prune(ctx, before) //nolint:errcheck // always nil
	return r.deleted, nil
}

type countingCompactor struct{ calls int }

func (c *countingCompactor) Checkpoint(context.Context) error {
	c.calls++
	return nil
}

func TestJournal_CompactsOnlyWhenPruneDeleted(t *testing.T) {
	tests := []struct {
		name    string
		deleted int64
		want    int
	}{
		{"entries removed", 3, 1},
		{"nothing removed", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compactor := &countingCompactor{}
			j := NewJournal(JournalOptions{
				Repository: &prunedRepo{deleted: tt.deleted},
				Retention:  time.Hour,
				Compactor:  compactor,
			})

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			require.NoError(t, j.Run(ctx))

			assert.Equal(t, tt.want, compactor.calls)
			assert.Equal(t, uint64(tt.deleted), j.Stats().Pruned)
		})
	}
}
