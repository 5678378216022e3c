package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dan-solli/patternguard/pkg/metrics"
	"github.com/dan-solli/patternguard/pkg/pattern"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dropCounter struct {
	metrics.NoopCollector
	mu      sync.Mutex
	dropped map[string]int
}

func (d *dropCounter) RecordDropped(ctx context.Context, priority string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dropped == nil {
		d.dropped = make(map[string]int)
	}
	d.dropped[priority]++
}

// occupy parks the only worker on a task until release is closed.
func occupy(t *testing.T, p *Pool) (release chan struct{}, finished chan error) {
	t.Helper()
	release = make(chan struct{})
	started := make(chan struct{})
	finished = make(chan error, 1)
	go func() {
		finished <- p.Do(context.Background(), OnDemand, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	return release, finished
}

func TestDo_RunsAndReturnsError(t *testing.T) {
	p := New(2, 4)
	defer p.Close()

	want := errors.New("boom")
	err := p.Do(context.Background(), Deep, func(ctx context.Context) error { return want })
	assert.ErrorIs(t, err, want)

	ran := false
	require.NoError(t, p.Do(context.Background(), Shallow, func(ctx context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestDo_ConcurrencyCap(t *testing.T) {
	p := New(3, 100)
	defer p.Close()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), Deep, func(ctx context.Context) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 3, p.Workers())
}

func TestDo_Backpressure(t *testing.T) {
	drops := &dropCounter{}
	p := New(1, 1).WithMetrics(drops)
	defer p.Close()

	release, finished := occupy(t, p)

	queued := make(chan error, 1)
	go func() {
		queued <- p.Do(context.Background(), Deep, func(ctx context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool { return p.Depth() == 1 }, time.Second, time.Millisecond)

	err := p.Do(context.Background(), Shallow, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, pattern.ErrQueueFull)
	assert.Equal(t, 1, drops.dropped["shallow"])

	// Deep requests wait for space instead of being dropped.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = p.Do(ctx, Deep, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, drops.dropped["shallow"])

	close(release)
	assert.NoError(t, <-finished)
	assert.NoError(t, <-queued)
}

func TestDo_AbandonedWhileQueued(t *testing.T) {
	p := New(1, 4)
	defer p.Close()

	release, finished := occupy(t, p)

	var ran atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- p.Do(ctx, Deep, func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return p.Depth() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-result, context.Canceled)

	close(release)
	require.NoError(t, <-finished)
	require.NoError(t, p.Do(context.Background(), Deep, func(ctx context.Context) error { return nil }))
	assert.False(t, ran.Load(), "abandoned task must never run")
}

func TestDo_RecoversPanic(t *testing.T) {
	p := New(1, 1)
	defer p.Close()

	err := p.Do(context.Background(), OnDemand, func(ctx context.Context) error {
		panic("validator exploded")
	})
	assert.ErrorIs(t, err, pattern.ErrValidationPanicked)
	assert.Contains(t, err.Error(), "validator exploded")

	// The worker survives.
	assert.NoError(t, p.Do(context.Background(), OnDemand, func(ctx context.Context) error { return nil }))
}

func TestClose(t *testing.T) {
	p := New(1, 4)
	release, finished := occupy(t, p)

	queued := make(chan error, 1)
	go func() {
		queued <- p.Do(context.Background(), Deep, func(ctx context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool { return p.Depth() == 1 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	assert.ErrorIs(t, <-queued, pattern.ErrClosed)
	close(release)
	assert.NoError(t, <-finished)
	<-closed

	err := p.Do(context.Background(), Deep, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, pattern.ErrClosed)
	p.Close()
}

func TestPriority(t *testing.T) {
	assert.Equal(t, "shallow", Shallow.String())
	assert.Equal(t, "deep", Deep.String())
	assert.Equal(t, "on_demand", OnDemand.String())
	assert.True(t, Shallow.Droppable())
	assert.False(t, Deep.Droppable())
	assert.False(t, OnDemand.Droppable())
}
