package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForReturnsSameLoopPerOwner(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	a := r.For("worker-1")
	assert.Same(t, a, r.For("worker-1"))
	assert.NotSame(t, a, r.For("worker-2"))
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, DefaultOwner, r.For("").Owner())
}

func TestOwnerFromContext(t *testing.T) {
	assert.Equal(t, DefaultOwner, OwnerFrom(context.Background()))
	ctx := WithOwner(context.Background(), "worker-7")
	assert.Equal(t, "worker-7", OwnerFrom(ctx))

	r := NewRegistry()
	defer r.Close()
	got, l, release := r.Acquire(ctx)
	release()
	assert.Equal(t, "worker-7", l.Owner())
	assert.Equal(t, "worker-7", OwnerFrom(got))
	assert.Equal(t, 1, r.Len())
}

func TestAcquireWithoutOwnerGetsPrivateLoop(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	ctxA, a, releaseA := r.Acquire(context.Background())
	ctxB, b, releaseB := r.Acquire(context.Background())
	assert.NotSame(t, a, b)
	assert.NotEqual(t, DefaultOwner, a.Owner())
	assert.Equal(t, a.Owner(), OwnerFrom(ctxA))
	assert.Equal(t, b.Owner(), OwnerFrom(ctxB))

	// Both callers run at the same time instead of queueing on one loop.
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for _, c := range []struct {
		ctx context.Context
		l   *Loop
	}{{ctxA, a}, {ctxB, b}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.l.Run(c.ctx, func(context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			}))
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("owner-less callers were serialized")
		}
	}
	close(release)
	wg.Wait()

	releaseA()
	releaseB()
	assert.Equal(t, 0, r.Len())
	assert.ErrorIs(t, a.Run(ctxA, func(context.Context) error { return nil }), ErrClosed)
}

func TestRunRejectsForeignOwner(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	l := r.For("worker-1")
	err := l.Run(WithOwner(context.Background(), "worker-2"), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrWrongOwner)
}

func TestRunSerializesTasks(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	ctx := WithOwner(context.Background(), "w")
	l := r.For("w")

	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Run(ctx, func(context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestRunPropagatesErrorsAndPanics(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	l := r.For(DefaultOwner)

	sentinel := errors.New("emit failed")
	assert.ErrorIs(t, l.Run(context.Background(), func(context.Context) error { return sentinel }), sentinel)

	err := l.Run(context.Background(), func(context.Context) error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// The loop survives a panicking task.
	assert.NoError(t, l.Run(context.Background(), func(context.Context) error { return nil }))
}

func TestCloseTearsDownLoops(t *testing.T) {
	r := NewRegistry()
	l := r.For(DefaultOwner)
	r.Close()

	assert.Equal(t, 0, r.Len())
	assert.ErrorIs(t, l.Run(context.Background(), func(context.Context) error { return nil }), ErrClosed)
	assert.ErrorIs(t, r.For(DefaultOwner).Run(context.Background(), func(context.Context) error { return nil }), ErrClosed)
}

func TestRelease(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	l := r.For("w")
	r.Release("w")
	assert.Equal(t, 0, r.Len())
	assert.NotSame(t, l, r.For("w"))
}
