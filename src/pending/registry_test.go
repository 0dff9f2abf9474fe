package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screen-inspector/src/apierr"
)

func TestRegisterResolve(t *testing.T) {
	r := New()
	h, err := r.Register("req-1")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
	assert.True(t, h.TimeoutAt.After(h.CreatedAt))

	assert.True(t, r.Resolve("req-1", json.RawMessage(`"ok"`)))
	payload, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(payload))
	assert.Equal(t, 0, r.Len())
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := New()
	_, err := r.Register("dup")
	require.NoError(t, err)
	_, err = r.Register("dup")
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = r.Register("")
	assert.Error(t, err)
}

func TestSecondResolveIsNoop(t *testing.T) {
	r := New()
	h, err := r.Register("once")
	require.NoError(t, err)

	require.True(t, r.Resolve("once", json.RawMessage(`1`)))
	assert.NotPanics(t, func() {
		assert.False(t, r.Resolve("once", json.RawMessage(`2`)))
	})

	payload, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", string(payload))
}

func TestResolveUnknownIsNoop(t *testing.T) {
	r := New()
	assert.False(t, r.Resolve("never-registered", nil))
}

func TestTimeoutRemovesEntryAndDropsLateReply(t *testing.T) {
	r := New(WithTimeout(20 * time.Millisecond))
	h, err := r.Register("slow")
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrTimeout))
	assert.Equal(t, 0, r.Len())

	assert.False(t, r.Resolve("slow", json.RawMessage(`"late"`)))
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.IDs())
}

func TestCancelAllFailsEveryPendingRequest(t *testing.T) {
	r := New()
	handles := make([]*Handle, 0, 5)
	for i := 0; i < 5; i++ {
		h, err := r.Register(fmt.Sprintf("r%d", i))
		require.NoError(t, err)
		handles = append(handles, h)
	}

	assert.Equal(t, 5, r.CancelAll("socket dropped"))
	assert.Equal(t, 0, r.Len())

	// Fulfilment happens before CancelAll returns.
	for _, h := range handles {
		select {
		case o := <-h.done:
			assert.True(t, errors.Is(o.err, apierr.ErrConnectionLost))
		default:
			t.Fatalf("request %s not cancelled synchronously", h.ID)
		}
	}

	assert.False(t, r.Resolve("r0", nil))
}

func TestResolveOldest(t *testing.T) {
	r := New()
	first, err := r.Register("a")
	require.NoError(t, err)
	_, err = r.Register("b")
	require.NoError(t, err)

	id, ok := r.ResolveOldest(json.RawMessage(`"x"`))
	assert.True(t, ok)
	assert.Equal(t, "a", id)
	payload, err := first.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `"x"`, string(payload))
	assert.Equal(t, []string{"b"}, r.IDs())

	r.Forget("b")
	_, ok = r.ResolveOldest(nil)
	assert.False(t, ok)
}

func TestWaitHonoursContext(t *testing.T) {
	r := New()
	h, err := r.Register("ctx")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	assert.True(t, errors.Is(err, apierr.ErrTimeout))
	assert.Equal(t, 1, r.Len())
}

func TestConcurrentRegisterAndResolve(t *testing.T) {
	var counts []int
	var mu sync.Mutex
	r := New(WithChangeHook(func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			h, err := r.Register(id)
			if !assert.NoError(t, err) {
				return
			}
			go r.Resolve(id, json.RawMessage(fmt.Sprintf("%d", i)))
			payload, err := h.Wait(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("%d", i), string(payload))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, counts)
}
