package routers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/app/loop"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/core/coretest"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type onePool struct{ w core.MediaWorker }

func (p onePool) Allocate() core.MediaWorker { return p.w }

func newRegistry(t *testing.T, w *coretest.Worker, ttl time.Duration) *Registry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := loop.New(16)
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return New(l, onePool{w}, core.DefaultCodecProfile(), ttl)
}

func TestConcurrentFirstAccessCreatesOneRouter(t *testing.T) {
	w := coretest.NewWorker("w0")
	w.RouterGate = make(chan struct{})
	reg := newRegistry(t, w, 0)

	const callers = 8
	results := make([]Entry, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := reg.GetOrCreate(context.Background(), "room-1")
			assert.NoError(t, err)
			results[i] = e
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(w.RouterGate)
	wg.Wait()

	assert.EqualValues(t, 1, w.RouterCalls.Load())
	for _, e := range results {
		assert.Same(t, results[0].Router, e.Router)
		assert.Same(t, w, e.MediaServer)
	}
	assert.Equal(t, 1, reg.Len(context.Background()))
}

func TestRoomsGetDistinctRouters(t *testing.T) {
	reg := newRegistry(t, coretest.NewWorker("w0"), 0)

	a, err := reg.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)
	b, err := reg.GetOrCreate(context.Background(), "b")
	require.NoError(t, err)
	again, err := reg.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)

	assert.NotEqual(t, a.Router.ID(), b.Router.ID())
	assert.Same(t, a.Router, again.Router)
}

func TestCreateFailureIsUpstreamAndNotCached(t *testing.T) {
	w := coretest.NewWorker("w0")
	w.FailRouter = errors.New("worker died")
	reg := newRegistry(t, w, 0)

	_, err := reg.GetOrCreate(context.Background(), "a")
	require.ErrorIs(t, err, domain.ErrUpstream)
	assert.Equal(t, 0, reg.Len(context.Background()))

	w.FailRouter = nil
	_, err = reg.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)
}

func TestIdleRouterIsEvictedAfterRelease(t *testing.T) {
	reg := newRegistry(t, coretest.NewWorker("w0"), 20*time.Millisecond)
	ctx := context.Background()

	e, err := reg.Acquire(ctx, "a")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, reg.Len(ctx), "referenced router must survive")

	reg.Release(ctx, "a")
	require.Eventually(t, func() bool { return reg.Len(ctx) == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.Router.(*coretest.Router).Closed() }, time.Second, 5*time.Millisecond)
}
