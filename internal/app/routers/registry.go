package routers

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/huddle/internal/app/loop"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Entry binds a room's router to the worker it was created on.
type Entry struct {
	Router      core.Router
	MediaServer core.MediaWorker
}

type Allocator interface {
	Allocate() core.MediaWorker
}

type entry struct {
	Entry
	refs int
	gen  uint64
}

// Registry holds one RouterEntry per room. The map is owned by the loop.
type Registry struct {
	loop    *loop.Loop
	pool    Allocator
	profile core.RTPCapabilities
	idleTTL time.Duration

	sf      singleflight.Group
	entries map[domain.RoomID]*entry
}

// New creates a registry. idleTTL > 0 closes a router once no live session
// has referenced it for that long; zero keeps routers for the process lifetime.
func New(l *loop.Loop, pool Allocator, profile core.RTPCapabilities, idleTTL time.Duration) *Registry {
	return &Registry{
		loop:    l,
		pool:    pool,
		profile: profile,
		idleTTL: idleTTL,
		entries: make(map[domain.RoomID]*entry),
	}
}

// GetOrCreate returns the room's entry, creating it on first access.
// Concurrent first accesses share a single creation.
func (r *Registry) GetOrCreate(ctx context.Context, room domain.RoomID) (Entry, error) {
	return r.get(ctx, room, false)
}

// Acquire is GetOrCreate plus a reference held until Release.
func (r *Registry) Acquire(ctx context.Context, room domain.RoomID) (Entry, error) {
	return r.get(ctx, room, true)
}

func (r *Registry) Release(ctx context.Context, room domain.RoomID) {
	_ = r.loop.Do(ctx, func() {
		e, ok := r.entries[room]
		if !ok {
			return
		}
		if e.refs > 0 {
			e.refs--
		}
		r.touch(room, e)
	})
}

// Len is the number of cached routers.
func (r *Registry) Len(ctx context.Context) int {
	n := 0
	_ = r.loop.Do(ctx, func() { n = len(r.entries) })
	return n
}

func (r *Registry) get(ctx context.Context, room domain.RoomID, retain bool) (Entry, error) {
	if e, ok, err := r.lookup(ctx, room, retain); err != nil || ok {
		return e, err
	}

	v, err, _ := r.sf.Do(string(room), func() (any, error) {
		// a previous flight may have finished between lookup and Do
		if e, ok, err := r.lookup(ctx, room, false); err != nil || ok {
			return e, err
		}
		flightCtx := context.WithoutCancel(ctx)
		w := r.pool.Allocate()
		router, err := w.CreateRouter(flightCtx, r.profile)
		if err != nil {
			log.Error().Err(err).Str("module", "app.routers").Str("room", string(room)).Str("worker", w.ID()).Msg("create router")
			return nil, domain.Upstream(fmt.Errorf("create router for room %s: %w", room, err))
		}
		e := Entry{Router: router, MediaServer: w}
		if err := r.loop.Do(flightCtx, func() {
			fresh := &entry{Entry: e}
			r.entries[room] = fresh
			r.touch(room, fresh)
		}); err != nil {
			router.Close()
			return nil, err
		}
		log.Info().Str("module", "app.routers").Str("room", string(room)).Str("worker", w.ID()).Str("router", router.ID()).Msg("router created")
		return e, nil
	})
	if err != nil {
		return Entry{}, err
	}
	if !retain {
		return v.(Entry), nil
	}
	e, ok, err := r.lookup(ctx, room, true)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, fmt.Errorf("router for room %s: %w", room, domain.ErrNotFound)
	}
	return e, nil
}

func (r *Registry) lookup(ctx context.Context, room domain.RoomID, retain bool) (Entry, bool, error) {
	var (
		found Entry
		ok    bool
	)
	err := r.loop.Do(ctx, func() {
		e, exists := r.entries[room]
		if !exists {
			return
		}
		if retain {
			e.refs++
		}
		r.touch(room, e)
		found, ok = e.Entry, true
	})
	return found, ok, err
}

// touch invalidates any pending eviction and re-arms it when unreferenced. Loop only.
func (r *Registry) touch(room domain.RoomID, e *entry) {
	e.gen++
	if r.idleTTL <= 0 || e.refs > 0 {
		return
	}
	gen := e.gen
	time.AfterFunc(r.idleTTL, func() {
		r.loop.Post(func() {
			cur, ok := r.entries[room]
			if !ok || cur != e || e.refs > 0 || e.gen != gen {
				return
			}
			delete(r.entries, room)
			log.Info().Str("module", "app.routers").Str("room", string(room)).Msg("idle router evicted")
			go e.Router.Close()
		})
	})
}
