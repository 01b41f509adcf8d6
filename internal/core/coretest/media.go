// Package coretest provides in-memory fakes of the core collaborators.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Worker is a fake media worker. Routers it creates share the worker's hooks.
type Worker struct {
	id     string
	closed atomic.Bool

	RouterCalls atomic.Int32
	// RouterGate, when set, blocks CreateRouter until it is closed.
	RouterGate chan struct{}
	FailRouter error
}

func NewWorker(id string) *Worker { return &Worker{id: id} }

// Factory returns a WorkerFactory creating fresh fake workers, failing slots listed in fail once.
func Factory(fail ...int) (core.WorkerFactory, *sync.Map) {
	created := &sync.Map{}
	var attempts sync.Map
	return func(_ context.Context, slot int) (core.MediaWorker, error) {
		n, _ := attempts.LoadOrStore(slot, new(atomic.Int32))
		try := n.(*atomic.Int32).Add(1)
		for _, f := range fail {
			if f == slot && try == 1 {
				return nil, fmt.Errorf("worker %d: boot failed", slot)
			}
		}
		w := NewWorker(fmt.Sprintf("worker-%d", slot))
		created.Store(slot, w)
		return w, nil
	}, created
}

func (w *Worker) ID() string   { return w.id }
func (w *Worker) Closed() bool { return w.closed.Load() }

func (w *Worker) Close() error {
	w.closed.Store(true)
	return nil
}

func (w *Worker) CreateRouter(ctx context.Context, profile core.RTPCapabilities) (core.Router, error) {
	w.RouterCalls.Add(1)
	if w.RouterGate != nil {
		select {
		case <-w.RouterGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if w.FailRouter != nil {
		return nil, w.FailRouter
	}
	return &Router{
		id:        uuid.NewString(),
		caps:      profile,
		producers: make(map[domain.ProducerID]*Producer),
	}, nil
}

type Router struct {
	id   string
	caps core.RTPCapabilities

	mu        sync.Mutex
	producers map[domain.ProducerID]*Producer
	closed    bool

	FailTransport error
	// ProduceGate is handed to every transport created afterwards.
	ProduceGate chan struct{}
}

func (r *Router) ID() string                         { return r.id }
func (r *Router) Capabilities() core.RTPCapabilities { return r.caps }

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *Router) CreateTransport(_ context.Context, opts core.TransportOptions) (core.Transport, error) {
	if r.FailTransport != nil {
		return nil, r.FailTransport
	}
	t := &Transport{
		router:      r,
		ProduceGate: r.ProduceGate,
		params:      core.TransportParams{
			ID: opts.ID,
			ICEParameters: webrtc.ICEParameters{
				UsernameFragment: "ufrag-" + string(opts.ID),
				Password:         "pwd",
				ICELite:          true,
			},
			ICECandidates: []webrtc.ICECandidate{{
				Foundation: "1",
				Address:    "127.0.0.1",
				Port:       40000,
				Protocol:   webrtc.ICEProtocolUDP,
				Typ:        webrtc.ICECandidateTypeHost,
			}},
			DTLSParameters: webrtc.DTLSParameters{
				Role:         webrtc.DTLSRoleAuto,
				Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
			},
		},
	}
	return t, nil
}

type Transport struct {
	router *Router
	params core.TransportParams

	mu        sync.Mutex
	closed    bool
	connected int
	producers []*Producer
	consumers []*Consumer

	// ProduceGate, when set, blocks Produce until it is closed.
	ProduceGate chan struct{}
}

func (t *Transport) ID() domain.TransportID       { return t.params.ID }
func (t *Transport) Params() core.TransportParams { return t.params }

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Connects returns how many Connect calls succeeded.
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Connect(_ context.Context, _ core.SecurityParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.ErrTransportClosed
	}
	t.connected++
	return nil
}

func (t *Transport) Produce(ctx context.Context, params core.MediaParams) (core.Producer, error) {
	if t.ProduceGate != nil {
		select {
		case <-t.ProduceGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, domain.ErrTransportClosed
	}
	p := &Producer{
		id:     domain.ProducerID(uuid.NewString()),
		params: params,
		done:   make(chan struct{}),
	}
	t.producers = append(t.producers, p)
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, producerID domain.ProducerID, caps core.RTPCapabilities) (core.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, domain.ErrTransportClosed
	}
	t.router.mu.Lock()
	p, ok := t.router.producers[producerID]
	t.router.mu.Unlock()
	if !ok || p.Closed() {
		return nil, domain.ErrProducerNotFound
	}
	if !caps.Supports(p.params.MimeType) {
		return nil, errors.New("cannot consume: codec not supported")
	}
	c := &Consumer{
		params: core.ConsumerParams{
			ID:          domain.ConsumerID(uuid.NewString()),
			ProducerID:  producerID,
			Kind:        p.params.Kind,
			MimeType:    p.params.MimeType,
			ClockRate:   p.params.ClockRate,
			PayloadType: p.params.PayloadType,
			SSRC:        p.params.SSRC + 1,
			Paused:      true,
		},
		paused: true,
		done:   make(chan struct{}),
	}
	t.consumers = append(t.consumers, c)
	return c, nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers, consumers := t.producers, t.consumers
	t.mu.Unlock()
	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
}

type Producer struct {
	id     domain.ProducerID
	params core.MediaParams
	once   sync.Once
	done   chan struct{}

	Packets atomic.Uint64
}

func (p *Producer) ID() domain.ProducerID { return p.id }
func (p *Producer) Kind() core.MediaKind  { return p.params.Kind }
func (p *Producer) Done() <-chan struct{} { return p.done }

func (p *Producer) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Producer) Close() { p.once.Do(func() { close(p.done) }) }

func (p *Producer) Stats() core.MediaStats {
	n := p.Packets.Load()
	return core.MediaStats{Packets: n, Bytes: n * 1200, Timestamp: time.Now()}
}

type Consumer struct {
	params core.ConsumerParams
	mu     sync.Mutex
	paused bool
	once   sync.Once
	done   chan struct{}
}

func (c *Consumer) ID() domain.ConsumerID         { return c.params.ID }
func (c *Consumer) ProducerID() domain.ProducerID { return c.params.ProducerID }
func (c *Consumer) Done() <-chan struct{}         { return c.done }

func (c *Consumer) Params() core.ConsumerParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.params
	p.Paused = c.paused
	return p
}

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *Consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *Consumer) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Consumer) Close() { c.once.Do(func() { close(c.done) }) }

func (c *Consumer) Stats() core.MediaStats {
	return core.MediaStats{Timestamp: time.Now()}
}
