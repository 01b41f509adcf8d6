package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/huddle/internal/app/loop"
	"github.com/dkeye/huddle/internal/app/routers"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

type Config struct {
	// ServerID identifies this process in session records.
	ServerID string
	// StaleAfter ends an open session that is older and not live instead of reusing it.
	StaleAfter time.Duration
	ICEServers []webrtc.ICEServer
}

// Kind tells member sessions apart from presentation streams.
type Kind int

const (
	KindSession Kind = iota
	KindPresentation
)

// Stream is what a live session is opened from.
type Stream struct {
	ID    domain.SessionID
	Room  domain.RoomID
	Owner domain.MemberID
	Kind  Kind
}

type Descriptor struct {
	Session domain.Session `json:"session"`
	Reused  bool           `json:"reused"`
}

type JoinResult struct {
	Stream       Stream
	IsOwner      bool
	Opened       bool
	Transport    core.TransportParams
	Capabilities core.RTPCapabilities
}

type ProducerInfo struct {
	ID      domain.ProducerID `json:"producerId"`
	Session domain.SessionID  `json:"sessionId"`
	Room    domain.RoomID     `json:"roomId"`
	Kind    core.MediaKind    `json:"kind"`
}

type transportKey struct {
	session domain.SessionID
	member  domain.MemberID
}

type liveSession struct {
	stream    Stream
	owner     core.ConnID
	// watchers maps each consuming member to the connections it watches from.
	// The member's transport lives until its last connection leaves.
	watchers  map[domain.MemberID]map[core.ConnID]struct{}
	producers map[domain.ProducerID]struct{}
	router    routers.Entry
}

type transportEntry struct {
	transport core.Transport
}

type producerEntry struct {
	producer core.Producer
	session  domain.SessionID
	member   domain.MemberID
}

type consumerEntry struct {
	consumer core.Consumer
	producer domain.ProducerID
	key      transportKey
}

// Manager owns live sessions and the transport, producer and consumer
// registries. Every map below is touched only from the loop.
type Manager struct {
	cfg     Config
	loop    *loop.Loop
	routers *routers.Registry
	store   core.SessionStore
	sf      singleflight.Group

	live       map[domain.SessionID]*liveSession
	transports map[transportKey]*transportEntry
	producers  map[domain.ProducerID]*producerEntry
	consumers  map[domain.ConsumerID]*consumerEntry
}

func NewManager(cfg Config, l *loop.Loop, reg *routers.Registry, store core.SessionStore) *Manager {
	return &Manager{
		cfg:        cfg,
		loop:       l,
		routers:    reg,
		store:      store,
		live:       make(map[domain.SessionID]*liveSession),
		transports: make(map[transportKey]*transportEntry),
		producers:  make(map[domain.ProducerID]*producerEntry),
		consumers:  make(map[domain.ConsumerID]*consumerEntry),
	}
}

// TransportID derives the transport identity of a member on a session.
func TransportID(user domain.UserID, session domain.SessionID) domain.TransportID {
	sum := md5.Sum([]byte(string(user) + "\n" + string(session)))
	return domain.TransportID(hex.EncodeToString(sum[:]))
}

// AssertSession returns the member's open session on this server or creates one.
func (m *Manager) AssertSession(ctx context.Context, member domain.Membership, clientAddr string) (Descriptor, error) {
	if member.Banned {
		return Descriptor{}, domain.ErrBanned
	}
	if member.Pending {
		return Descriptor{}, domain.ErrForbidden
	}

	key := m.cfg.ServerID + "/" + string(member.ID)
	v, err, _ := m.sf.Do(key, func() (any, error) {
		existing, err := m.store.FindOpenSession(ctx, m.cfg.ServerID, member.ID)
		switch {
		case err == nil:
			if m.reusable(ctx, existing) {
				return Descriptor{Session: existing, Reused: true}, nil
			}
			log.Info().Str("module", "app.session").Str("session", string(existing.ID)).Msg("ending stale session")
			if err := m.store.EndSession(ctx, existing.ID, time.Now()); err != nil {
				return nil, domain.Upstream(fmt.Errorf("end stale session: %w", err))
			}
		case errors.Is(err, domain.ErrNotFound):
		default:
			return nil, domain.Upstream(fmt.Errorf("find open session: %w", err))
		}

		created, err := m.store.CreateSession(ctx, domain.Session{
			RoomID:      member.RoomID,
			MemberID:    member.ID,
			UserID:      member.UserID,
			DisplayName: member.DisplayName,
			Avatar:      member.Avatar,
			ServerID:    m.cfg.ServerID,
			ClientAddr:  clientAddr,
		})
		if err != nil {
			return nil, domain.Upstream(fmt.Errorf("create session: %w", err))
		}
		log.Info().Str("module", "app.session").Str("session", string(created.ID)).Str("room", string(created.RoomID)).Str("member", string(member.ID)).Msg("session created")
		return Descriptor{Session: created}, nil
	})
	if err != nil {
		return Descriptor{}, err
	}
	return v.(Descriptor), nil
}

func (m *Manager) reusable(ctx context.Context, s domain.Session) bool {
	if m.cfg.StaleAfter <= 0 || time.Since(s.CreatedAt) < m.cfg.StaleAfter {
		return true
	}
	live := false
	_ = m.loop.Do(ctx, func() { _, live = m.live[s.ID] })
	return live
}

// JoinSession attaches conn to a persisted session. The member owning the
// record becomes its owner; anyone else joins its consuming set.
func (m *Manager) JoinSession(ctx context.Context, conn core.ConnID, member domain.Membership, id domain.SessionID) (JoinResult, error) {
	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return JoinResult{}, domain.ErrSessionNotFound
		}
		return JoinResult{}, domain.Upstream(err)
	}
	if rec.Ended() {
		return JoinResult{}, domain.ErrSessionNotFound
	}
	if rec.RoomID != member.RoomID {
		return JoinResult{}, domain.ErrForbidden
	}
	return m.JoinStream(ctx, conn, member, Stream{ID: rec.ID, Room: rec.RoomID, Owner: rec.MemberID, Kind: KindSession})
}

// JoinStream opens (or joins) a live stream and ensures the caller's transport.
func (m *Manager) JoinStream(ctx context.Context, conn core.ConnID, member domain.Membership, s Stream) (JoinResult, error) {
	entry, err := m.routers.Acquire(ctx, s.Room)
	if err != nil {
		return JoinResult{}, err
	}

	res := JoinResult{Stream: s, IsOwner: s.Owner == member.ID}
	var (
		created      bool
		addedWatcher bool
		prevOwner    core.ConnID
	)
	err = m.loop.Do(ctx, func() {
		ls, ok := m.live[s.ID]
		if !ok {
			ls = &liveSession{
				stream:    s,
				watchers:  make(map[domain.MemberID]map[core.ConnID]struct{}),
				producers: make(map[domain.ProducerID]struct{}),
				router:    entry,
			}
			m.live[s.ID] = ls
			created = true
		}
		if res.IsOwner {
			prevOwner = ls.owner
			res.Opened = ls.owner == ""
			ls.owner = conn
			return
		}
		conns, ok := ls.watchers[member.ID]
		if !ok {
			conns = make(map[core.ConnID]struct{})
			ls.watchers[member.ID] = conns
		}
		if _, ok := conns[conn]; !ok {
			conns[conn] = struct{}{}
			addedWatcher = true
		}
	})
	if !created {
		m.routers.Release(ctx, s.Room)
	}
	if err != nil {
		return JoinResult{}, err
	}

	params, err := m.CreateTransport(ctx, s.ID, member)
	if err != nil {
		m.undoJoin(ctx, s, conn, member.ID, res.IsOwner, prevOwner, addedWatcher, created)
		return JoinResult{}, err
	}
	res.Transport = params
	res.Capabilities = entry.Router.Capabilities()
	log.Info().Str("module", "app.session").Str("session", string(s.ID)).Str("conn", string(conn)).Bool("owner", res.IsOwner).Msg("joined")
	return res, nil
}

func (m *Manager) undoJoin(ctx context.Context, s Stream, conn core.ConnID, member domain.MemberID, owner bool, prevOwner core.ConnID, addedWatcher, created bool) {
	drop := false
	_ = m.loop.Do(ctx, func() {
		ls, ok := m.live[s.ID]
		if !ok {
			return
		}
		if owner && ls.owner == conn {
			ls.owner = prevOwner
		}
		if addedWatcher {
			delete(ls.watchers[member], conn)
			if len(ls.watchers[member]) == 0 {
				delete(ls.watchers, member)
			}
		}
		if created && ls.owner == "" && len(ls.watchers) == 0 && len(ls.producers) == 0 {
			delete(m.live, s.ID)
			drop = true
		}
	})
	if drop {
		m.routers.Release(ctx, s.Room)
	}
}

// CreateTransport lazily creates the member's transport on the session's router.
func (m *Manager) CreateTransport(ctx context.Context, id domain.SessionID, member domain.Membership) (core.TransportParams, error) {
	key := transportKey{session: id, member: member.ID}
	var (
		ls       *liveSession
		existing *transportEntry
	)
	if err := m.loop.Do(ctx, func() {
		ls = m.live[id]
		existing = m.transports[key]
	}); err != nil {
		return core.TransportParams{}, err
	}
	if ls == nil {
		return core.TransportParams{}, domain.ErrSessionNotFound
	}
	if existing != nil {
		return existing.transport.Params(), nil
	}

	t, err := ls.router.Router.CreateTransport(ctx, core.TransportOptions{
		ID:         TransportID(member.UserID, id),
		ICEServers: m.cfg.ICEServers,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.session").Str("session", string(id)).Msg("create transport")
		return core.TransportParams{}, domain.Upstream(fmt.Errorf("create transport: %w", err))
	}

	var (
		stale  bool
		winner *transportEntry
	)
	err = m.loop.Do(ctx, func() {
		if cur, ok := m.live[id]; !ok || cur != ls {
			stale = true
			return
		}
		if w, ok := m.transports[key]; ok {
			winner = w
			return
		}
		m.transports[key] = &transportEntry{transport: t}
	})
	switch {
	case err != nil:
		t.Close()
		return core.TransportParams{}, err
	case stale:
		t.Close()
		return core.TransportParams{}, domain.ErrSessionNotFound
	case winner != nil:
		t.Close()
		return winner.transport.Params(), nil
	}
	log.Debug().Str("module", "app.session").Str("session", string(id)).Str("transport", string(t.ID())).Msg("transport created")
	return t.Params(), nil
}

func (m *Manager) ConnectTransport(ctx context.Context, id domain.SessionID, member domain.MemberID, sec core.SecurityParams) error {
	te, err := m.transportOf(ctx, transportKey{session: id, member: member})
	if err != nil {
		return err
	}
	if err := te.transport.Connect(ctx, sec); err != nil {
		if errors.Is(err, domain.ErrTransportClosed) {
			return err
		}
		return domain.Upstream(fmt.Errorf("connect transport: %w", err))
	}
	return nil
}

func (m *Manager) transportOf(ctx context.Context, key transportKey) (*transportEntry, error) {
	var te *transportEntry
	if err := m.loop.Do(ctx, func() { te = m.transports[key] }); err != nil {
		return nil, err
	}
	if te == nil {
		return nil, domain.ErrTransportClosed
	}
	return te, nil
}

// CreateProducer starts a media flow from the session owner.
func (m *Manager) CreateProducer(ctx context.Context, id domain.SessionID, member domain.MemberID, params core.MediaParams) (ProducerInfo, error) {
	key := transportKey{session: id, member: member}
	var (
		ls *liveSession
		te *transportEntry
	)
	if err := m.loop.Do(ctx, func() {
		ls = m.live[id]
		te = m.transports[key]
	}); err != nil {
		return ProducerInfo{}, err
	}
	if ls == nil || te == nil {
		return ProducerInfo{}, domain.ErrTransportClosed
	}
	if ls.stream.Owner != member {
		return ProducerInfo{}, domain.ErrForbidden
	}

	p, err := te.transport.Produce(ctx, params)
	if err != nil {
		if errors.Is(err, domain.ErrTransportClosed) {
			return ProducerInfo{}, err
		}
		log.Error().Err(err).Str("module", "app.session").Str("session", string(id)).Msg("produce")
		return ProducerInfo{}, domain.Upstream(fmt.Errorf("produce: %w", err))
	}

	stale := false
	err = m.loop.Do(ctx, func() {
		cur, ok := m.live[id]
		if !ok || cur != ls || m.transports[key] != te {
			stale = true
			return
		}
		m.producers[p.ID()] = &producerEntry{producer: p, session: id, member: member}
		ls.producers[p.ID()] = struct{}{}
	})
	if err != nil || stale {
		p.Close()
		if err != nil {
			return ProducerInfo{}, err
		}
		return ProducerInfo{}, domain.ErrTransportClosed
	}

	info := ProducerInfo{ID: p.ID(), Session: id, Room: ls.stream.Room, Kind: p.Kind()}
	if ls.stream.Kind == KindSession {
		if err := m.store.AddSessionProducer(ctx, id, p.ID()); err != nil {
			m.dropProducer(ctx, p.ID())
			log.Error().Err(err).Str("module", "app.session").Str("session", string(id)).Msg("persist producer")
			return ProducerInfo{}, domain.Upstream(fmt.Errorf("persist producer: %w", err))
		}
	}
	log.Info().Str("module", "app.session").Str("session", string(id)).Str("producer", string(p.ID())).Str("kind", string(p.Kind())).Msg("producer created")
	return info, nil
}

// CreateConsumer binds a paused consumer on member's transport to a producer of the session.
func (m *Manager) CreateConsumer(ctx context.Context, id domain.SessionID, member domain.MemberID, producer domain.ProducerID, caps core.RTPCapabilities) (core.ConsumerParams, error) {
	key := transportKey{session: id, member: member}
	var (
		pe *producerEntry
		te *transportEntry
	)
	if err := m.loop.Do(ctx, func() {
		pe = m.producers[producer]
		te = m.transports[key]
	}); err != nil {
		return core.ConsumerParams{}, err
	}
	if pe == nil || pe.session != id {
		return core.ConsumerParams{}, domain.ErrProducerNotFound
	}
	if te == nil {
		return core.ConsumerParams{}, domain.ErrTransportClosed
	}

	c, err := te.transport.Consume(ctx, producer, caps)
	if err != nil {
		if errors.Is(err, domain.ErrProducerNotFound) || errors.Is(err, domain.ErrTransportClosed) {
			return core.ConsumerParams{}, err
		}
		log.Error().Err(err).Str("module", "app.session").Str("producer", string(producer)).Msg("consume")
		return core.ConsumerParams{}, domain.Upstream(fmt.Errorf("consume: %w", err))
	}

	var staleErr error
	err = m.loop.Do(ctx, func() {
		switch {
		case m.producers[producer] != pe:
			staleErr = domain.ErrProducerNotFound
		case m.transports[key] != te:
			staleErr = domain.ErrTransportClosed
		default:
			m.consumers[c.ID()] = &consumerEntry{consumer: c, producer: producer, key: key}
		}
	})
	if err == nil {
		err = staleErr
	}
	if err != nil {
		c.Close()
		return core.ConsumerParams{}, err
	}
	log.Debug().Str("module", "app.session").Str("session", string(id)).Str("consumer", string(c.ID())).Str("producer", string(producer)).Msg("consumer created")
	return c.Params(), nil
}

// CloseProducer is idempotent: closed is false when nothing was open.
// An empty by skips the ownership check.
func (m *Manager) CloseProducer(ctx context.Context, by domain.MemberID, id domain.ProducerID) (info ProducerInfo, closed bool, err error) {
	var (
		pe        *producerEntry
		room      domain.RoomID
		kind      Kind
		consumers []core.Consumer
		forbidden bool
	)
	err = m.loop.Do(ctx, func() {
		pe = m.producers[id]
		if pe == nil {
			return
		}
		if by != "" && pe.member != by {
			forbidden = true
			return
		}
		delete(m.producers, id)
		if ls, ok := m.live[pe.session]; ok {
			delete(ls.producers, id)
			room, kind = ls.stream.Room, ls.stream.Kind
		}
		for cid, ce := range m.consumers {
			if ce.producer == id {
				consumers = append(consumers, ce.consumer)
				delete(m.consumers, cid)
			}
		}
	})
	if err != nil || pe == nil {
		return ProducerInfo{}, false, err
	}
	if forbidden {
		return ProducerInfo{}, false, domain.ErrForbidden
	}
	for _, c := range consumers {
		c.Close()
	}
	pe.producer.Close()
	if kind == KindSession {
		if err := m.store.RemoveSessionProducer(ctx, pe.session, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			log.Warn().Err(err).Str("module", "app.session").Str("producer", string(id)).Msg("unpersist producer")
		}
	}
	log.Info().Str("module", "app.session").Str("session", string(pe.session)).Str("producer", string(id)).Msg("producer closed")
	return ProducerInfo{ID: id, Session: pe.session, Room: room, Kind: pe.producer.Kind()}, true, nil
}

func (m *Manager) dropProducer(ctx context.Context, id domain.ProducerID) {
	_, _, _ = m.CloseProducer(ctx, "", id)
}

// CloseConsumer is idempotent. An empty by skips the ownership check.
func (m *Manager) CloseConsumer(ctx context.Context, by domain.MemberID, id domain.ConsumerID) (bool, error) {
	var (
		ce        *consumerEntry
		forbidden bool
	)
	err := m.loop.Do(ctx, func() {
		ce = m.consumers[id]
		if ce == nil {
			return
		}
		if by != "" && ce.key.member != by {
			forbidden = true
			return
		}
		delete(m.consumers, id)
	})
	if err != nil || ce == nil {
		return false, err
	}
	if forbidden {
		return false, domain.ErrForbidden
	}
	ce.consumer.Close()
	return true, nil
}

// ToggleConsumer flips paused/resumed and returns the new paused state.
func (m *Manager) ToggleConsumer(ctx context.Context, by domain.MemberID, id domain.ConsumerID) (bool, error) {
	var ce *consumerEntry
	if err := m.loop.Do(ctx, func() { ce = m.consumers[id] }); err != nil {
		return false, err
	}
	if ce == nil {
		return false, domain.ErrConsumerNotFound
	}
	if by != "" && ce.key.member != by {
		return false, domain.ErrForbidden
	}
	c := ce.consumer
	if c.Paused() {
		if err := c.Resume(); err != nil {
			return true, domain.Upstream(fmt.Errorf("resume consumer: %w", err))
		}
		return false, nil
	}
	if err := c.Pause(); err != nil {
		return false, domain.Upstream(fmt.Errorf("pause consumer: %w", err))
	}
	return true, nil
}

type teardown struct {
	stream     Stream
	transports []core.Transport
	producers  []producerEntry
	consumers  []core.Consumer
}

// collect removes a live session and everything on it. Loop only.
func (m *Manager) collect(id domain.SessionID) *teardown {
	ls, ok := m.live[id]
	if !ok {
		return nil
	}
	delete(m.live, id)
	td := &teardown{stream: ls.stream}
	for key, te := range m.transports {
		if key.session == id {
			td.transports = append(td.transports, te.transport)
			delete(m.transports, key)
		}
	}
	for pid, pe := range m.producers {
		if pe.session == id {
			td.producers = append(td.producers, *pe)
			delete(m.producers, pid)
		}
	}
	for cid, ce := range m.consumers {
		if ce.key.session == id {
			td.consumers = append(td.consumers, ce.consumer)
			delete(m.consumers, cid)
		}
	}
	return td
}

func (m *Manager) release(ctx context.Context, td *teardown) {
	for _, c := range td.consumers {
		c.Close()
	}
	for _, p := range td.producers {
		p.producer.Close()
	}
	for _, t := range td.transports {
		t.Close()
	}
	m.routers.Release(ctx, td.stream.Room)
}

// CloseSession closes the session's transports and producers and ends it. Idempotent.
func (m *Manager) CloseSession(ctx context.Context, id domain.SessionID) (bool, error) {
	return m.closeIf(ctx, id, func(*liveSession) bool { return true })
}

// ReleaseOwner closes the session only while conn still owns it.
func (m *Manager) ReleaseOwner(ctx context.Context, id domain.SessionID, conn core.ConnID) (bool, error) {
	return m.closeIf(ctx, id, func(ls *liveSession) bool { return ls.owner == conn })
}

func (m *Manager) closeIf(ctx context.Context, id domain.SessionID, pred func(*liveSession) bool) (bool, error) {
	var (
		td      *teardown
		skipped bool
	)
	if err := m.loop.Do(ctx, func() {
		ls, ok := m.live[id]
		if ok && !pred(ls) {
			skipped = true
			return
		}
		td = m.collect(id)
	}); err != nil {
		return false, err
	}
	if skipped {
		return false, nil
	}
	kind := KindSession
	if td != nil {
		m.release(ctx, td)
		kind = td.stream.Kind
	}
	if kind == KindSession {
		if err := m.store.EndSession(ctx, id, time.Now()); err != nil && !errors.Is(err, domain.ErrNotFound) {
			log.Error().Err(err).Str("module", "app.session").Str("session", string(id)).Msg("end session")
			return td != nil, domain.Upstream(fmt.Errorf("end session: %w", err))
		}
	}
	if td != nil {
		log.Info().Str("module", "app.session").Str("session", string(id)).Int("producers", len(td.producers)).Msg("session closed")
	}
	return td != nil, nil
}

// CloseStream tears down a live stream without touching session records.
func (m *Manager) CloseStream(ctx context.Context, id domain.SessionID) bool {
	var td *teardown
	if err := m.loop.Do(ctx, func() { td = m.collect(id) }); err != nil || td == nil {
		return false
	}
	m.release(ctx, td)
	return true
}

// LeaveSessions detaches conn from the consuming set of each session. When it
// was the member's last watching connection there, the member leaves the set
// and its transport and consumers are closed. Sessions the member owns are untouched.
func (m *Manager) LeaveSessions(ctx context.Context, conn core.ConnID, member domain.MemberID, ids ...domain.SessionID) error {
	var (
		transports []core.Transport
		consumers  []core.Consumer
	)
	err := m.loop.Do(ctx, func() {
		for _, id := range ids {
			ls, ok := m.live[id]
			if !ok || ls.stream.Owner == member {
				continue
			}
			if conns, ok := ls.watchers[member]; ok {
				delete(conns, conn)
				if len(conns) > 0 {
					continue
				}
				delete(ls.watchers, member)
			}
			key := transportKey{session: id, member: member}
			if te, ok := m.transports[key]; ok {
				transports = append(transports, te.transport)
				delete(m.transports, key)
			}
			for cid, ce := range m.consumers {
				if ce.key == key {
					consumers = append(consumers, ce.consumer)
					delete(m.consumers, cid)
				}
			}
		}
	})
	if err != nil {
		return err
	}
	for _, c := range consumers {
		c.Close()
	}
	for _, t := range transports {
		t.Close()
	}
	return nil
}

// Stats resolves a producer or consumer of a live session in room as a stats source.
func (m *Manager) Stats(ctx context.Context, room domain.RoomID, kind string, id string) (core.StatsSource, error) {
	var src core.StatsSource
	err := m.loop.Do(ctx, func() {
		var (
			session domain.SessionID
			cand    core.StatsSource
		)
		switch kind {
		case "producer":
			if pe, ok := m.producers[domain.ProducerID(id)]; ok {
				session, cand = pe.session, pe.producer
			}
		case "consumer":
			if ce, ok := m.consumers[domain.ConsumerID(id)]; ok {
				session, cand = ce.key.session, ce.consumer
			}
		}
		if ls, ok := m.live[session]; ok && ls.stream.Room == room {
			src = cand
		}
	})
	if err != nil {
		return nil, err
	}
	if src == nil {
		if kind == "producer" {
			return nil, domain.ErrProducerNotFound
		}
		return nil, domain.ErrConsumerNotFound
	}
	return src, nil
}

// Owner returns the connection owning a live session.
func (m *Manager) Owner(ctx context.Context, id domain.SessionID) (core.ConnID, bool) {
	var owner core.ConnID
	_ = m.loop.Do(ctx, func() {
		if ls, ok := m.live[id]; ok {
			owner = ls.owner
		}
	})
	return owner, owner != ""
}

// Watchers lists members consuming a live session.
func (m *Manager) Watchers(ctx context.Context, id domain.SessionID) []domain.MemberID {
	var out []domain.MemberID
	_ = m.loop.Do(ctx, func() {
		if ls, ok := m.live[id]; ok {
			for member := range ls.watchers {
				out = append(out, member)
			}
		}
	})
	return out
}

// Producers lists the producers open on a live session.
func (m *Manager) Producers(ctx context.Context, id domain.SessionID) []domain.ProducerID {
	var out []domain.ProducerID
	_ = m.loop.Do(ctx, func() {
		if ls, ok := m.live[id]; ok {
			for p := range ls.producers {
				out = append(out, p)
			}
		}
	})
	return out
}

// Counts reports registry sizes: live sessions, transports, producers, consumers.
func (m *Manager) Counts(ctx context.Context) (sessions, transports, producers, consumers int) {
	_ = m.loop.Do(ctx, func() {
		sessions, transports = len(m.live), len(m.transports)
		producers, consumers = len(m.producers), len(m.consumers)
	})
	return
}
