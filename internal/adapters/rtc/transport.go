package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/huddle/internal/app/sfu"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transport is one ICE+DTLS association. The server side is ICE-lite and controlled.
type Transport struct {
	router   *Router
	params   core.TransportParams
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	logger   zerolog.Logger

	connectOnce sync.Once
	connected   chan struct{}
	closeOnce   sync.Once
	closed      chan struct{}

	mu        sync.Mutex
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
}

func newTransport(ctx context.Context, r *Router, opts core.TransportOptions) (*Transport, error) {
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice parameters: %w", err)
	}
	iceParams.ICELite = true
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice candidates: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls parameters: %w", err)
	}

	t := &Transport{
		router:   r,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		params: core.TransportParams{
			ID:             opts.ID,
			ICEParameters:  iceParams,
			ICECandidates:  candidates,
			DTLSParameters: dtlsParams,
		},
		logger:    log.With().Str("module", "rtc.transport").Str("transport", string(opts.ID)).Logger(),
		connected: make(chan struct{}),
		closed:    make(chan struct{}),
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
	t.logger.Debug().Int("candidates", len(candidates)).Msg("transport created")
	return t, nil
}

func (t *Transport) ID() domain.TransportID       { return t.params.ID }
func (t *Transport) Params() core.TransportParams { return t.params }

func (t *Transport) Closed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Connect starts ICE and DTLS in the background. Repeated calls are no-ops.
func (t *Transport) Connect(_ context.Context, sec core.SecurityParams) error {
	if t.Closed() {
		return domain.ErrTransportClosed
	}
	t.connectOnce.Do(func() { go t.start(sec) })
	return nil
}

func (t *Transport) start(sec core.SecurityParams) {
	role := webrtc.ICERoleControlled
	if err := t.ice.SetRemoteCandidates(sec.ICECandidates); err != nil {
		t.logger.Error().Err(err).Msg("remote candidates")
		t.Close()
		return
	}
	if err := t.ice.Start(nil, sec.ICEParameters, &role); err != nil {
		t.logger.Error().Err(err).Msg("ice start")
		t.Close()
		return
	}
	if err := t.dtls.Start(sec.DTLSParameters); err != nil {
		t.logger.Error().Err(err).Msg("dtls start")
		t.Close()
		return
	}
	close(t.connected)
	t.logger.Info().Msg("transport connected")
}

func (t *Transport) waitConnected(ctx context.Context) error {
	select {
	case <-t.connected:
		return nil
	case <-t.closed:
		return domain.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Produce waits for the DTLS handshake, then starts receiving the stream.
func (t *Transport) Produce(ctx context.Context, params core.MediaParams) (core.Producer, error) {
	if err := t.waitConnected(ctx); err != nil {
		return nil, err
	}
	kind := webrtc.NewRTPCodecType(string(params.Kind))
	if kind == 0 {
		return nil, fmt.Errorf("produce: unknown kind %q", params.Kind)
	}
	if _, ok := codecFor(t.router.caps, params.MimeType); !ok {
		return nil, fmt.Errorf("produce: codec %s not in router profile", params.MimeType)
	}

	recv, err := t.router.api.NewRTPReceiver(kind, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	err = recv.Receive(webrtc.RTPReceiveParameters{Encodings: []webrtc.RTPDecodingParameters{{
		RTPCodingParameters: webrtc.RTPCodingParameters{
			SSRC:        webrtc.SSRC(params.SSRC),
			PayloadType: webrtc.PayloadType(params.PayloadType),
		},
	}}})
	if err != nil {
		_ = recv.Stop()
		return nil, fmt.Errorf("receive: %w", err)
	}

	p := &Producer{
		id:        domain.ProducerID(uuid.NewString()),
		params:    params,
		transport: t,
		receiver:  recv,
		done:      make(chan struct{}),
	}
	p.relay = t.router.worker.relays.StartRelay(context.Background(), p.id, trackSource{recv.Track()})

	t.mu.Lock()
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.addProducer(p)
	if t.Closed() {
		p.Close()
		return nil, domain.ErrTransportClosed
	}
	t.logger.Info().Str("producer", string(p.id)).Str("kind", string(params.Kind)).Uint32("ssrc", params.SSRC).Msg("producer created")
	return p, nil
}

// Consume binds a paused outgoing stream to a producer of the same router.
func (t *Transport) Consume(_ context.Context, producerID domain.ProducerID, caps core.RTPCapabilities) (core.Consumer, error) {
	if t.Closed() {
		return nil, domain.ErrTransportClosed
	}
	p := t.router.producer(producerID)
	if p == nil || p.isClosed() {
		return nil, domain.ErrProducerNotFound
	}
	if !caps.Supports(p.params.MimeType) {
		return nil, fmt.Errorf("consume: client cannot receive %s", p.params.MimeType)
	}
	codec, _ := codecFor(t.router.caps, p.params.MimeType)

	id := domain.ConsumerID(uuid.NewString())
	track, err := webrtc.NewTrackLocalStaticRTP(capability(codec), string(id), string(producerID))
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("send: %w", err)
	}

	ot := sfu.NewOutTrack(track)
	c := &Consumer{
		params: core.ConsumerParams{
			ID:          id,
			ProducerID:  producerID,
			Kind:        p.params.Kind,
			MimeType:    codec.MimeType,
			ClockRate:   codec.ClockRate,
			Channels:    codec.Channels,
			SDPFmtpLine: codec.SDPFmtpLine,
			PayloadType: codec.PreferredPayloadType,
			SSRC:        uint32(sendParams.Encodings[0].SSRC),
		},
		producer:  p,
		transport: t,
		sender:    sender,
		out:       ot,
		done:      make(chan struct{}),
	}
	if !t.router.worker.relays.AddSubscriber(producerID, id, ot) {
		_ = sender.Stop()
		return nil, domain.ErrProducerNotFound
	}
	t.mu.Lock()
	t.consumers[id] = c
	t.mu.Unlock()
	go c.readRTCP()

	t.logger.Debug().Str("consumer", string(id)).Str("producer", string(producerID)).Msg("consumer created")
	return c, nil
}

func (t *Transport) forgetProducer(id domain.ProducerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

func (t *Transport) forgetConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)

		t.mu.Lock()
		producers := make([]*Producer, 0, len(t.producers))
		for _, p := range t.producers {
			producers = append(producers, p)
		}
		consumers := make([]*Consumer, 0, len(t.consumers))
		for _, c := range t.consumers {
			consumers = append(consumers, c)
		}
		t.mu.Unlock()

		for _, c := range consumers {
			c.Close()
		}
		for _, p := range producers {
			p.Close()
		}
		if err := t.dtls.Stop(); err != nil {
			t.logger.Debug().Err(err).Msg("dtls stop")
		}
		if err := t.ice.Stop(); err != nil {
			t.logger.Debug().Err(err).Msg("ice stop")
		}
		if err := t.gatherer.Close(); err != nil {
			t.logger.Debug().Err(err).Msg("gatherer close")
		}
		t.router.removeTransport(t.params.ID)
		t.logger.Info().Msg("transport closed")
	})
}
