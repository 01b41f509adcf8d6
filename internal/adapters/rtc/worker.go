// Package rtc implements the media worker on top of pion's ORTC API.
package rtc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dkeye/huddle/internal/app/sfu"
	"github.com/dkeye/huddle/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Config struct {
	MinPort      uint16
	MaxPort      uint16
	AnnouncedIPs []string
}

// NewWorkerFactory builds one Worker per pool slot.
func NewWorkerFactory(cfg Config) core.WorkerFactory {
	return func(_ context.Context, slot int) (core.MediaWorker, error) {
		return NewWorker(fmt.Sprintf("worker-%d", slot), cfg)
	}
}

// Worker owns the routers created on it and the relays of their producers.
type Worker struct {
	id       string
	settings webrtc.SettingEngine
	relays   *sfu.RelayManager

	mu      sync.Mutex
	routers map[string]*Router
	closed  atomic.Bool
}

func NewWorker(id string, cfg Config) (*Worker, error) {
	s := webrtc.SettingEngine{}
	s.SetLite(true)
	if cfg.MinPort > 0 && cfg.MaxPort >= cfg.MinPort {
		if err := s.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}
	if len(cfg.AnnouncedIPs) > 0 {
		s.SetNAT1To1IPs(cfg.AnnouncedIPs, webrtc.ICECandidateTypeHost)
	}
	log.Info().Str("module", "rtc.worker").Str("worker", id).Uint16("min_port", cfg.MinPort).Uint16("max_port", cfg.MaxPort).Msg("worker started")
	return &Worker{
		id:       id,
		settings: s,
		relays:   sfu.NewRelayManager(),
		routers:  make(map[string]*Router),
	}, nil
}

func (w *Worker) ID() string   { return w.id }
func (w *Worker) Closed() bool { return w.closed.Load() }

// CreateRouter registers the codec profile on a fresh media engine.
func (w *Worker) CreateRouter(_ context.Context, profile core.RTPCapabilities) (core.Router, error) {
	if w.Closed() {
		return nil, fmt.Errorf("worker %s closed", w.id)
	}
	m := &webrtc.MediaEngine{}
	for _, c := range profile.Codecs {
		kind := webrtc.NewRTPCodecType(string(c.Kind))
		if kind == 0 {
			return nil, fmt.Errorf("codec %s: unknown kind %q", c.MimeType, c.Kind)
		}
		params := webrtc.RTPCodecParameters{RTPCodecCapability: capability(c), PayloadType: webrtc.PayloadType(c.PreferredPayloadType)}
		if err := m.RegisterCodec(params, kind); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}

	r := newRouter(uuid.NewString(), w, webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(w.settings)), profile)
	w.mu.Lock()
	w.routers[r.id] = r
	w.mu.Unlock()
	log.Info().Str("module", "rtc.worker").Str("worker", w.id).Str("router", r.id).Msg("router created")
	return r, nil
}

func (w *Worker) forget(r *Router) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routers, r.id)
}

func (w *Worker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.mu.Lock()
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()
	for _, r := range routers {
		r.Close()
	}
	log.Info().Str("module", "rtc.worker").Str("worker", w.id).Int("routers", len(routers)).Msg("worker closed")
	return nil
}

func capability(c core.CodecCapability) webrtc.RTPCodecCapability {
	out := webrtc.RTPCodecCapability{
		MimeType:    c.MimeType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		SDPFmtpLine: c.SDPFmtpLine,
	}
	if c.Kind == core.KindVideo {
		out.RTCPFeedback = []webrtc.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "ccm", Parameter: "fir"}}
	}
	return out
}

func codecFor(profile core.RTPCapabilities, mimeType string) (core.CodecCapability, bool) {
	for _, c := range profile.Codecs {
		if strings.EqualFold(c.MimeType, mimeType) {
			return c, true
		}
	}
	return core.CodecCapability{}, false
}
