package core

import (
	"context"
	"strings"
	"time"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == KindAudio || k == KindVideo }

type CodecCapability struct {
	Kind                 MediaKind `json:"kind"`
	MimeType             string    `json:"mimeType"`
	ClockRate            uint32    `json:"clockRate"`
	Channels             uint16    `json:"channels,omitempty"`
	SDPFmtpLine          string    `json:"sdpFmtpLine,omitempty"`
	PreferredPayloadType uint8     `json:"preferredPayloadType"`
}

// RTPCapabilities is both a router's codec profile and a client's receive capabilities.
type RTPCapabilities struct {
	Codecs []CodecCapability `json:"codecs"`
}

// Supports reports whether a codec with the given mime type is listed.
func (c RTPCapabilities) Supports(mimeType string) bool {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return true
		}
	}
	return false
}

// DefaultCodecProfile is the codec set every room router is created with.
func DefaultCodecProfile() RTPCapabilities {
	return RTPCapabilities{Codecs: []CodecCapability{
		{
			Kind:                 KindAudio,
			MimeType:             webrtc.MimeTypeOpus,
			ClockRate:            48000,
			Channels:             2,
			PreferredPayloadType: 111,
		},
		{
			Kind:                 KindVideo,
			MimeType:             webrtc.MimeTypeH264,
			ClockRate:            90000,
			SDPFmtpLine:          "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			PreferredPayloadType: 102,
		},
	}}
}

type TransportOptions struct {
	ID         domain.TransportID
	ICEServers []webrtc.ICEServer
}

// TransportParams is what a client needs to connect to a server-side transport.
type TransportParams struct {
	ID             domain.TransportID    `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// SecurityParams are the client-side counterparts supplied on connect.
type SecurityParams struct {
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// MediaParams describe a single RTP stream a client is about to send.
type MediaParams struct {
	Kind        MediaKind `json:"kind"`
	MimeType    string    `json:"mimeType"`
	ClockRate   uint32    `json:"clockRate"`
	Channels    uint16    `json:"channels,omitempty"`
	SDPFmtpLine string    `json:"sdpFmtpLine,omitempty"`
	PayloadType uint8     `json:"payloadType"`
	SSRC        uint32    `json:"ssrc"`
}

// ConsumerParams describe the RTP stream the server sends to a consumer.
type ConsumerParams struct {
	ID          domain.ConsumerID `json:"id"`
	ProducerID  domain.ProducerID `json:"producerId"`
	Kind        MediaKind         `json:"kind"`
	MimeType    string            `json:"mimeType"`
	ClockRate   uint32            `json:"clockRate"`
	Channels    uint16            `json:"channels,omitempty"`
	SDPFmtpLine string            `json:"sdpFmtpLine,omitempty"`
	PayloadType uint8             `json:"payloadType"`
	SSRC        uint32            `json:"ssrc"`
	Paused      bool              `json:"paused"`
}

type MediaStats struct {
	Packets   uint64    `json:"packets"`
	Bytes     uint64    `json:"bytes"`
	Dropped   uint64    `json:"dropped"`
	Timestamp time.Time `json:"timestamp"`
}

// StatsSource is a live media entity whose counters can be sampled.
type StatsSource interface {
	Stats() MediaStats
	// Done is closed when the entity closes.
	Done() <-chan struct{}
}

// MediaWorker is an opaque handle to a media-processing engine.
type MediaWorker interface {
	ID() string
	Closed() bool
	CreateRouter(ctx context.Context, profile RTPCapabilities) (Router, error)
	Close() error
}

// WorkerFactory starts the worker for a pool slot.
type WorkerFactory func(ctx context.Context, slot int) (MediaWorker, error)

// Router is a per-room media-routing context.
type Router interface {
	ID() string
	Capabilities() RTPCapabilities
	CreateTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	Close()
}

type Transport interface {
	ID() domain.TransportID
	Params() TransportParams
	// Connect is idempotent; it fails with domain.ErrTransportClosed after Close.
	Connect(ctx context.Context, sec SecurityParams) error
	Produce(ctx context.Context, params MediaParams) (Producer, error)
	Consume(ctx context.Context, producerID domain.ProducerID, caps RTPCapabilities) (Consumer, error)
	Closed() bool
	Close()
}

type Producer interface {
	StatsSource
	ID() domain.ProducerID
	Kind() MediaKind
	Close()
}

type Consumer interface {
	StatsSource
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Params() ConsumerParams
	Paused() bool
	Pause() error
	Resume() error
	Close()
}
