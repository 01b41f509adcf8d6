package rtc

import (
	"errors"
	"io"
	"sync"

	"github.com/dkeye/huddle/internal/app/sfu"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// trackSource drops interceptor attributes from TrackRemote reads.
type trackSource struct{ track *webrtc.TrackRemote }

func (s trackSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := s.track.ReadRTP()
	return pkt, err
}

type Producer struct {
	id        domain.ProducerID
	params    core.MediaParams
	transport *Transport
	receiver  *webrtc.RTPReceiver
	relay     *sfu.Relay

	once sync.Once
	done chan struct{}
}

func (p *Producer) ID() domain.ProducerID { return p.id }
func (p *Producer) Kind() core.MediaKind  { return p.params.Kind }
func (p *Producer) Done() <-chan struct{} { return p.done }
func (p *Producer) Stats() core.MediaStats {
	return p.relay.Stats()
}

func (p *Producer) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// RequestKeyframe sends a Picture Loss Indication to the sender.
func (p *Producer) RequestKeyframe() {
	if p.params.Kind != core.KindVideo || p.isClosed() {
		return
	}
	pli := &rtcp.PictureLossIndication{MediaSSRC: p.params.SSRC}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		log.Debug().Err(err).Str("module", "rtc.producer").Str("producer", string(p.id)).Msg("write PLI")
	}
}

func (p *Producer) Close() {
	p.once.Do(func() {
		close(p.done)
		p.transport.router.worker.relays.StopRelay(p.id)
		if err := p.receiver.Stop(); err != nil {
			log.Debug().Err(err).Str("module", "rtc.producer").Str("producer", string(p.id)).Msg("receiver stop")
		}
		p.transport.router.removeProducer(p.id)
		p.transport.forgetProducer(p.id)
	})
}

type Consumer struct {
	params    core.ConsumerParams
	producer  *Producer
	transport *Transport
	sender    *webrtc.RTPSender
	out       *sfu.OutTrack

	once sync.Once
	done chan struct{}
}

func (c *Consumer) ID() domain.ConsumerID         { return c.params.ID }
func (c *Consumer) ProducerID() domain.ProducerID { return c.params.ProducerID }
func (c *Consumer) Done() <-chan struct{}         { return c.done }
func (c *Consumer) Stats() core.MediaStats        { return c.out.Stats() }

func (c *Consumer) Params() core.ConsumerParams {
	p := c.params
	p.Paused = c.Paused()
	return p
}

func (c *Consumer) Paused() bool {
	return c.out.GetState() != sfu.TrackStateOk
}

func (c *Consumer) Pause() error {
	if c.out.GetState() == sfu.TrackStateDelete {
		return domain.ErrConsumerNotFound
	}
	c.out.MarkMuted()
	return nil
}

// Resume unmutes the stream and asks video producers for a keyframe.
func (c *Consumer) Resume() error {
	if c.out.GetState() == sfu.TrackStateDelete {
		return domain.ErrConsumerNotFound
	}
	c.out.MarkOk()
	c.producer.RequestKeyframe()
	return nil
}

// readRTCP forwards keyframe requests from the receiving client to the producer.
func (c *Consumer) readRTCP() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Debug().Err(err).Str("module", "rtc.consumer").Str("consumer", string(c.params.ID)).Msg("read RTCP")
			}
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.RequestKeyframe()
			}
		}
	}
}

func (c *Consumer) Close() {
	c.once.Do(func() {
		close(c.done)
		c.out.MarkDelete()
		if err := c.sender.Stop(); err != nil {
			log.Debug().Err(err).Str("module", "rtc.consumer").Str("consumer", string(c.params.ID)).Msg("sender stop")
		}
		c.transport.forgetConsumer(c.params.ID)
	})
}
