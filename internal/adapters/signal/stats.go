package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/core"
	"github.com/rs/zerolog/log"
)

type statsKey struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type statsSub struct {
	cancel context.CancelFunc
}

type statsUpdate struct {
	statsKey
	Stats core.MediaStats `json:"stats"`
}

func (ctl *SignalWSController) handleStatsSubscribe(ctx context.Context, cl *client, data json.RawMessage) (any, error) {
	var k statsKey
	if err := decode(data, &k); err != nil {
		return nil, err
	}
	if k.Kind != "producer" && k.Kind != "consumer" {
		return nil, fmt.Errorf("kind %q: %w", k.Kind, errBadRequest)
	}
	if err := required("id", k.ID); err != nil {
		return nil, err
	}
	src, err := ctl.Orch.ObserveStats(ctx, cl.id(), k.Kind, k.ID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(cl.ctx)
	sub := &statsSub{cancel: cancel}
	cl.mu.Lock()
	if prev, ok := cl.stats[k]; ok {
		prev.cancel()
	}
	cl.stats[k] = sub
	cl.mu.Unlock()

	ctl.streams.Add(1)
	go ctl.streamStats(sctx, sub, cl, k, src)
	return k, nil
}

// StatsStreams reports how many stats subscriptions are running.
func (ctl *SignalWSController) StatsStreams() int { return int(ctl.streams.Load()) }

func (ctl *SignalWSController) streamStats(ctx context.Context, sub *statsSub, cl *client, k statsKey, src core.StatsSource) {
	defer ctl.streams.Add(-1)
	defer sub.cancel()
	err := orch.StreamStats(ctx, src, ctl.cfg.StatsInterval, func(s core.MediaStats) error {
		frame, err := core.EncodeEvent("stats_update", statsUpdate{statsKey: k, Stats: s})
		if err != nil {
			return err
		}
		if err := cl.conn.TrySend(frame); errors.Is(err, core.ErrConnClosed) {
			return err
		}
		return nil
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrConnClosed) {
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(cl.id())).Msg("stats stream")
	}
	cl.mu.Lock()
	if cl.stats[k] == sub {
		delete(cl.stats, k)
	}
	cl.mu.Unlock()
	if frame, err := core.EncodeEvent("stats_end", k); err == nil {
		_ = cl.conn.TrySend(frame)
	}
}

func (ctl *SignalWSController) handleStatsUnsubscribe(_ context.Context, cl *client, data json.RawMessage) (any, error) {
	var k statsKey
	if err := decode(data, &k); err != nil {
		return nil, err
	}
	cl.mu.Lock()
	sub, ok := cl.stats[k]
	delete(cl.stats, k)
	cl.mu.Unlock()
	if ok {
		sub.cancel()
	}
	return struct {
		statsKey
		Subscribed bool `json:"subscribed"`
	}{k, ok}, nil
}

func (cl *client) stopStats() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for k, sub := range cl.stats {
		sub.cancel()
		delete(cl.stats, k)
	}
}
