package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	codeBadRequest  = "bad_request"
	codeRateLimited = "rate_limited"
)

var errBadRequest = errors.New("bad request")

// envelope is every client frame.
type envelope struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type okReply struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	OK   bool   `json:"ok"`
	Data any    `json:"data,omitempty"`
}

type errorReply struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Request string `json:"request,omitempty"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// client is the per-connection state the gateway keeps next to the registry entry.
type client struct {
	ctx  context.Context
	conn *WsSignalConn
	// user is set once authenticated and keys the rate limiter.
	user domain.UserID

	mu    sync.Mutex
	stats map[statsKey]*statsSub
}

func newClient(ctx context.Context, conn *WsSignalConn) *client {
	return &client{ctx: ctx, conn: conn, stats: make(map[statsKey]*statsSub)}
}

func (cl *client) id() core.ConnID { return cl.conn.id }

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.cfg.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump write error")
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.cfg.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cl *client) {
	c := cl.conn
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(c.id)).Msg("readPump closing")
		cl.stopStats()
		ctl.Orch.Conns.Cancel(c.id)
		c.Close()
		dctx, cancel := context.WithTimeout(context.Background(), ctl.cfg.OperationTimeout)
		defer cancel()
		ctl.Orch.Disconnect(dctx, c.id)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
		ctl.handleSignal(cl, data)
	}
}

type handlerFunc func(ctx context.Context, cl *client, data json.RawMessage) (any, error)

func (ctl *SignalWSController) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"auth":                ctl.handleAuth,
		"ping":                ctl.handlePing,
		"assert_session":      ctl.handleAssertSession,
		"join_session":        ctl.handleJoinSession,
		"leave_session":       ctl.handleLeaveSession,
		"connect_transport":   ctl.handleConnectTransport,
		"create_producer":     ctl.handleCreateProducer,
		"close_producer":      ctl.handleCloseProducer,
		"create_consumer":     ctl.handleCreateConsumer,
		"close_consumer":      ctl.handleCloseConsumer,
		"toggle_consumer":     ctl.handleToggleConsumer,
		"approve_admission":   ctl.handleApproveAdmission,
		"pending_admissions":  ctl.handlePendingAdmissions,
		"create_presentation": ctl.handleCreatePresentation,
		"join_presentation":   ctl.handleJoinPresentation,
		"end_presentation":    ctl.handleEndPresentation,
		"stats_subscribe":     ctl.handleStatsSubscribe,
		"stats_unsubscribe":   ctl.handleStatsUnsubscribe,
	}
}

func (ctl *SignalWSController) handleSignal(cl *client, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		log.Warn().Str("module", "signal").Str("conn", string(cl.id())).Msg("bad json")
		ctl.sendError(cl, env, codeBadRequest, "malformed envelope")
		return
	}

	key := string(cl.id())
	if cl.user != "" {
		key = string(cl.user)
	}
	if !ctl.limiter.Allow(key) {
		ctl.sendError(cl, env, codeRateLimited, "too many messages")
		return
	}

	h, ok := ctl.handlers()[env.Type]
	if !ok {
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(cl, env, codeBadRequest, "unknown event type")
		return
	}

	ctx, cancel := context.WithTimeout(cl.ctx, ctl.cfg.OperationTimeout)
	defer cancel()
	res, err := h(ctx, cl, env.Data)
	if err != nil {
		code := domain.Code(err)
		if errors.Is(err, errBadRequest) {
			code = codeBadRequest
		}
		if code == "internal" || code == "upstream" {
			log.Error().Err(err).Str("module", "signal").Str("type", env.Type).Str("conn", string(cl.id())).Msg("request failed")
		}
		ctl.sendError(cl, env, code, err.Error())
		return
	}
	ctl.sendJSON(cl.conn, okReply{ID: env.ID, Type: env.Type, OK: true, Data: res})
}

// decode unmarshals a request payload into v.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%v: %w", err, errBadRequest)
	}
	return nil
}

func required(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s required: %w", name, errBadRequest)
	}
	return nil
}

func (ctl *SignalWSController) sendError(cl *client, env envelope, code, msg string) {
	ctl.sendJSON(cl.conn, errorReply{ID: env.ID, Type: "error", Request: env.Type, Error: code, Message: msg})
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); errors.Is(err, core.ErrBackpressure) {
		log.Warn().Str("module", "signal").Str("conn", string(c.id)).Msg("reply dropped, send buffer full")
	}
}
