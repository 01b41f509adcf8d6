// Package signal is the websocket signaling gateway.
package signal

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int

	RateLimit    int
	RateInterval time.Duration

	// OperationTimeout bounds a single request.
	OperationTimeout time.Duration
	StatsInterval    time.Duration
	AllowedOrigins   []string
}

func DefaultConfig() Config {
	return Config{
		ReadLimit:        64 << 10,
		PingPeriod:       25 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        5 * time.Second,
		SendBuffer:       64,
		RateLimit:        50,
		RateInterval:     time.Second,
		OperationTimeout: 10 * time.Second,
		StatsInterval:    time.Second,
	}
}

type SignalWSController struct {
	Orch *orch.Orchestrator
	Auth core.Authenticator

	cfg      Config
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	// streams counts running stats subscriptions.
	streams atomic.Int64
}

func NewSignalWSController(o *orch.Orchestrator, auth core.Authenticator, cfg Config) *SignalWSController {
	ctl := &SignalWSController{
		Orch:    o,
		Auth:    auth,
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateInterval),
	}
	ctl.upgrader = websocket.Upgrader{CheckOrigin: ctl.checkOrigin}
	return ctl
}

func (ctl *SignalWSController) checkOrigin(r *http.Request) bool {
	if len(ctl.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range ctl.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// WsSignalConn is the core.SignalConnection over one websocket.
type WsSignalConn struct {
	id   core.ConnID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) ID() core.ConnID { return c.id }

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// bearer reads a credential presented at upgrade time.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer"))
	}
	return r.URL.Query().Get("token")
}

// HandleSignal upgrades the request and serves the connection until it closes.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	var (
		principal domain.Principal
		authed    bool
	)
	if tok := bearer(c.Request); tok != "" {
		p, err := ctl.Auth.Authenticate(c.Request.Context(), tok)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": domain.Code(err)})
			return
		}
		principal, authed = p, true
	}

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.cfg.ReadLimit)

	conn := &WsSignalConn{
		id:   core.ConnID(uuid.NewString()),
		conn: ws,
		send: make(chan core.Frame, ctl.cfg.SendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	device := c.GetString("device_token")
	ctl.Orch.Conns.Bind(conn, c.ClientIP(), device, cancel)
	log.Info().Str("module", "signal").Str("conn", string(conn.id)).Str("device", device).Msg("new WS connection")

	cl := newClient(ctx, conn)
	if authed {
		if err := ctl.Orch.Authenticated(conn.id, principal); err != nil {
			log.Error().Err(err).Str("module", "signal").Str("conn", string(conn.id)).Msg("bind principal")
		}
		cl.user = principal.UserID
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cl)
}
