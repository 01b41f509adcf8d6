package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dkeye/huddle/internal/adapters/auth"
	"github.com/dkeye/huddle/internal/adapters/signal"
	"github.com/dkeye/huddle/internal/adapters/storage/memory"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/loop"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/app/routers"
	"github.com/dkeye/huddle/internal/app/session"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/core/coretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type onePool struct{ w core.MediaWorker }

func (p onePool) Allocate() core.MediaWorker { return p.w }

func TestHealthzAndDeviceCookie(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := loop.New(8)
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	store := memory.New()
	reg := routers.New(l, onePool{coretest.NewWorker("w0")}, core.DefaultCodecProfile(), 0)
	o := &orch.Orchestrator{
		Conns:    app.NewRegistry(),
		Hub:      app.NewHub(),
		Rooms:    store,
		Sessions: session.NewManager(session.Config{ServerID: "srv"}, l, reg, store),
	}
	jwt, err := auth.NewJWT(auth.Config{Secret: "x"})
	require.NoError(t, err)
	cfg := &config.Config{Mode: "test", Secret: "cookie-secret"}
	r := SetupRouter(ctx, cfg, o, signal.NewSignalWSController(o, jwt, signal.DefaultConfig()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["connections"])

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, "huddle", cookies[0].Name)
}
