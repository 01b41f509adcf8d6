package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dkeye/huddle/internal/adapters/auth"
	router "github.com/dkeye/huddle/internal/adapters/http"
	"github.com/dkeye/huddle/internal/adapters/rtc"
	wsignal "github.com/dkeye/huddle/internal/adapters/signal"
	"github.com/dkeye/huddle/internal/adapters/storage/memory"
	"github.com/dkeye/huddle/internal/adapters/storage/sqlite"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/admission"
	"github.com/dkeye/huddle/internal/app/loop"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/app/presentation"
	"github.com/dkeye/huddle/internal/app/roles"
	"github.com/dkeye/huddle/internal/app/routers"
	"github.com/dkeye/huddle/internal/app/session"
	"github.com/dkeye/huddle/internal/app/workers"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "huddle",
		Short:         "WebRTC signaling and session server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := run(cmd.Context(), cmd.Flags())
			if err != nil {
				log.Error().Err(err).Msg("server failed")
			}
			return err
		},
	}
	config.Flags(serve.Flags())
	root.AddCommand(serve)
	return root
}

func openStore(ctx context.Context, cfg config.StorageConfig) (core.Store, error) {
	if cfg.Driver == "sqlite" {
		return sqlite.Open(ctx, cfg.DSN)
	}
	return memory.New(), nil
}

func iceServers(in []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		out = append(out, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	return out
}

func run(parent context.Context, fs *pflag.FlagSet) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.ServerID == "" {
		cfg.ServerID, _ = os.Hostname()
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	authn, err := auth.NewJWT(auth.Config{Secret: cfg.Auth.Secret, Issuer: cfg.Auth.Issuer, Audience: cfg.Auth.Audience})
	if err != nil {
		return err
	}

	pool := workers.NewPool(rtc.NewWorkerFactory(rtc.Config{
		MinPort:      cfg.Media.RTCMinPort,
		MaxPort:      cfg.Media.RTCMaxPort,
		AnnouncedIPs: cfg.Media.AnnouncedIPs,
	}), cfg.Media.WorkerCap)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start media workers: %w", err)
	}
	defer pool.Shutdown()

	// stopped only after the connections drain
	lctx, lcancel := context.WithCancel(context.Background())
	defer lcancel()
	l := loop.New(256)
	go l.Run(lctx)

	reg := routers.New(l, pool, core.DefaultCodecProfile(), cfg.Router.IdleTTL)
	sessions := session.NewManager(session.Config{
		ServerID:   cfg.ServerID,
		StaleAfter: cfg.Session.StaleAfter,
		ICEServers: iceServers(cfg.Media.ICEServers),
	}, l, reg, store)
	adm := admission.New(l, store, cfg.Admission.PendingTimeout)

	o := &orch.Orchestrator{
		Conns:         app.NewRegistry(),
		Hub:           app.NewHub(),
		Policy:        app.SimplePolicy{},
		Roles:         roles.New(store),
		Rooms:         store,
		Sessions:      sessions,
		Admission:     adm,
		Presentations: presentation.New(l, store, sessions),
		StatsInterval: cfg.Stats.Interval,
	}
	adm.OnExpire(o.AdmissionExpired)

	ctl := wsignal.NewSignalWSController(o, authn, wsignal.Config{
		ReadLimit:        cfg.WS.ReadLimit,
		PingPeriod:       cfg.WS.PingPeriod,
		PongWait:         cfg.WS.PongWait,
		WriteWait:        cfg.WS.WriteWait,
		SendBuffer:       cfg.WS.SendBuffer,
		RateLimit:        cfg.Rate.Limit,
		RateInterval:     cfg.Rate.Interval,
		OperationTimeout: cfg.Media.OperationTimeout,
		StatsInterval:    cfg.Stats.Interval,
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
	})

	r := router.SetupRouter(ctx, cfg, o, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("server_id", cfg.ServerID).Int("workers", pool.Size()).Msg("huddle server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	for _, c := range o.Conns.Snapshot() {
		o.Kick(c.ID)
	}
	for o.Conns.Len() > 0 && shutdownCtx.Err() == nil {
		time.Sleep(20 * time.Millisecond)
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
