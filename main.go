package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"msgboard/broadcast"
	"msgboard/cleanup"
	"msgboard/config"
	"msgboard/handlers/api/attachments"
	"msgboard/handlers/api/events"
	"msgboard/handlers/api/messages"
	"msgboard/handlers/websocket"
	store "msgboard/messages"
	"msgboard/metrics"
	logMiddleware "msgboard/middleware"
	"msgboard/stores"
	"msgboard/upload"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	socketio "github.com/zishang520/socket.io/v2/socket"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type app struct {
	cfg      config.Config
	store    *store.Store
	coord    *upload.Coordinator
	hub      *broadcast.Hub
	backends *stores.Backends
}

func setupRouter(a *app, ioo *socketio.Server) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logMiddleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Content-Length", "Origin", "X-Requested-With"},
		AllowCredentials: !lo.Contains(a.cfg.AllowedOrigins, "*"),
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/messages", func(r chi.Router) {
			r.Get("/", messages.HandleList(a.store))
			r.Post("/", messages.HandleCreate(a.coord))
			r.Get("/latest", messages.HandleLatest(a.store))
			r.Delete("/{id}", messages.HandleDelete(a.store))
		})

		// Paths used by the first version of the board.
		r.Get("/message", messages.HandleList(a.store))
		r.Post("/message", messages.HandleCreate(a.coord))

		r.Get("/attachments/{id}", attachments.HandleGet(a.store, a.backends.Blobs))
		r.Head("/attachments/{id}", attachments.HandleGet(a.store, a.backends.Blobs))

		r.Get("/events", events.HandleSSE(a.hub))
		r.Get("/events/ws", events.HandleWebSocket(a.hub, checkOrigin(a.cfg.AllowedOrigins)))
	})

	r.Get("/healthz", events.HandleHealth(a.store, a.hub))
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/socket.io/", ioo.ServeHandler(nil))

	return r
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if lo.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || lo.ContainsBy(allowed, func(o string) bool {
			return strings.EqualFold(o, origin)
		})
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	listenAddress := flag.String("listen", cfg.Listen, "The address to listen on.")
	logLevel := flag.String("loglevel", cfg.LogLevel, "The log level (debug, info, warn, error).")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, cfg, *listenAddress); err != nil {
		logrus.WithError(err).Fatal("Server stopped")
	}
	logrus.Info("Shut down cleanly")
}

func run(ctx context.Context, cfg config.Config, listenAddress string) error {
	backends, err := stores.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer backends.Close()

	st, err := store.Open(ctx, backends.State, store.WithCapacity(cfg.MaxMessages))
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(
		broadcast.WithKeepAlive(cfg.KeepAliveInterval),
		broadcast.WithWriteTimeout(cfg.SinkWriteTimeout),
		broadcast.WithBuffer(cfg.SubscriberBuffer),
	)
	unfollow := hub.Follow(st)
	defer unfollow()

	cascade := cleanup.Attach(st, backends.Blobs)
	defer cascade.Wait()
	defer cascade.Detach()

	a := &app{
		cfg:   cfg,
		store: st,
		coord: upload.New(backends.Blobs, st, upload.Limits{
			MaxTextBytes:       cfg.MaxTextBytes,
			MaxAttachmentBytes: cfg.MaxAttachmentBytes,
		}),
		hub:      hub,
		backends: backends,
	}

	janitor := cleanup.NewJanitor(st, backends.Blobs,
		cleanup.WithGrace(cfg.SweepGrace),
		cleanup.WithInFlight(a.coord),
	)
	if err := janitor.Start(cfg.SweepSchedule); err != nil {
		return err
	}
	defer janitor.Stop()

	ioo := websocket.SetupSocketIO(st, a.coord, hub, websocket.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		MaxBufferSize:  cfg.MaxTextBytes + 64<<10,
	})

	srv := &http.Server{
		Addr:              listenAddress,
		Handler:           setupRouter(a, ioo),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		logrus.WithFields(logrus.Fields{
			"addr":           listenAddress,
			"capacity":       st.Capacity(),
			"max_text":       humanize.IBytes(uint64(cfg.MaxTextBytes)),
			"max_attachment": humanize.IBytes(uint64(cfg.MaxAttachmentBytes)),
		}).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutting down...")
		ioo.Close(nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Event streams only end once the hub closes them.
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
