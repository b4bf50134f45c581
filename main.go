package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docsync-server/collab"
	"docsync-server/config"
	"docsync-server/core"
	"docsync-server/events"
	"docsync-server/feedback"
	"docsync-server/handlers/api/documents"
	feedbackapi "docsync-server/handlers/api/feedback"
	"docsync-server/handlers/api/rooms"
	"docsync-server/handlers/api/versions"
	"docsync-server/handlers/websocket"
	authmw "docsync-server/middleware"
	"docsync-server/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

type app struct {
	cfg         *config.Config
	store       core.DocumentStore
	scheduler   *collab.Scheduler
	registry    *collab.Registry
	broadcaster *collab.Broadcaster
	publisher   *events.KafkaPublisher
	processor   feedback.Processor
}

// allowedOrigin reports whether origin may make cross-origin requests,
// socket.io included: localhost on any port, tauri://localhost, or one of
// extra. A "*" entry allows every origin.
func allowedOrigin(origin string, extra []string) bool {
	if origin == "" {
		return false
	}
	for _, o := range extra {
		if o == origin || o == "*" {
			return true
		}
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	switch parsed.Scheme {
	case "http", "https":
		switch parsed.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
	case "tauri":
		return parsed.Hostname() == "localhost"
	}
	return false
}

func setupRouter(a *app) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	corsOptions := cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			return allowedOrigin(origin, a.cfg.CORSOrigins)
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	r.Use(cors.Handler(corsOptions))

	auth := authmw.AuthJWT([]byte(a.cfg.JWTSecret))
	versionStore, hasVersions := a.store.(core.VersionStore)

	r.Route("/api/documents", func(r chi.Router) {
		r.Get("/", documents.HandleList(a.store))
		r.With(auth).Post("/", documents.HandleCreate(a.store))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", documents.HandleGet(a.store, a.registry))
			if hasVersions {
				r.Get("/versions", versions.HandleListVersions(versionStore))
				r.With(auth).Post("/versions", versions.HandleCreateVersion(versionStore, a.scheduler))
			}
		})
	})

	if hasVersions {
		r.Route("/api/versions/{versionId}", func(r chi.Router) {
			r.Get("/", versions.HandleGetVersion(versionStore))
			r.With(auth).Delete("/", versions.HandleDeleteVersion(versionStore))
		})
		logrus.Info("Version API routes registered")
	} else {
		logrus.Warn("Version API not available - requires SQLite storage")
	}

	var tracker core.RoomTracker
	if t, ok := a.store.(core.RoomTracker); ok {
		tracker = t
	}
	r.Get("/api/rooms", rooms.HandleList(a.registry, tracker))

	if a.processor != nil {
		r.With(auth).Post("/api/feedback", feedbackapi.HandleFeedback(a.processor))
	}

	return r
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := stores.GetStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, store: store}
	a.scheduler = collab.NewScheduler(store, collab.SchedulerOptions{
		Workers:      cfg.PersistWorkers,
		WriteTimeout: cfg.PersistTimeout,
	})
	a.registry = collab.NewRegistry(store, a.scheduler)

	var publisher collab.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewSyncProducer(cfg.KafkaBrokers)
		if err != nil {
			logrus.WithError(err).WithField("brokers", cfg.KafkaBrokers).Error("Failed to connect to Kafka, change feed disabled")
		} else {
			a.publisher = events.NewKafkaPublisher(producer, cfg.KafkaTopic, events.KafkaOptions{
				MaxRetry: cfg.KafkaMaxRetry,
			})
			publisher = a.publisher
			logrus.WithField("topic", cfg.KafkaTopic).Info("Change feed enabled")
		}
	}
	a.broadcaster = collab.NewBroadcaster(a.registry, a.scheduler, publisher)

	if cfg.OpenAIAPIKey != "" {
		a.processor = feedback.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	} else {
		logrus.Warn("OPENAI_API_KEY not set, text feedback disabled")
	}
	return a, nil
}

// shutdown releases resources in dependency order: live sessions first,
// then pending writes, then the change feed and the store.
// mountSocketIO serves socket.io behind the router's CORS middleware.
func mountSocketIO(r chi.Router, a *app) *socketio.Server {
	ioo := websocket.SetupSocketIO(a.registry, a.broadcaster, websocket.Options{
		QueueSize: a.cfg.OutboundQueueSize,
		Suggester: a.processor,
	})
	r.Handle("/socket.io/", ioo.ServeHandler(nil))
	return ioo
}

func (a *app) shutdown(ioo *socketio.Server, srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	ioo.Close(nil)
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}

	a.registry.Flush()
	if err := a.scheduler.Close(ctx); err != nil {
		logrus.WithError(err).Error("Pending document writes were not flushed")
	}
	stats := a.scheduler.Stats()
	logrus.WithFields(logrus.Fields{
		"written":   stats.Written,
		"coalesced": stats.Coalesced,
		"failed":    stats.Failed,
	}).Info("Persistence stopped")

	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close change feed")
		}
	}
	if c, ok := a.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close store")
		}
	}
}

func main() {
	configFile := flag.String("config", "", "Path to an optional config file (yaml, json, toml)")
	logLevel := flag.String("loglevel", "", "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", "", "Set the server listen address")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to start")
	}

	r := setupRouter(a)
	ioo := mountSocketIO(r, a)

	srv := &http.Server{Addr: cfg.Listen, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.WithField("addr", cfg.Listen).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutting down...")
		a.shutdown(ioo, srv)
		return nil
	})

	if err := g.Wait(); err != nil {
		logrus.WithField("event", "start server").Fatal(err)
	}
}
