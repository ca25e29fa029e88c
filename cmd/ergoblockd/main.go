package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"ergoblock/internal/atproto"
	"ergoblock/internal/audit"
	"ergoblock/internal/bus"
	"ergoblock/internal/database/boltstore"
	"ergoblock/internal/email"
	"ergoblock/internal/firehose"
	"ergoblock/internal/handlers"
	"ergoblock/internal/metrics"
	"ergoblock/internal/moderation"
	"ergoblock/internal/notify"
	"ergoblock/internal/postcontext"
	"ergoblock/internal/routing"
	"ergoblock/internal/scheduler"
	"ergoblock/internal/syncer"
	"ergoblock/internal/tracing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure zerolog
	// Set log level from environment (default: info)
	logLevel := os.Getenv("LOG_LEVEL")
	switch logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Use pretty console logging in development, JSON in production
	if os.Getenv("LOG_FORMAT") == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	log.Info().Msg("Starting ergoblock daemon")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing is opt-in; without a collector the exporter just fails
	// quietly in the background, so only wire it when asked for.
	if os.Getenv("OTEL_TRACING_ENABLED") == "true" {
		tp, err := tracing.Init(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Tracer shutdown failed")
			}
		}()
		log.Info().Msg("Tracing initialized")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "18920"
	}

	dbPath := os.Getenv("ERGOBLOCK_DB_PATH")
	if dbPath == "" {
		// Default to XDG data directory or home directory for development
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to get home directory")
			}
			dataDir = filepath.Join(home, ".local", "share")
		}
		dbPath = filepath.Join(dataDir, "ergoblock", "ergoblock.db")
	}

	store, err := boltstore.Open(boltstore.Options{
		Path: dbPath,
	})
	if err != nil {
		log.Fatal().Err(err).Str("path", dbPath).Msg("Failed to open database")
	}
	defer store.Close()

	log.Info().Str("path", dbPath).Msg("Database opened")

	// Specialized stores
	sessions := store.SessionStore()
	entries := store.EntryStore()
	history := store.HistoryStore()
	contexts := store.ContextStore()
	state := store.StateStore()
	graph := store.GraphStore()

	// Allow signing in non-interactively with an app password from the
	// environment; otherwise the stored session (if any) is used and the
	// control API's login endpoint handles the rest.
	if identifier := os.Getenv("ERGOBLOCK_IDENTIFIER"); identifier != "" {
		host := os.Getenv("ERGOBLOCK_PDS_HOST")
		if host == "" {
			host = "https://bsky.social"
		}
		sess, err := atproto.Login(ctx, host, identifier, os.Getenv("ERGOBLOCK_APP_PASSWORD"))
		if err != nil {
			log.Fatal().Err(err).Str("identifier", identifier).Msg("Login failed")
		}
		if err := sessions.SaveSession(ctx, sess); err != nil {
			log.Fatal().Err(err).Msg("Failed to persist session")
		}
		if err := state.SetAuthValid(ctx, true); err != nil {
			log.Warn().Err(err).Msg("Failed to record auth status")
		}
		log.Info().Str("did", sess.DID).Str("handle", sess.Handle).Msg("Signed in")
	}

	session, err := sessions.LoadSession(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load session")
	}

	if valid, err := state.GetAuthValid(ctx); err == nil {
		if valid && session != nil {
			metrics.AuthValid.Set(1)
		} else {
			metrics.AuthValid.Set(0)
		}
	}

	// Core services
	client := atproto.NewClient(sessions)
	public := atproto.NewPublicClient()
	badge := &metrics.GaugeBadge{}

	sinks := notify.Multi{&notify.LogNotifier{}}
	if host := os.Getenv("ERGOBLOCK_SMTP_HOST"); host != "" {
		smtpPort, _ := strconv.Atoi(os.Getenv("ERGOBLOCK_SMTP_PORT"))
		if smtpPort == 0 {
			smtpPort = 587
		}
		sender := email.NewSender(email.Config{
			Host: host,
			Port: smtpPort,
			User: os.Getenv("ERGOBLOCK_SMTP_USER"),
			Pass: os.Getenv("ERGOBLOCK_SMTP_PASS"),
			From: os.Getenv("ERGOBLOCK_SMTP_FROM"),
			To:   os.Getenv("ERGOBLOCK_NOTIFY_EMAIL"),
		})
		if sender.Enabled() {
			sinks = append(sinks, &notify.EmailNotifier{Sender: sender})
			log.Info().Str("host", host).Msg("Email notifications enabled")
		}
	}
	notifier := &notify.Gated{
		Inner: sinks,
		State: state,
	}

	service := moderation.NewService(client, entries, history, badge, state)
	service.RecomputeBadge(ctx)

	var userDID, userHandle string
	if session != nil {
		userDID = session.DID
		userHandle = session.Handle
	}

	finder := postcontext.NewFinder(public, contexts, userDID, userHandle)
	sync := syncer.New(client, entries, state, contexts, service, finder)
	auditor := audit.New(client, graph, state, userDID)
	sched := scheduler.New(entries, contexts, state, service, notifier)

	// Expiration timer
	go sched.Run(ctx)
	log.Info().Msg("Expiration scheduler started")

	// Coarse sync timer
	go sync.Run(ctx, syncer.DefaultInitialDelay, syncer.DefaultInterval)
	log.Info().
		Dur("interval", syncer.DefaultInterval).
		Dur("initial_delay", syncer.DefaultInitialDelay).
		Msg("Sync timer started")

	// Jetstream watcher catches blocks deleted from other clients between
	// sync runs. It needs a signed-in DID to filter on.
	var watcher *firehose.Watcher
	if userDID != "" && os.Getenv("ERGOBLOCK_FIREHOSE_DISABLED") != "true" {
		watcher = firehose.NewWatcher(firehose.DefaultConfig(), userDID, entries, service)
		watcher.Start(ctx)
		defer watcher.Stop()
		log.Info().Str("did", userDID).Msg("Jetstream watcher started")
	}

	// Control surface
	var reporter bus.ConnectionReporter
	if watcher != nil {
		reporter = watcher
	}
	b := bus.New(service, sync, auditor, sched, finder, client, entries, history, contexts, state, graph, reporter)
	h := handlers.NewHandler(b, sessions, state, contexts)

	handler := routing.SetupRouter(routing.Config{
		Handlers: h,
		Logger:   log.Logger,
	})

	server := &http.Server{
		Addr:    "127.0.0.1:" + port,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Server shutdown failed")
		}
	}()

	log.Info().
		Str("address", server.Addr).
		Str("database", dbPath).
		Msg("Starting control API")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed to start")
	}

	log.Info().Msg("Shut down")
}
