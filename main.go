package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shelfarr-project/shelfarr/cleanup"
	"github.com/shelfarr-project/shelfarr/downloaders"
	"github.com/shelfarr-project/shelfarr/indexers/prowlarr"
	"github.com/shelfarr-project/shelfarr/indexers/rss"
	"github.com/shelfarr-project/shelfarr/internal/config"
	"github.com/shelfarr-project/shelfarr/internal/db"
	"github.com/shelfarr-project/shelfarr/internal/handlers"
	"github.com/shelfarr-project/shelfarr/internal/notify"
	"github.com/shelfarr-project/shelfarr/library"
	"github.com/shelfarr-project/shelfarr/organizer"
	"github.com/shelfarr-project/shelfarr/queue"
	"github.com/shelfarr-project/shelfarr/requests"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	gdb, err := db.Pg(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	notifier := buildNotifier(cfg)

	var libraryClient *library.Client
	if cfg.Library.URL != "" {
		libraryClient, err = library.NewClient(cfg.Library.URL, cfg.Library.APIKey, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid library config")
		}
	}

	clientRouter := downloaders.NewRouter(gdb)
	searcher := prowlarr.New(cfg.Prowlarr.URL, cfg.Prowlarr.APIKey)

	q := queue.New()
	reqs := requests.NewService(gdb, cfg, q, clientRouter, searcher, organizer.New(cfg.Library.Path), libraryClient, notifier)
	reqs.RegisterJobs()

	cleaner := cleanup.New(gdb, cfg, clientRouter)
	q.Register(queue.JobCleanupSeededTorrents, queue.TypeConfig{
		Concurrency: 1,
		Priority:    90,
		Process: func(ctx context.Context, job *queue.Job) error {
			stats, err := cleaner.Run(ctx)
			if err != nil {
				return err
			}
			log.Info().
				Int("removed", stats.TorrentsRemoved).
				Int("seeding", stats.TorrentsKeptSeeding).
				Int("hard_deleted", stats.RequestsHardDeleted).
				Int("errors", stats.Errors).
				Msg("cleanup run finished")
			return nil
		},
	})

	poller := rss.NewPoller(gdb, cfg.RSS.Feeds, func(requestID uint) {
		if err := reqs.RetrySearch(context.Background(), requestID); err != nil {
			log.Warn().Err(err).Uint("request", requestID).Msg("feed match could not wake request")
		}
	})
	q.Register(queue.JobRSSPoll, queue.TypeConfig{
		Concurrency: 1,
		Priority:    80,
		Process: func(ctx context.Context, job *queue.Job) error {
			return poller.Poll(ctx)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q.Start(ctx)

	scheduler := cron.New()
	schedule := func(spec string, t queue.JobType) {
		if _, err := scheduler.AddFunc(spec, func() { q.Enqueue(t, nil, 0) }); err != nil {
			log.Fatal().Err(err).Str("job", string(t)).Msg("invalid schedule")
		}
	}
	schedule("* * * * *", queue.JobCheckProgress)
	schedule("*/5 * * * *", queue.JobReconcileRequests)
	schedule("*/10 * * * *", queue.JobLibraryMatch)
	schedule("*/15 * * * *", queue.JobRSSPoll)
	schedule("@hourly", queue.JobCleanupSeededTorrents)
	scheduler.Start()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	serv := handlers.NewService(cfg, gdb, reqs, clientRouter)
	serv.SetupRouter(router.Group("/api"))
	handlers.ServeStatic(router)

	srv := &http.Server{Addr: cfg.Listen, Handler: router}
	go func() {
		log.Info().Str("listen", cfg.Listen).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	<-scheduler.Stop().Done()
	q.Stop()
}

func buildNotifier(cfg *config.Config) notify.INotifier {
	if cfg.Telegram == nil {
		return notify.Noop{}
	}
	tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid telegram config")
	}
	return tg
}
