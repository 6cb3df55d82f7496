package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/twitch-gpt-bot-go/internal/config"
	"github.com/twitch-gpt-bot-go/internal/handlers"
	"github.com/twitch-gpt-bot-go/internal/i18n"
	"github.com/twitch-gpt-bot-go/internal/middleware"
	"github.com/twitch-gpt-bot-go/internal/platform/twitch"
	"github.com/twitch-gpt-bot-go/internal/services/ai"
	"github.com/twitch-gpt-bot-go/internal/services/analytics"
	"github.com/twitch-gpt-bot-go/internal/services/articles"
	"github.com/twitch-gpt-bot-go/internal/services/cache"
	configsvc "github.com/twitch-gpt-bot-go/internal/services/config"
	"github.com/twitch-gpt-bot-go/internal/services/history"
	"github.com/twitch-gpt-bot-go/internal/services/speech"
	"github.com/twitch-gpt-bot-go/internal/services/storage"
	"github.com/twitch-gpt-bot-go/internal/services/story"
	"github.com/twitch-gpt-bot-go/pkg/logger"
	"golang.org/x/sync/errgroup"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to chat and run the bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx)
		},
	}
}

// bootstrap loads the config snapshot and builds the logger every command
// needs.
func bootstrap() (*configsvc.Provider, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	// The provider owns reloads; the first read only configures the logger.
	provider, err := configsvc.NewProvider(configPath, config.LoadConfig, log)
	if err != nil {
		return nil, nil, err
	}
	return provider, log, nil
}

func newCompletionClient(cfg *config.Config, log *logrus.Logger) (*ai.Client, error) {
	completer, err := ai.NewOpenAICompleter(cfg.OpenAI, cfg.Completion.RequestTimeout, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion API client: %w", err)
	}
	return ai.NewClient(completer, ai.NewTiktokenCounter(log), ai.SettingsFromConfig(cfg), log), nil
}

func historyLimits(cfg *config.Config) map[history.QueueID]int {
	limits := make(map[history.QueueID]int, len(cfg.History.Limits))
	for name, n := range cfg.History.Limits {
		limits[history.QueueID(name)] = n
	}
	return limits
}

func run(ctx context.Context) error {
	provider, log, err := bootstrap()
	if err != nil {
		return err
	}
	cfg := provider.Current()

	log.WithFields(logrus.Fields{
		"channel": cfg.Twitch.Channel,
		"bot":     cfg.Twitch.BotUsername,
		"model":   cfg.OpenAI.Model,
	}).Info("Starting Twitch Bot...")

	// Initialize metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := middleware.NewMetrics(registry)

	client, err := newCompletionClient(cfg, log)
	if err != nil {
		return err
	}
	client.WithObserver(metrics)

	// Initialize storage
	storageManager, err := storage.NewManager(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer storageManager.Close()

	sink, err := analytics.NewSink(ctx, cfg.Analytics, log)
	if err != nil {
		return fmt.Errorf("failed to initialize analytics: %w", err)
	}
	defer sink.Close()
	buffer := analytics.NewBuffer(sink, cfg.Analytics.BatchSize, log).WithObserver(metrics)

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		return fmt.Errorf("failed to initialize i18n: %w", err)
	}

	store := history.NewStore(historyLimits(cfg), cfg.History.DefaultLimit)
	chatters := cache.NewChatters(cfg.Chatters, log)
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit, log)
	chat := twitch.NewClient(cfg.Twitch, log)

	pool := articles.NewPool(log)
	articlesDir := cfg.Articles.Directory
	if err := pool.Load(articlesDir); err != nil {
		log.WithError(err).Warn("Failed to load articles, stories start without one")
	}

	storyLoop := story.NewLoop(story.SettingsFromConfig(cfg), store, client, chat, storageManager, log).
		WithArticles(pool).
		WithSanitizer(middleware.NewSecurityMiddleware(log)).
		WithObserver(metrics)

	var speaker *speech.Speaker
	if cfg.Features.Sound {
		synth, err := speech.NewElevenLabs(cfg.Speech, log)
		if err != nil {
			return fmt.Errorf("failed to initialize speech: %w", err)
		}
		speaker = speech.NewSpeaker(synth, speech.NewFilePlayer(cfg.Speech.OutputDir, log), log)
		storyLoop.WithSpeaker(speaker)
	}

	provider.RegisterConfigChangeListener(func(next *config.Config) {
		storyLoop.UpdateSettings(story.SettingsFromConfig(next))
		if level, err := logrus.ParseLevel(next.Logging.Level); err == nil {
			log.SetLevel(level)
		}
		var err error
		if next.Articles.Directory == articlesDir {
			err = pool.Refresh()
		} else {
			articlesDir = next.Articles.Directory
			err = pool.Load(articlesDir)
		}
		if err != nil {
			log.WithError(err).Warn("Failed to reload articles")
		}
	})

	commandHandler := handlers.NewCommandHandler(
		provider,
		client,
		storyLoop,
		chat,
		store,
		chatters,
		rateLimiter,
		localizer,
		log,
	).WithObserver(metrics)

	messageHandler := handlers.NewMessageHandler(
		provider,
		store,
		chatters,
		buffer,
		commandHandler,
		log,
	).WithObserver(metrics)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return chat.Run(ctx, messageHandler)
	})
	if cfg.Features.Story {
		g.Go(func() error {
			return storyLoop.Run(ctx)
		})
	}
	if cfg.Monitoring.Metrics.Enabled {
		g.Go(func() error {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")
			return middleware.StartMetricsServer(ctx, cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path, registry)
		})
	}

	err = g.Wait()

	log.Info("Shutting down bot...")
	messageHandler.Wait()
	if speaker != nil {
		speaker.Wait()
	}
	if state, _ := storyLoop.State(); state == story.StateActive {
		if err := storyLoop.Stop(context.Background(), ""); err != nil {
			log.WithError(err).Error("Failed to archive running story")
		}
	}
	if err := buffer.Flush(context.Background()); err != nil {
		log.WithError(err).Error("Failed to flush analytics on shutdown")
	}
	chat.Close()

	log.Info("Bot stopped")
	return err
}
