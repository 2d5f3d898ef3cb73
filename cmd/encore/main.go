package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"encore/internal/commands"
	"encore/internal/config"
	"encore/internal/database"
	"encore/internal/discord"
	"encore/internal/metadata"
	"encore/internal/ngrok"
	"encore/internal/player"
	"encore/internal/resolver"
	"encore/internal/server"
	"encore/internal/session"
	"encore/internal/voice"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration file")
	flag.Parse()

	// Initialize basic logger for startup
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Error loading configuration")
	}

	logFile, err := configureLogger(logger, cfg.Logging)
	if err != nil {
		logger.WithError(err).Fatal("Error configuring logging")
	}
	if logFile != nil {
		defer logFile.Close()
	}
	log := logrus.NewEntry(logger)

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.Path, log.WithField("component", "database"))
	if err != nil {
		log.WithError(err).Fatal("Error initializing database")
	}
	defer db.Close()

	// Media resolution: local library first, then yt-dlp for everything else
	extractor := metadata.NewExtractor(cfg.Resolver.SupportedFormats, log.WithField("component", "metadata"))
	local, err := resolver.NewLocalSource(cfg.Resolver.LibraryPath, extractor)
	if err != nil {
		log.WithError(err).Fatal("Error opening local library")
	}
	if _, err := os.Stat(cfg.Resolver.LibraryPath); os.IsNotExist(err) {
		log.WithField("library_path", cfg.Resolver.LibraryPath).Warn("Local library does not exist, file:// URLs will fail")
	}
	res := resolver.NewAdapter(resolver.Options{
		Timeout:       cfg.Playback.ResolveTimeout.Duration,
		MaxConcurrent: int64(cfg.Playback.MaxConcurrentLoad),
		CacheTTL:      cfg.Resolver.CacheTTL.Duration,
	}, log.WithField("component", "resolver"), local, resolver.NewYTDLPSource())
	defer res.Close()

	dg, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		log.WithError(err).Fatal("Error creating Discord session")
	}

	transport := voice.NewTransport(dg, voice.Options{
		FFmpegPath: cfg.Voice.FFmpegPath,
		Bitrate:    cfg.Voice.Bitrate,
	}, log.WithField("component", "voice"))

	sessions := session.NewManager(transport, res, session.Options{
		Queue:       player.Options{Prefetch: cfg.Playback.Prefetch},
		IdleTimeout: cfg.Playback.IdleTimeout.Duration,
	}, log.WithField("component", "session"))

	handler := commands.NewHandler(sessions, res, db, commandSettings(cfg), log.WithField("component", "commands"))
	bot := discord.NewBot(dg, handler, sessions, db, discord.Options{
		Presence: cfg.Discord.Presence,
	}, log.WithField("component", "discord"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := bot.Open(); err != nil {
		log.WithError(err).Fatal("Error connecting to Discord")
	}
	log.WithField("prefix", cfg.CommandPrefix()).Info("Encore is running")

	// Hot reload of the values that can change without a restart
	go func() {
		err := config.Watch(ctx, *configPath, log.WithField("component", "config"), func(updated *config.Config) {
			handler.UpdateSettings(commandSettings(updated))
			if level, err := logrus.ParseLevel(updated.Logging.Level); err == nil {
				logger.SetLevel(level)
			}
		})
		if err != nil {
			log.WithError(err).Warn("Config watcher stopped")
		}
	}()

	serverDone := make(chan struct{})
	if cfg.Server.Enabled {
		tunnel, err := ngrok.NewService(&cfg.Ngrok, log.WithField("component", "ngrok"))
		if err != nil {
			log.WithError(err).Warn("Ngrok service not available")
			tunnel = nil
		}
		status := server.NewStatusServer(cfg, sessions, db, tunnel, log.WithField("component", "server"))
		go func() {
			defer close(serverDone)
			if err := status.Run(ctx); err != nil {
				log.WithError(err).Error("Status server failed")
			}
		}()
	} else {
		close(serverDone)
	}

	<-ctx.Done()
	log.Info("Received shutdown signal")

	sessions.Close()
	if err := bot.Close(); err != nil {
		log.WithError(err).Warn("Error closing Discord session")
	}
	<-serverDone
	log.Info("Shutdown complete")
}

// commandSettings extracts the reloadable command settings from cfg.
func commandSettings(cfg *config.Config) commands.Settings {
	return commands.Settings{
		Prefix:         cfg.CommandPrefix(),
		PlaylistCap:    cfg.Playback.PlaylistCap,
		PageSize:       cfg.Playback.PageSize,
		AllowedSchemes: cfg.Resolver.AllowedSchemes,
	}
}

// configureLogger applies level, format and output from cfg. The returned
// file, if any, must be closed on exit.
func configureLogger(logger *logrus.Logger, cfg config.LoggingConfig) (*os.File, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.File == "" {
		return nil, nil
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, file))
	return file, nil
}
