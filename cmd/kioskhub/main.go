package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kioskhub/kioskhub/internal/config"
	"github.com/kioskhub/kioskhub/internal/hub"
	"github.com/kioskhub/kioskhub/internal/shared"
	"github.com/kioskhub/kioskhub/internal/storage"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "./hub.config.json", "path to hub config file")
	flag.Parse()

	cfg, err := config.LoadHubConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := shared.NewLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded successfully",
		zap.String("config_path", *configPath),
		zap.Int("port", cfg.Server.Port),
	)

	db, err := storage.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("database ready", zap.String("path", cfg.Database.Path))

	hub.InitMetrics()

	srv, err := hub.NewServer(cfg, db, logger)
	if err != nil {
		logger.Error("failed to build server", zap.Error(err))
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		os.Exit(1)
	}

	var discordBot *hub.DiscordBot
	if token := cfg.Channels.Discord.BotToken; token != "" {
		bot, botErr := hub.NewDiscordBot(
			token,
			cfg.Channels.Discord.GuildID,
			cfg.Channels.Discord.AlertsChannel,
			srv.Coordinator(),
			srv.Hub(),
			srv.Bus(),
			logger,
		)
		if botErr != nil {
			logger.Error("failed to create discord bot", zap.Error(botErr))
		} else if startErr := bot.Start(); startErr != nil {
			logger.Error("failed to start discord bot", zap.Error(startErr))
		} else {
			discordBot = bot
			logger.Info("discord bot started")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown",
		zap.String("signal", sig.String()),
	)

	if discordBot != nil {
		if stopErr := discordBot.Stop(); stopErr != nil {
			logger.Error("error stopping discord bot", zap.Error(stopErr))
		}
	}

	if err := srv.Stop(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("kioskhub exited cleanly")
}
