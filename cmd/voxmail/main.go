package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"voxmail/internal/bot"
	"voxmail/internal/config"
	"voxmail/internal/events"
	"voxmail/internal/fault"
	"voxmail/internal/ipc"
	"voxmail/internal/mailer"
	"voxmail/internal/metrics"
	"voxmail/internal/monitor"
	"voxmail/internal/nlu"
	"voxmail/internal/proxy"
	"voxmail/internal/telegram"
	"voxmail/pkg/audioconv"
	"voxmail/pkg/stt"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func main() {
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	logLevel := cli.StringP("log", "l", "", "Log level, overrides LOG_LEVEL")
	cli.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Error("Failed to load config", "err", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		l, ok := logLevelMap[*logLevel]
		if !ok {
			log.Error("Unknown log level", "level", *logLevel)
			os.Exit(1)
		}
		level = l
	}
	logger := newLogger(cfg.Production(), level)
	log.SetDefault(logger)

	log.Info("Booting up", "env", cfg.Env)

	if err := run(cfg, logger); err != nil {
		log.Error("Fatal", "kind", fault.Kind(err), "err", err)
		os.Exit(1)
	}
	log.Info("Stopped")
}

func newLogger(production bool, level log.Level) *log.Logger {
	if production {
		return log.New(log.NewJSONHandler(os.Stdout, &log.HandlerOptions{Level: level}))
	}
	return log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.TempDir, 0o700); err != nil {
		return fmt.Errorf("temp dir: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Long polling needs a client timeout above the poll timeout; the OpenAI
	// calls carry their own per-request timeout.
	apiHTTP, err := proxy.NewClient(cfg.ProxyAddr, 0)
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	downloadHTTP, err := proxy.NewClient(cfg.ProxyAddr, cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	telegramHTTP, err := proxy.NewClient(cfg.ProxyAddr, 90*time.Second)
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	if cfg.ProxyAddr != "" {
		log.Debug("Using socks proxy", "proxy", cfg.ProxyAddr)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.OpenAIKey),
		option.WithHTTPClient(apiHTTP),
		option.WithMaxRetries(0),
	}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.OpenAIBaseURL))
	}
	api := openai.NewClient(opts...)

	transcriber := stt.NewClient(api, audioconv.NewTranscoder(cfg.FFmpegPath), stt.Config{
		Model:   cfg.TranscriptionModel,
		MaxSize: cfg.MaxFileSize,
		TempDir: cfg.TempDir,
		Timeout: cfg.RequestTimeout,
	}, logger)
	extractor := nlu.NewClient(api, nlu.Config{Model: cfg.ExtractionModel}, logger)

	mail, err := mailer.New(mailer.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		User:     cfg.SMTP.User,
		Password: cfg.SMTP.Password,
		Secure:   cfg.SMTP.Secure,
		From:     cfg.SMTP.From,
		Timeout:  cfg.RequestTimeout,
	}, logger)
	if err != nil {
		return err
	}
	verifyCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	err = mail.Verify(verifyCtx)
	cancel()
	if err != nil {
		return err
	}
	log.Debug("SMTP server reachable", "host", cfg.SMTP.Host)

	tg, err := telegram.New(telegram.Config{Token: cfg.TelegramToken}, telegramHTTP, logger)
	if err != nil {
		return err
	}

	publisher := events.NewPublisher(events.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
		Enabled: cfg.Kafka.Enabled,
	}, logger, m)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("Failed to close event publisher", "err", err)
		}
	}()
	hub := events.NewHub(logger, m)

	b := bot.New(bot.Config{
		TempDir:         cfg.TempDir,
		MaxConcurrent:   cfg.MaxConcurrent,
		ConfirmationTTL: cfg.ConfirmationTTL,
		MaxPending:      cfg.MaxPending,
	}, bot.Deps{
		Messenger:   tg,
		Transcriber: transcriber,
		Extractor:   extractor,
		Sender:      mail,
		// The download cap only bounds disk use; the transcription client
		// rejects files over MaxFileSize.
		Downloader:  bot.NewHTTPDownloader(downloadHTTP, 2*cfg.MaxFileSize),
		Events:      events.Multi{publisher, hub},
		Metrics:     m,
		Logger:      logger,
	})

	ctl, err := ipc.StartServer(cfg.ControlSocket, b.Control, logger)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	defer ctl.Close()

	mon := monitor.NewServer(":"+strconv.Itoa(cfg.Port), reg, hub, logger)
	mon.Start()

	var wg, polling sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); hub.Run(ctx) }()
	go func() { defer wg.Done(); b.Run(ctx) }()
	polling.Add(1)
	go func() { defer polling.Done(); tg.Run(ctx, b.HandleUpdate) }()

	mon.SetReady(true)
	log.Info("Boot up - successful", "bot", tg.Username(), "port", cfg.Port)

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mon.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		log.Warn("Monitor shutdown", "err", err)
	}

	polling.Wait()
	b.Shutdown()
	wg.Wait()
	return nil
}
