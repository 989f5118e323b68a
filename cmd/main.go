package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"photoedit/internal/agent"
	"photoedit/internal/imagegen"
	"photoedit/internal/llm"
	"photoedit/internal/models"
	"photoedit/internal/persist"
	"photoedit/internal/server"
	"photoedit/internal/session"
	"photoedit/internal/storage"
	"photoedit/internal/tips"
)

const imageSystemPrompt = "You edit photos. Apply the instruction to the first image and return one image."

func newLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := models.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogFormat)
	slog.SetDefault(logger)

	db, err := storage.NewStorage(cfg.DatabaseURL, cfg.StoragePath, logger)
	if err != nil {
		logger.Error("failed to init storage", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Kafka producer
	producer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBroker),
		Topic:    cfg.KafkaTopic,
		Balancer: &kafka.Hash{},
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Persistence consumer applies commands to postgres in the background
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{cfg.KafkaBroker},
		Topic:   cfg.KafkaTopic,
		GroupID: "photoedit-persist-group",
	})
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		defer reader.Close()
		if err := persist.NewConsumer(reader, db, logger).Run(ctx); err != nil {
			logger.Error("persistence consumer stopped", "error", err)
		}
	}()

	sessions := session.NewStore(session.Options{TTL: cfg.Session.TTL, Logger: logger})
	go sessions.Run(ctx, cfg.Session.SweepInterval)

	var (
		chat    agent.ChatModel
		tipsSrc tips.Streamer
		synth   imagegen.Synthesizer
	)
	if cfg.MockAI {
		logger.Info("mock AI enabled")
		chat = agent.MockChat{Delay: 30 * time.Millisecond}
		tipsSrc = tips.Mock{Delay: 200 * time.Millisecond}
		synth = imagegen.Mock{Delay: 500 * time.Millisecond}
	} else {
		chatAPI := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, logger)
		imageAPI := llm.NewClient(cfg.Image.BaseURL, cfg.Image.APIKey, logger)
		chat = chatAPI
		tipsSrc = tips.NewLLMSource(chatAPI, cfg.LLM.TipsModel, logger)
		synth = imagegen.NewClient(imageAPI, cfg.Image.Model, imageSystemPrompt, cfg.Image.Timeout, logger)
	}

	runner := agent.NewRunner(chat, synth, agent.Options{
		Model:            cfg.LLM.Model,
		MaxTurnsChat:     cfg.Agent.MaxTurnsChat,
		MaxTurnsAnalysis: cfg.Agent.MaxTurnsAnalysis,
	}, logger)

	srv := server.NewServer(cfg, server.Deps{
		Agent:     runner,
		Tips:      tipsSrc,
		Images:    synth,
		Sessions:  sessions,
		Persister: persist.NewPublisher(producer),
		Projects:  db,
	}, logger)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	cancel()
	<-consumerDone
	if err := producer.Close(); err != nil {
		logger.Error("producer close", "error", err)
	}
}
