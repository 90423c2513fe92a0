package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/KiraraGho/valutatrade-hub/config"
	"github.com/KiraraGho/valutatrade-hub/internal/cli"
	"github.com/KiraraGho/valutatrade-hub/internal/currency"
	"github.com/KiraraGho/valutatrade-hub/internal/ledger"
	"github.com/KiraraGho/valutatrade-hub/internal/quote"
	"github.com/KiraraGho/valutatrade-hub/internal/source"
	"github.com/KiraraGho/valutatrade-hub/internal/source/coingecko"
	"github.com/KiraraGho/valutatrade-hub/internal/source/exchangerate"
	"github.com/KiraraGho/valutatrade-hub/internal/storage"
	"github.com/KiraraGho/valutatrade-hub/internal/updater"
	"github.com/KiraraGho/valutatrade-hub/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	watch := flag.Bool("watch", false, "Refresh rates periodically in the background")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Error("Failed to load configuration")
			os.Exit(1)
		}
		log.WithFields(logger.Fields{"path": *configPath}).Info("no config file, using defaults")
		cfg = config.Default()
	}

	logger.Init(logger.Options{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.File.Path,
		MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
		MaxBackups: cfg.Logging.File.MaxBackups,
		MaxAgeDays: cfg.Logging.File.MaxAgeDays,
	})
	log = logger.GetLogger()

	log.WithFields(logger.Fields{
		"service": cfg.Valutatrade.Name,
		"version": cfg.Valutatrade.Version,
	}).Info("starting valutatrade hub")

	store := storage.New(cfg.Storage)
	if err := store.Ensure(); err != nil {
		log.WithError(err).Error("Failed to prepare data directory")
		os.Exit(1)
	}

	registry := currency.DefaultRegistry()

	var sources []source.Source
	if cfg.Sources.CoinGecko.Enabled {
		sources = append(sources, coingecko.New(cfg.Sources.CoinGecko, cfg.Rates.BaseCurrency, cfg.Rates.RequestTimeout()))
	}
	if cfg.Sources.ExchangeRate.Enabled {
		sources = append(sources, exchangerate.New(cfg.Sources.ExchangeRate, cfg.Rates.BaseCurrency, cfg.Rates.RequestTimeout()))
	}

	upd := updater.New(cfg, store, registry, sources...)
	quotes := quote.NewReader(store, registry, cfg.Rates.TTL())
	accounts := ledger.New(store, quotes, registry, cfg.Rates.BaseCurrency)
	shell := cli.New(accounts, quotes, upd, registry, os.Stdin, os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *watch {
		go upd.RunPeriodic(ctx, cfg.Rates.UpdateInterval())
	}

	shellDone := make(chan error, 1)
	go func() {
		shellDone <- shell.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
	case err := <-shellDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("shell exited with error")
			os.Exit(1)
		}
	}

	log.Info("valutatrade hub stopped")
}
