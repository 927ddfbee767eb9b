package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"refchain/config"
	"refchain/core"
	"refchain/observability/logging"
	"refchain/refdb"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	logger := logging.Setup("refd", cfg.NetworkName, logging.ParseLevel(cfg.LogLevel))

	db, err := cfg.OpenDatabase()
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	store := refdb.NewReferralStore(db)
	engine, err := core.NewEngine(store, cfg.Params(), logger)
	if err != nil {
		logger.Error("Failed to start referral engine", slog.Any("error", err))
		os.Exit(1)
	}
	entrants, err := engine.LotteryWinners()
	if err != nil {
		logger.Error("Failed to read lottery reservoir", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Lottery reservoir loaded", "entrants", len(entrants))

	if addr := strings.TrimSpace(cfg.MetricsAddress); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server stopped", slog.Any("error", err))
			}
		}()
		logger.Info("Metrics server listening", "address", addr)
	}

	logger.Info("Referral node started",
		"network", cfg.NetworkName,
		"data_dir", cfg.DataDir,
		"db_backend", cfg.DBBackend)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutting down")
}
