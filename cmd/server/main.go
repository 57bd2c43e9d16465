package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"sockbridge/internal/bridge"
	"sockbridge/internal/config"
	"sockbridge/internal/handler"
	"sockbridge/internal/pool"
	"sockbridge/internal/supervisor"
	"sockbridge/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("SB_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(map[string]interface{}{
		"address":        cfg.Address(),
		"workers":        cfg.Workers.Count,
		"worker_command": cfg.Workers.Command,
		"pool_min":       cfg.Pool.MinSize,
		"pool_max":       cfg.Pool.MaxSize,
		"process":        getProcessInfo(),
	}).Info("Starting socket bridge")

	// supervisor → pool → bridge → HTTP surface
	sup := supervisor.New(cfg.Workers, log)
	connPool := pool.New(cfg.Pool, log)
	sup.AddListener(connPool)

	reqBridge := bridge.New(cfg.Bridge, cfg.Workers.MaxRequests, connPool, sup, log)

	proxy := handler.NewProxyHandler(reqBridge, cfg.Pool.MaxPayload, log)
	var static *handler.StaticHandler
	if cfg.Static.Enabled {
		static = handler.NewStaticHandler(cfg.Static.Dir, log)
		log.WithField("dir", cfg.Static.Dir).Info("Static file serving enabled")
	}
	admin := handler.NewAdminHandler(sup, connPool, reqBridge, log)

	router := handler.NewRouter(cfg, proxy, static, admin, log)

	server := &http.Server{
		Addr:         cfg.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if err := sup.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start worker supervisor")
	}
	connPool.Start()

	listener, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		log.WithError(err).Fatal("Failed to bind listen address")
	}
	if cfg.Server.MaxConns > 0 {
		listener = netutil.LimitListener(listener, cfg.Server.MaxConns)
		log.WithField("max_conns", cfg.Server.MaxConns).Info("Connection limit enabled")
	}

	go func() {
		log.WithField("address", cfg.Address()).Info("HTTP server listening")
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// stop accepting requests first, then drain the backend
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down HTTP server")
	}
	connPool.Close()
	sup.Stop()

	log.Info("Socket bridge stopped gracefully")
}
