package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sua-platform/logstream/core"
	"github.com/sua-platform/logstream/pkg/auth"
	"github.com/sua-platform/logstream/server"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file (YAML)")
	flag.Parse()

	var config *core.Config
	var err error

	if *configFile != "" {
		config, err = core.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Error loading config file: %v", err)
		}
		log.Printf("Loaded configuration from %s", *configFile)
	} else {
		config = core.DefaultConfig()
		config.ApplyEnv()
		log.Println("Using default configuration")
	}

	registry := prometheus.NewRegistry()
	metrics := core.NewPipelineMetrics(registry)

	ctx := context.Background()
	store, err := core.NewStore(ctx, config.Database, metrics)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer store.Close()

	broker := core.NewConnManager(config.Broker)
	defer broker.Close()

	drainer := core.NewDrainConsumer(broker, store, config.Drain,
		core.WithDrainMetrics(metrics))

	keys := auth.NewAPIKeyManager()
	if err := keys.LoadKeys(config.Auth.Keys); err != nil {
		log.Fatalf("Failed to load API keys: %v", err)
	}
	authMW := auth.NewMiddleware(keys, config.Auth.Enabled)

	// Rotate API keys when the config file changes, without a restart.
	var watcher *core.ConfigWatcher
	if *configFile != "" {
		watcher, err = core.NewConfigWatcher(*configFile, func(next *core.Config) {
			if err := keys.ReplaceKeys(next.Auth.Keys); err != nil {
				log.Printf("API key reload failed: %v", err)
				return
			}
			log.Printf("API keys reloaded (%d keys)", len(next.Auth.Keys))
		})
		if err != nil {
			log.Printf("Config watcher disabled: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	srv := server.New(config.Server, drainer, store, authMW,
		server.WithMetricsRegistry(registry),
		server.WithBrokerState(broker.State))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Log aggregation service running on port %d", config.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("Log aggregation service shutdown complete")
}
