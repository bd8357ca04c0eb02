// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/listen-api/config"
	internal_server "github.com/rapidaai/listen-api/internal/server"
	"github.com/rapidaai/listen-api/pkg/commons"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logger, err := commons.NewApplicationLogger()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}

	var redisClient redis.UniversalClient
	if cfg.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warnw("redis unreachable, session registry disabled",
				"address", cfg.RedisAddress, "error", err)
		} else {
			redisClient = client
		}
		cancel()
	}

	api := internal_server.New(cfg, logger, redisClient, nil, nil, nil, nil)

	engine := gin.New()
	engine.Use(gin.Recovery())
	internal_server.Routes(cfg, engine, logger, api)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("listen-api starting", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infow("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Errorw("http server failed", "error", err)
		}
	}

	// live sessions run the full close contract before the listener dies
	api.DrainAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("http shutdown failed", "error", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	logger.Infow("listen-api stopped")
}
