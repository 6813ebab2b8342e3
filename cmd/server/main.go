// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

// Command server runs the consumption settlement engine: event ingest,
// job lifecycle tracking, settlement, the REST API and the realtime hub,
// all under one supervision tree.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/yangtao121/Bambu-consumables-management/internal/api"
	"github.com/yangtao121/Bambu-consumables-management/internal/config"
	"github.com/yangtao121/Bambu-consumables-management/internal/database"
	"github.com/yangtao121/Bambu-consumables-management/internal/eventprocessor"
	"github.com/yangtao121/Bambu-consumables-management/internal/logging"
	"github.com/yangtao121/Bambu-consumables-management/internal/matcher"
	"github.com/yangtao121/Bambu-consumables-management/internal/settlement"
	"github.com/yangtao121/Bambu-consumables-management/internal/slicer"
	"github.com/yangtao121/Bambu-consumables-management/internal/supervisor"
	"github.com/yangtao121/Bambu-consumables-management/internal/supervisor/services"
	"github.com/yangtao121/Bambu-consumables-management/internal/tracker"
	"github.com/yangtao121/Bambu-consumables-management/internal/websocket"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		logging.Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().
		Str("version", Version).
		Str("database", cfg.Database.Path).
		Bool("nats", cfg.NATS.Enabled).
		Msg("Starting spoolsum server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Err(err).Msg("Failed to close database")
		}
	}()

	settler := settlement.New(db, matcher.New(db), cfg.Settlement)
	hub := websocket.NewHub()

	var estimates tracker.EstimateSource
	if cfg.Slicer.Enabled {
		estimates = slicer.NewPrefetcher(slicer.NewClient(&cfg.Slicer), db)
	}

	trk := tracker.New(db, settler, hub, estimates)

	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		return fmt.Errorf("create supervision tree: %w", err)
	}

	wmLogger := eventprocessor.NewLoggerAdapter()

	var (
		publisherBackend message.Publisher
		subscriber       message.Subscriber
	)
	if cfg.NATS.Enabled {
		if cfg.NATS.EmbeddedServer {
			broker, err := eventprocessor.NewEmbeddedServer(&cfg.NATS)
			if err != nil {
				return fmt.Errorf("start embedded broker: %w", err)
			}
			cfg.NATS.URL = broker.ClientURL()
			tree.AddTransportService(services.NewBrokerService(broker, 10*time.Second))
		}

		natsPub, err := eventprocessor.NewNATSPublisher(&cfg.NATS, wmLogger)
		if err != nil {
			return fmt.Errorf("create NATS publisher: %w", err)
		}
		natsSub, err := eventprocessor.NewNATSSubscriber(&cfg.NATS, wmLogger)
		if err != nil {
			return fmt.Errorf("create NATS subscriber: %w", err)
		}
		publisherBackend, subscriber = natsPub, natsSub
	} else {
		pubsub := eventprocessor.NewGoChannelPubSub(wmLogger)
		publisherBackend, subscriber = pubsub, pubsub
	}

	routerCfg := eventprocessor.RouterConfigFromNATS(&cfg.NATS)
	router, err := eventprocessor.NewRouter(&routerCfg, publisherBackend, wmLogger)
	if err != nil {
		return fmt.Errorf("create event router: %w", err)
	}
	eventprocessor.NewConsumer(trk).Register(router, subscriber)

	publisher := eventprocessor.NewPublisher(publisherBackend)
	defer func() {
		if err := publisher.Close(); err != nil {
			logging.Err(err).Msg("Failed to close event publisher")
		}
	}()

	handler := api.NewHandler(db, publisher, settler, hub, cfg)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.Setup(handler, cfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
		IdleTimeout:       120 * time.Second,
	}

	tree.AddTransportService(services.NewRouterService(router))
	tree.AddTrackingService(services.NewWebSocketHubService(hub))
	tree.AddAPIService(services.NewHTTPServerService(httpServer, 10*time.Second))

	logging.Info().
		Str("addr", httpServer.Addr).
		Msg("Server ready")

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervision tree: %w", err)
	}

	logging.Info().Msg("Server stopped")
	return nil
}
