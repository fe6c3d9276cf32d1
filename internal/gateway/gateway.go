// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package gateway assembles the data router daemon: persistence, the event
// loop, the router with its upstream bridge, the IPC server and metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mangoh/datarouter/internal/bridge"
	"github.com/mangoh/datarouter/internal/bridge/mqtt"
	"github.com/mangoh/datarouter/internal/config"
	"github.com/mangoh/datarouter/internal/eventloop"
	"github.com/mangoh/datarouter/internal/ipc"
	"github.com/mangoh/datarouter/internal/metrics"
	"github.com/mangoh/datarouter/internal/persistence"
	"github.com/mangoh/datarouter/internal/router"
	"github.com/mangoh/datarouter/transport/avdata"
	"github.com/mangoh/datarouter/transport/paho"
)

const (
	loopBuffer   = 256
	flushTimeout = 10 * time.Second
)

// Gateway is one data router instance.
type Gateway struct {
	Name     string
	Protocol bridge.Protocol

	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	loop    *eventloop.Loop
	router  *router.Router
	ipc     *ipc.Server
	tree    persistence.Tree
	vault   persistence.Vault
	assets  *avdata.Service

	ready chan struct{}
	addr  net.Addr
}

// New opens persistence and builds the router for cfg.
func New(cfg *config.Config, log *slog.Logger) (*Gateway, error) {
	if log == nil {
		log = slog.Default()
	}
	protocol, err := bridge.ParseProtocol(cfg.Router.Protocol)
	if err != nil {
		return nil, err
	}

	tree, err := persistence.OpenTree(cfg.Persistence.Tree.Type, cfg.Persistence.Tree.Path)
	if err != nil {
		return nil, fmt.Errorf("open config tree: %w", err)
	}
	vault, err := persistence.OpenVault(cfg.Persistence.Secure.Type, cfg.Persistence.Secure.Path, cfg.Persistence.Secure.KeyFile)
	if err != nil {
		tree.Close()
		return nil, fmt.Errorf("open secure storage: %w", err)
	}

	g := &Gateway{
		Name:     "datarouter",
		Protocol: protocol,
		cfg:      cfg,
		log:      log,
		metrics:  metrics.New(),
		loop:     eventloop.New(loopBuffer, log),
		tree:     tree,
		vault:    vault,
		ready:    make(chan struct{}),
	}

	deps := router.Deps{
		Scheduler: g.loop,
		Tree:      tree,
		Vault:     vault,
		Metrics:   g.metrics,
		Logger:    log,
	}
	switch protocol {
	case bridge.MQTT:
		deps.MQTTClients = paho.NewFactory(paho.Options{
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			QoS:            byte(cfg.MQTT.QoS),
			MessagesTopic:  cfg.MQTT.MessagesTopic,
			TasksTopic:     cfg.MQTT.TasksTopic,
		}, log)
	case bridge.LWM2M:
		svc, err := avdata.Dial(avdata.Config{
			Broker:    cfg.LWM2M.Broker,
			Port:      cfg.LWM2M.Port,
			ClientID:  cfg.LWM2M.ClientID,
			Password:  cfg.LWM2M.Password,
			Prefix:    cfg.LWM2M.Prefix,
			KeepAlive: cfg.LWM2M.KeepAlive,
		}, log)
		if err != nil {
			// Sessions asking for push run without a bridge.
			log.Error("Asset data service unavailable", "err", err)
		} else {
			g.assets = svc
			deps.Assets = svc
		}
	}

	g.router = router.New(router.Config{
		Protocol: protocol,
		MQTT: mqtt.Config{
			Port:              cfg.MQTT.Port,
			KeepAlive:         cfg.MQTT.KeepAlive,
			QueueCapacity:     cfg.MQTT.QueueCapacity,
			ReconnectInterval: cfg.MQTT.ReconnectInterval,
		},
	}, deps)
	g.ipc = ipc.NewServer(g.router, g.loop, log)
	return g, nil
}

// Metrics returns the instance's metrics.
func (g *Gateway) Metrics() *metrics.Metrics { return g.metrics }

// Ready is closed once persisted data is restored and the IPC server
// listens.
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

// Addr returns the IPC listen address. It is valid after Ready.
func (g *Gateway) Addr() net.Addr { return g.addr }

// Start restores persisted data and serves until ctx is cancelled. On the
// way out every persist-eligible item is flushed.
func (g *Gateway) Start(ctx context.Context) error {
	defer g.close()

	l, err := net.Listen("tcp", g.cfg.Router.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.cfg.Router.Listen, err)
	}
	g.addr = l.Addr()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer func() {
		stopLoop()
		<-g.loop.Done()
	}()
	go func() {
		if err := g.loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			g.log.Error("Event loop stopped with error", "err", err)
		}
	}()

	if err := g.loop.Call(ctx, func() error {
		_, err := g.router.Restore()
		return err
	}); err != nil {
		g.log.Error("Failed to restore some persisted data", "err", err)
	}

	var wg sync.WaitGroup
	if addr := g.cfg.Metrics.Listen; addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.metrics.Serve(ctx, addr); err != nil {
				g.log.Error("Metrics server stopped with error", "addr", addr, "err", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := g.ipc.Serve(ctx, l); err != nil {
			g.log.Error("IPC server stopped with error", "err", err)
		}
	}()

	g.log.Info("Data router started", "name", g.Name, "protocol", g.Protocol, "addr", g.addr.String())
	close(g.ready)

	<-ctx.Done()

	// Graceful shutdown
	wg.Wait()
	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	return g.loop.Call(flushCtx, g.router.Flush)
}

func (g *Gateway) close() {
	if g.assets != nil {
		g.assets.Close()
	}
	if err := g.vault.Close(); err != nil {
		g.log.Warn("Failed to close secure storage", "err", err)
	}
	if err := g.tree.Close(); err != nil {
		g.log.Warn("Failed to close config tree", "err", err)
	}
}
