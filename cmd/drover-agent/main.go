// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// drover-agent is the policy synchronization daemon. It registers the
// machine with the management backend, keeps the device and user
// policy caches fresh, and exposes the merged mandatory and
// recommended policy views to local consumers.
//
// On startup:
//  1. Loads the YAML configuration named by --config.
//  2. Seeds the identity store and restores cache snapshots from the
//     state directory, so policy survives restarts without a network
//     round trip.
//  3. Loads machine-local policy files (*.jsonc) as the
//     highest-precedence source, when configured.
//  4. Starts one controller per cloud source (device, user) and runs
//     until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/droverhq/drover/fetch"
	"github.com/droverhq/drover/identity"
	"github.com/droverhq/drover/lib/codec"
	"github.com/droverhq/drover/lib/config"
	"github.com/droverhq/drover/notify"
	"github.com/droverhq/drover/policy"
	"github.com/droverhq/drover/policy/cache"
	"github.com/droverhq/drover/policy/controller"
	"github.com/droverhq/drover/policy/localfile"
	"github.com/droverhq/drover/policy/provider"
)

const version = "0.3.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("drover-agent", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "/etc/drover/agent.yaml", "path to the agent configuration file")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("drover-agent %s\n", version)
		return nil
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Identity, seeded from configuration. A deployment with a signed
	// in user gets user policy; a bare machine only gets device
	// policy.
	store := identity.NewMemoryStore()
	store.SetMachineInfo(cfg.Identity.MachineID, cfg.Identity.MachineModel)
	if cfg.Identity.UserName != "" {
		store.SetCredentials(cfg.Identity.UserName, true)
	}

	statuses := &notify.Registry{}
	statuses.AddObserver(&statusLogger{logger: logger})

	client := fetch.NewHTTPClient(cfg.Server.URL, cfg.Server.RequestTimeout, logger)
	tokens := newRegistrar(client, store, statuses, logger)

	deviceCache := newSourceCache(cfg, "device", logger, statuses)
	userCache := newSourceCache(cfg, "user", logger, statuses)
	defer deviceCache.Close()
	defer userCache.Close()

	newController := func(name string, c *cache.Cache) *controller.Controller {
		return controller.New(controller.Options{
			Name:             name,
			Identity:         store,
			Cache:            c,
			Client:           client,
			TokenFetcher:     tokens,
			Notifier:         statuses,
			Logger:           logger,
			RefreshRate:      cfg.Refresh.Rate,
			ErrorDelay:       cfg.Refresh.ErrorDelay,
			UnmanagedDomains: cfg.Refresh.UnmanagedDomains,
		})
	}
	deviceController := newController("device", deviceCache)
	userController := newController("user", userCache)

	initiator := &refreshAll{controllers: []*controller.Controller{
		deviceController, userController,
	}}
	mandatory := provider.NewMultiSource(policy.Mandatory, initiator)
	recommended := provider.NewMultiSource(policy.Recommended, initiator)
	defer mandatory.Close()
	defer recommended.Close()

	for _, p := range []*provider.MultiSource{mandatory, recommended} {
		p.AppendCache(deviceCache)
		p.AppendCache(userCache)
	}
	mandatory.AddObserver(&policyLogger{name: "mandatory", source: mandatory, logger: logger})
	recommended.AddObserver(&policyLogger{name: "recommended", source: recommended, logger: logger})

	// Machine-local policy outranks everything from the server.
	if cfg.Paths.LocalPolicies != "" {
		localCache := cache.New(cache.Options{
			Name:   "local",
			Logger: logger,
			Decode: decodeBundle,
		})
		localCache.Load()
		localfile.NewLoader(cfg.Paths.LocalPolicies, nil, logger).Install(localCache)
		defer localCache.Close()

		mandatory.PrependCache(localCache)
		recommended.PrependCache(localCache)
	}

	deviceController.Start()
	userController.Start()
	defer deviceController.Close()
	defer userController.Close()

	logger.Info("agent running",
		"server", cfg.Server.URL,
		"refresh_rate", cfg.Refresh.Rate,
		"version", version)

	<-ctx.Done()
	logger.Info("shutting down")
	tokens.Cancel()
	return nil
}

// newSourceCache builds one cloud source's cache, restoring its
// snapshot when a state directory is configured.
func newSourceCache(cfg *config.Config, name string, logger *slog.Logger, statuses notify.Observer) *cache.Cache {
	snapshotPath := ""
	if cfg.Paths.State != "" {
		snapshotPath = filepath.Join(cfg.Paths.State, name+".snapshot")
	}
	c := cache.New(cache.Options{
		Name:             name,
		Logger:           logger,
		Decode:           decodeBundle,
		SnapshotPath:     snapshotPath,
		DontWaitForFetch: cfg.Refresh.DontWaitForFetch,
		StatusReporter:   statuses,
	})
	c.Load()
	return c
}

// decodeBundle interprets a fetch payload as a CBOR policy bundle.
func decodeBundle(payload []byte) (*policy.Bundle, error) {
	var bundle policy.Bundle
	if err := codec.Unmarshal(payload, &bundle); err != nil {
		return nil, fmt.Errorf("decoding policy bundle: %w", err)
	}
	return &bundle, nil
}

// refreshAll fans a provider's refresh request out to every
// controller. Both providers share it: a refresh on either view
// refreshes the underlying sources once each.
type refreshAll struct {
	controllers []*controller.Controller
}

func (r *refreshAll) InitiateRefresh() {
	for _, c := range r.controllers {
		c.RefreshPolicies()
	}
}

// statusLogger surfaces enrollment status changes in the daemon log.
type statusLogger struct {
	logger *slog.Logger
}

func (l *statusLogger) OnStatusChanged(status notify.Status) {
	l.logger.Info("enrollment status", "kind", status.Kind, "detail", int(status.Detail))
}

// policyLogger records combined policy changes per level.
type policyLogger struct {
	name   string
	source *provider.MultiSource
	logger *slog.Logger
}

func (l *policyLogger) OnPolicyUpdated() {
	l.logger.Info("policy updated",
		"level", l.name,
		"entries", len(l.source.GetPolicy()),
		"initialized", l.source.IsInitializationComplete())
}
