package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relves/groupsync/internal/config"
	"github.com/relves/groupsync/internal/storage/sqlite"
	"github.com/relves/groupsync/internal/telemetry"
	natstransport "github.com/relves/groupsync/internal/transport/nats"
	"github.com/relves/groupsync/pkg/eventlog"
	"github.com/relves/groupsync/pkg/group"
	"github.com/relves/groupsync/pkg/handshake"
	"github.com/relves/groupsync/pkg/server"
	"github.com/relves/groupsync/pkg/syncer"
	"github.com/relves/groupsync/pkg/types"
	"github.com/relves/groupsync/pkg/ucan"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("GROUPSYNC_CONFIG"), "path to a YAML config file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *printConfig {
		out, err := cfg.YAML()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	levelStr := cfg.Node.LogLevel
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		levelStr = env
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("groupsyncd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry.SetBuildInfo(version, gitSHA)

	priv, ephemeral, err := loadKey(cfg.Node.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to load key: %w", err)
	}
	issuer, err := ucan.NewIssuer(priv)
	if err != nil {
		return err
	}
	self := types.PeerID(issuer.DID())
	checkpoints, err := eventlog.NewSigner(priv, cfg.Node.Name)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint signer: %w", err)
	}

	registry := group.NewRegistry(group.RegistryConfig{
		Stores:          sqlite.NewStoreManager(cfg.Node.DataPath),
		Logger:          logger,
		MemberCacheSize: cfg.MemberCacheSize,
	})
	defer func() {
		if err := registry.Shutdown(); err != nil {
			logger.Error("failed to close stores", "error", err)
		}
	}()
	if err := registry.LoadAll(ctx); err != nil {
		return fmt.Errorf("failed to load groups: %w", err)
	}

	nc, err := natstransport.NewClient(natstransport.ClientConfig{
		URL:           cfg.NATS.URL,
		Name:          cfg.Node.Name,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer nc.Close()

	tr := natstransport.New(nc.Conn(), self, natstransport.Config{
		WorkerCount: cfg.Subscriber.WorkerCount,
		BufferSize:  cfg.Subscriber.BufferSize,
	}, logger)

	dispatcher := group.NewDispatcher(group.Config{
		Signer:    issuer.Signer(),
		SelfName:  cfg.Node.Name,
		Addr:      tr.Addr(),
		Registry:  registry,
		Engine:    syncer.New(syncer.Config{MaxDelta: cfg.Sync.MaxDelta, Logger: logger}),
		Handshake: handshake.New(registry, ucan.NewJoinVerifier(registry, logger), logger),
		Transport: tr,
		Logger:    logger,
	})
	if err := tr.Start(ctx, dispatcher); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	api, err := server.NewHTTPHandler(
		server.WithDispatcher(dispatcher),
		server.WithIssuer(issuer),
		server.WithCheckpoints(checkpoints, cfg.Node.Name),
		server.WithHealthCheck(func() error {
			if !nc.IsConnected() {
				return errors.New("not connected to NATS")
			}
			return nil
		}),
		server.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	for _, sess := range registry.Sessions() {
		if err := dispatcher.Resync(ctx, sess.ID()); err != nil {
			logger.Warn("initial resync failed", "groupID", uint64(sess.ID()), "error", err)
		}
	}

	fmt.Println("GROUPSYNC Node Startup")
	fmt.Println("===================================")
	fmt.Printf("Peer DID: %s\n", self)
	if ephemeral {
		fmt.Println("Key Source: Ephemeral (generated on startup)")
	} else {
		fmt.Println("Key Source: node.private_key")
	}
	fmt.Printf("Inbox: %s\n", tr.Addr())
	fmt.Printf("Data Path: %s\n", cfg.Node.DataPath)
	fmt.Printf("Groups Loaded: %d\n", len(registry.Sessions()))
	fmt.Printf("HTTP API: %s\n", cfg.HTTP.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := dispatcher.GoOffline(shutdownCtx); err != nil {
		logger.Warn("failed to announce offline", "error", err)
	}
	if err := tr.Stop(); err != nil {
		logger.Warn("transport stop", "error", err)
	}
	return nil
}

// loadKey decodes a base64 Ed25519 private key, or generates one when encoded
// is empty.
func loadKey(encoded string) (ed25519.PrivateKey, bool, error) {
	if encoded == "" {
		_, priv, err := ed25519.GenerateKey(nil)
		return priv, true, err
	}

	priv, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, false, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return ed25519.PrivateKey(priv), false, nil
}
