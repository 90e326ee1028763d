package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nexuswal/walrelay/cbus"
	"github.com/nexuswal/walrelay/core"
	"github.com/nexuswal/walrelay/config"
	"github.com/nexuswal/walrelay/relay"
	"github.com/nexuswal/walrelay/wal"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node: accept replica connections and persist writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func createLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

// nodeServer bundles everything an accepted connection needs, so the
// accept loop doesn't have to thread half a dozen parameters by hand.
type nodeServer struct {
	wal            *wal.Writer
	bus            *cbus.Bus
	compression    core.CompressionType
	instanceUUID   [16]byte
	replicasetUUID [16]byte
	instanceID     uint32
	logger         *slog.Logger

	nextSessionID atomic.Uint64
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := createLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	slog.SetDefault(logger)

	syncPolicy, err := cfg.WAL.SyncPolicy()
	if err != nil {
		return err
	}
	compression, err := cfg.WAL.Compression()
	if err != nil {
		return err
	}
	instanceUUID, err := cfg.Identity.InstanceUUIDBytes()
	if err != nil {
		return err
	}
	replicasetUUID, err := cfg.Identity.ReplicasetUUIDBytes()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	w, err := wal.Open(ctx, wal.Options{
		Dir:             cfg.WAL.Dir,
		InstanceID:      cfg.Identity.InstanceID,
		InstanceUUID:    instanceUUID,
		ReplicasetUUID:  replicasetUUID,
		SyncPolicy:      syncPolicy,
		Compression:     compression,
		MaxSegmentSize:  cfg.WAL.MaxSegmentSize,
		RingCapacity:    cfg.WAL.RingCapacity,
		CheckpointEvery: cfg.WAL.CheckpointEvery,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			logger.Error("wal close failed", "error", err)
		}
	}()

	gcInterval := config.ParseDuration(cfg.WAL.GCInterval, 5*time.Second, logger)
	w.StartGC(ctx, gcInterval)

	// The bus carries the control traffic onto the WAL thread (§4.1,
	// §5): a relay session's acks and the SIGHUP operator hook below go
	// through the handlers AttachBus registers rather than calling into
	// *wal.Writer directly. Relay sessions still read the writer's ring
	// and segment directory directly when streaming rows.
	bus := cbus.New()
	w.AttachBus(bus)

	sighupCh := make(chan os.Signal, 1)
	signal.Notify(sighupCh, syscall.SIGHUP)
	defer signal.Stop(sighupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sighupCh:
				pipe := bus.Pair("operator", "wal")
				msg := &cbus.Message{Route: []cbus.Hop{{Handler: "checkpoint"}}}
				if _, err := pipe.Call(ctx, msg); err != nil {
					logger.Error("sighup-triggered checkpoint failed", "error", err)
					continue
				}
				logger.Info("checkpoint committed via sighup")
			}
		}
	}()

	ln, err := net.Listen("tcp", cfg.Relay.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Relay.ListenAddress, err)
	}
	logger.Info("walnode serving", "address", cfg.Relay.ListenAddress, "instance_id", cfg.Identity.InstanceID)

	srv := &nodeServer{
		wal:            w,
		bus:            bus,
		compression:    compression,
		instanceUUID:   instanceUUID,
		replicasetUUID: replicasetUUID,
		instanceID:     cfg.Identity.InstanceID,
		logger:         logger,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.acceptLoop(gctx, ln)
	})
	group.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	if err := group.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

func (s *nodeServer) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

// serveConn runs one replica's relay session end to end: handshake, the
// initial backlog join, then the live subscribe loop, until the
// connection drops or the server is shutting down (§4.10).
func (s *nodeServer) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sess := relay.New(conn, s.wal, s.compression, s.instanceUUID, s.replicasetUUID, s.logger)
	if s.bus != nil {
		endpoint := fmt.Sprintf("relay/%d", s.nextSessionID.Add(1))
		sess.SetBus(s.bus, endpoint)
	}
	if err := sess.Handshake(s.instanceID); err != nil {
		s.logger.Warn("relay handshake failed", "error", err, "remote", conn.RemoteAddr())
		return
	}

	if err := sess.Join(ctx); err != nil {
		s.logger.Warn("relay session ended", "error", err, "remote", conn.RemoteAddr())
	}
	if err := sess.Close(); err != nil {
		s.logger.Warn("relay session close failed", "error", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load(nil)
	}
	return config.LoadFile(path)
}
