package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"github.com/0xphantomotr/snakelink/pkg/config"
	"github.com/0xphantomotr/snakelink/pkg/node"
	"github.com/0xphantomotr/snakelink/pkg/p2p"
	"github.com/0xphantomotr/snakelink/pkg/replication"
	"github.com/0xphantomotr/snakelink/pkg/rpc"
	"github.com/0xphantomotr/snakelink/pkg/session"
	"github.com/0xphantomotr/snakelink/pkg/state"
)

func main() {
	envFile := os.Getenv("SNAKELINK_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := config.LoadEnv(envFile); err != nil {
		stdlog.Fatal(err)
	}
	cfg, err := config.Parse(os.Args[0], os.Args[1:])
	if err != nil {
		stdlog.Fatal(err)
	}

	backend := slog.NewBackend(os.Stderr)
	level, ok := slog.LevelFromString(cfg.LogLevel)
	if !ok {
		stdlog.Fatalf("unknown log level %q", cfg.LogLevel)
	}
	logger := func(subsystem string) slog.Logger {
		l := backend.Logger(subsystem)
		l.SetLevel(level)
		return l
	}
	log := logger("MAIN")
	node.UseLogger(logger("NODE"))
	session.UseLogger(logger("SESS"))
	replication.UseLogger(logger("SYNC"))
	p2p.UseLogger(logger("P2P"))
	state.UseLogger(logger("GAME"))
	rpc.UseLogger(logger("RPC"))

	if err := run(cfg, log); err != nil {
		log.Criticalf("%v", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer closeStore()

	deviceID := cfg.DeviceID
	if deviceID == "" {
		if deviceID, err = state.LoadDeviceID(store); err != nil {
			return fmt.Errorf("device id: %w", err)
		}
	}
	game := state.NewManager(store)

	var transport p2p.Transport
	var network *p2p.MemoryNetwork
	if cfg.Loopback {
		network = p2p.NewMemoryNetwork()
		transport = network.Join(deviceID, cfg.Name)
	} else {
		transport = p2p.NewLANTransport(p2p.Config{
			DeviceID:       deviceID,
			DisplayName:    cfg.Name,
			ListenAddr:     cfg.P2PListen,
			DiscoveryGroup: cfg.DiscoveryGroup,
			Seeds:          cfg.Seeds,
		})
	}

	n := node.New(node.Config{
		DeviceID:       deviceID,
		DisplayName:    cfg.Name,
		MaxRetries:     cfg.MaxRetries,
		ConnectTimeout: cfg.ConnectTimeout,
		PeerTTL:        cfg.PeerTTL,
		ScanWindow:     cfg.ScanWindow,
		SyncInterval:   cfg.SyncInterval,
	}, transport, game)
	rpcServer := rpc.NewServer(n, cfg.RPCListen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := n.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("node: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := rpcServer.Start(); err != nil {
			return fmt.Errorf("rpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rpcServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("rpc shutdown: %v", err)
		}
		return nil
	})
	if network != nil {
		g.Go(func() error {
			return runOpponent(gctx, network, deviceID, cfg)
		})
	}

	log.Infof("snakelink node %s (%s) started; RPC on %s", deviceID, cfg.Name, cfg.RPCListen)
	err = g.Wait()
	log.Infof("goodbye")
	return err
}

func openStore(dir string) (state.Store, func(), error) {
	if dir == "" {
		return state.NewMemoryStore(), func() {}, nil
	}
	store, err := state.NewBadgerStore(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("open store %s: %w", dir, err)
	}
	return store, func() { store.Close() }, nil
}
