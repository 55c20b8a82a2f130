// Command traverse connects to a hole-punching target through a
// mediator and reports the resulting socket, or keeps a target
// registration alive so sources can find it.
//
// Usage:
//
//	traverse -target alice -mediator 198.51.100.10:3478
//	traverse -config traverse.toml -target alice
//	traverse -register alice -registry ws://198.51.100.10:8080/registry -port 9000
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs/traverse/pkg/register"
	"github.com/meridianlabs/traverse/pkg/traverse"
	"github.com/meridianlabs/traverse/pkg/types"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "traverse: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("traverse", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to toml config file")
	targetID := fs.String("target", "", "Target id registered at the mediator")
	mediatorAddr := fs.String("mediator", "", "Mediator address (IP:PORT)")
	registryURL := fs.String("registry", "", "Registry URL (pre-flight lookup, registration)")
	registerID := fs.String("register", "", "Register as a target under this id and stay online")
	port := fs.Int("port", 0, "Punch port to advertise when registering")
	deadline := fs.Duration("deadline", 0, "Overall race deadline (overrides config file)")
	verbose := fs.Bool("verbose", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fileCfg, err := loadConfigFile(*configPath)
	if err != nil {
		return err
	}
	if *mediatorAddr == "" {
		*mediatorAddr = fileCfg.Mediator
	}
	if *registryURL == "" {
		*registryURL = fileCfg.Registry
	}

	logger, err := newLogger(*verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if *registerID != "" {
		if *registryURL == "" {
			return fmt.Errorf("registry URL is required to register (-registry flag or config file)")
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runRegister(ctx, *registryURL, *registerID, *port, logger)
	}

	if *targetID == "" {
		return fmt.Errorf("-target flag is required")
	}
	if *mediatorAddr == "" {
		return fmt.Errorf("mediator address is required (-mediator flag or config file)")
	}

	cfg := traverse.DefaultConfig()
	cfg.Logger = logger
	if fileCfg.Timeouts.Deadline.Duration > 0 {
		cfg.Deadline = fileCfg.Timeouts.Deadline.Duration
	}
	if fileCfg.Timeouts.Dial.Duration > 0 {
		cfg.DialTimeout = fileCfg.Timeouts.Dial.Duration
	}
	if fileCfg.Timeouts.Connect.Duration > 0 {
		cfg.ConnectTimeout = fileCfg.Timeouts.Connect.Duration
	}
	if fileCfg.Timeouts.Handshake.Duration > 0 {
		cfg.HandshakeTimeout = fileCfg.Timeouts.Handshake.Duration
	}
	if *deadline > 0 {
		cfg.Deadline = *deadline
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *registryURL != "" {
		if err := checkTargetRegistered(ctx, *registryURL, *targetID, logger); err != nil {
			return err
		}
	}

	source := traverse.NewSourceWithConfig(cfg)

	start := time.Now()
	conn, err := source.GetSocket(ctx, *targetID, *mediatorAddr)
	if err != nil {
		var timeoutErr *types.TimeoutError
		switch {
		case errors.As(err, &timeoutErr):
			return fmt.Errorf("%w (after %v)", err, time.Since(start).Round(time.Millisecond))
		case errors.Is(err, types.ErrProtocolMismatch):
			return fmt.Errorf("mediator speaks a different protocol: %w", err)
		default:
			return err
		}
	}
	defer conn.Close()

	fmt.Printf("connected to %s via %s in %v\n",
		*targetID, conn.RemoteAddr(), time.Since(start).Round(time.Millisecond))
	return nil
}

// runRegister keeps a target registration alive until the process is
// interrupted, advertising the discovered private endpoint so the
// mediator can forward it alongside the public mapping it observes.
func runRegister(ctx context.Context, url, targetID string, port int, logger *zap.Logger) error {
	client, err := register.Dial(ctx, url, targetID, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	endpoint := register.DiscoverPrivateEndpoint(port)
	if endpoint != nil {
		logger.Info("advertising private endpoint", zap.String("endpoint", endpoint.String()))
	}
	if err := client.Register(targetID, endpoint); err != nil {
		return err
	}
	client.StartKeepAlive(register.DefaultKeepAliveInterval)
	fmt.Printf("registered as %s, press ctrl-c to deregister\n", targetID)

	<-ctx.Done()
	return client.Deregister(targetID)
}

func checkTargetRegistered(ctx context.Context, url, targetID string, logger *zap.Logger) error {
	client, err := register.Dial(ctx, url, "source-"+targetID, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	registered, err := client.Lookup(targetID)
	if err != nil {
		return err
	}
	if !registered {
		return fmt.Errorf("target %s is not registered at the mediator", targetID)
	}
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}
