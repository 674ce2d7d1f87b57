package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kestrelcompute/agent/pkg/api"
	"github.com/kestrelcompute/agent/pkg/config"
	"github.com/kestrelcompute/agent/pkg/events"
	"github.com/kestrelcompute/agent/pkg/kernel"
	"github.com/kestrelcompute/agent/pkg/kernel/docker"
	"github.com/kestrelcompute/agent/pkg/log"
	"github.com/kestrelcompute/agent/pkg/runner"
	"github.com/kestrelcompute/agent/pkg/wire"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Kernel execution agent",
	Long:  "agent drives a sandboxed per-session kernel: it provisions the kernel container, multiplexes its REPL channel, and serves the execution API.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to a kernel and serve the execution API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "agent.yaml", "path to the agent config file")
	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := log.Init(log.Config{
		Level:  log.Level(cfg.Log.Level),
		Format: log.Format(cfg.Log.Format),
	}); err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inAddr, outAddr := cfg.Kernel.ReplInAddr, cfg.Kernel.ReplOutAddr
	if cfg.Docker.Enabled {
		provisioner, err := docker.NewProvisioner()
		if err != nil {
			return err
		}
		provisioned, err := provisioner.Provision(ctx, docker.KernelSpec{
			Image:       cfg.Docker.Image,
			Env:         cfg.Docker.Env,
			ReplInPort:  cfg.Docker.ReplInPort,
			ReplOutPort: cfg.Docker.ReplOutPort,
		})
		if err != nil {
			return err
		}
		defer func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := provisioned.Close(cleanupCtx); err != nil {
				log.Error("kernel container cleanup failed", "error", err)
			}
		}()
		inAddr, outAddr = provisioned.ReplInAddr, provisioned.ReplOutAddr
	}

	wctx := wire.NewContext(wire.ContextConfig{})
	pair, err := wire.Dial(ctx, wctx, inAddr, outAddr)
	if err != nil {
		return err
	}

	features := make([]runner.ClientFeature, 0, len(cfg.Kernel.ClientFeatures))
	for _, f := range cfg.Kernel.ClientFeatures {
		features = append(features, runner.ClientFeature(f))
	}

	broadcaster := events.NewBroadcaster()
	kernelID, sessionID := uuid.New(), uuid.New()
	run, err := runner.New(runner.Config{
		KernelID:       kernelID,
		SessionID:      sessionID,
		Transport:      pair,
		Producer:       broadcaster,
		ExecTimeout:    time.Duration(cfg.Kernel.ExecTimeout),
		ClientFeatures: features,
	})
	if err != nil {
		return err
	}
	k, err := kernel.New(kernel.Config{
		ID:        kernelID,
		SessionID: sessionID,
		Image:     cfg.Docker.Image,
		Runner:    run,
	})
	if err != nil {
		_ = run.Close()
		return err
	}
	defer func() { _ = k.Close() }()

	server, err := api.NewServer(api.Config{
		ListenAddr:   cfg.API.ListenAddr,
		Kernel:       k,
		Broadcaster:  broadcaster,
		FlushTimeout: time.Duration(cfg.Kernel.FlushTimeout),
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	log.Info("agent ready", "kernelId", kernelID, "replIn", inAddr, "replOut", outAddr)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
