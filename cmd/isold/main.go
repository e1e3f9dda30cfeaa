// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cpuisol/isold/config"
	"github.com/cpuisol/isold/control"
	"github.com/cpuisol/isold/manager"
	"github.com/cpuisol/isold/platform"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "isold",
	Short:   "CPU isolation coordination daemon",
	Version: version,
}

func main() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the manager daemon and its control socket",
	RunE:  runDaemon,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect to a running daemon's control socket and report its banner",
	RunE:  runStatus,
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv(config.DefaultConfig())
	log := newLogger(cfg.LogLevel)

	plat := platform.Linux{}
	isolationSet, subsetID, err := config.ResolveIsolationCPUs(cfg, plat, os.Getenv)
	if err != nil {
		return fmt.Errorf("isold: resolving isolation cpus: %w", err)
	}
	log.Info().Str("cpus", isolationSet.String()).Str("subset", subsetID).Msg("isold: isolation cpus resolved")

	if err := os.MkdirAll(cfg.RunDir, 0o755); err != nil {
		return fmt.Errorf("isold: creating run dir: %w", err)
	}

	mgr, err := manager.New(plat, isolationSet, manager.Config{
		RestartDelay:  cfg.RestartDelay,
		StartTimeout:  cfg.StartTimeout,
		IdlePoll:      cfg.IdlePoll,
		SweepInterval: cfg.SweepInterval,
	}, log)
	if err != nil {
		return fmt.Errorf("isold: building manager: %w", err)
	}

	srv, err := control.Listen(cfg.SocketPath(subsetID), mgr, log)
	if err != nil {
		return fmt.Errorf("isold: binding control socket: %w", err)
	}
	defer srv.Close()
	log.Info().Str("addr", srv.Addr()).Msg("isold: control socket listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error {
		err := srv.Serve()
		<-gctx.Done()
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		mgr.RequestTerminateAll()
		srv.Close()
		return mgr.Wait()
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return fmt.Errorf("isold: %w", err)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv(config.DefaultConfig())
	plat := platform.Linux{}
	_, subsetID, err := config.ResolveIsolationCPUs(cfg, plat, os.Getenv)
	if err != nil {
		return fmt.Errorf("isold: resolving isolation cpus: %w", err)
	}

	conn, err := net.DialTimeout("unix", cfg.SocketPath(subsetID), 2*time.Second)
	if err != nil {
		return fmt.Errorf("isold: dialing control socket: %w", err)
	}
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	if sc.Scan() {
		fmt.Println(sc.Text())
	}
	fmt.Fprint(conn, "quit\r\n")
	if sc.Scan() {
		fmt.Println(sc.Text())
	}
	return sc.Err()
}
