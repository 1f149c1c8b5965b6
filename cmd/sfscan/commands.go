package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/txn2/sfscan/internal/server"
	"github.com/txn2/sfscan/pkg/auth"
	"github.com/txn2/sfscan/pkg/platform"
)

// configEnv names a config file when --config is not given.
const configEnv = "SFSCAN_CONFIG"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "sfscan",
		Short:         "Retrieve Salesforce org metadata and serve Code Analyzer reports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv(configEnv),
		"Path to configuration file (default $"+configEnv+")")

	cmd.AddCommand(
		newServeCmd(opts),
		newSweepCmd(opts),
		newHashKeyCmd(),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig reads the file when one is named, else the environment.
func loadConfig(path string) (*platform.Config, error) {
	if path != "" {
		return platform.LoadConfig(path)
	}
	return platform.LoadConfigFromEnv()
}

func newServeCmd(root *rootOptions) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}
			slog.SetDefault(newLogger(cfg.Logging, cmd.ErrOrStderr()))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "Listen host, overriding server.address")
	return cmd
}

func serve(ctx context.Context, cfg *platform.Config, opts ...platform.Option) error {
	srv, p, err := server.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("starting platform: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "address", srv.Addr, "version", server.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Readiness drops before the listener closes.
		stopErr := p.Stop(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http: %w", err)
		}
		return stopErr
	})
	return g.Wait()
}

func newSweepCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove work directories and reports older than the session TTL",
		Long: `Removes everything under the projects and reports roots that is older
than sessions.ttl. Run it only while no server owns the same roots.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			slog.SetDefault(newLogger(cfg.Logging, cmd.ErrOrStderr()))

			p, err := platform.New(platform.WithConfig(cfg))
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			res := p.Sweeper().SweepOnce(cmd.Context())
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d orphaned paths\n", res.Orphans)
			return err
		},
	}
}

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Print a bcrypt hash for automation.api_key_hash",
		Long:  "Hashes the key given as argument, or the first line of standard input.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readKey(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			hash, err := auth.HashKey(key)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

func readKey(in io.Reader, args []string) (string, error) {
	key := ""
	if len(args) == 1 {
		key = args[0]
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading key: %w", err)
		}
		key = line
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("key must not be empty")
	}
	return key, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "sfscan version %s\n", server.Version)
			return err
		},
	}
}
