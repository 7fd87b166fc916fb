package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/textileops/go-readcache/authentication"
	"github.com/textileops/go-readcache/env"
	"github.com/textileops/go-readcache/logger"
	"github.com/textileops/go-readcache/server"
	"github.com/textileops/go-readcache/warming"
)

var rootCmd = &cobra.Command{
	Use:           "readcache",
	Short:         "Read-through cache and invalidation service for the document API",
	Version:       warming.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("env-file")
		if filename == "" {
			return nil
		}
		if _, err := os.Stat(filename); err != nil {
			if os.IsNotExist(err) && !cmd.Flags().Changed("env-file") {
				return nil
			}
			return errors.Wrapf(err, "env file %s", filename)
		}
		_, err := env.Load(filename)
		return err
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the document API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, log, shutdown, err := env.NewTelemetry(cmd.Context(), cmd, "readcache")
		if err != nil {
			return err
		}
		defer shutdown()
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log.Info("starting: %s", cfg)
		app, err := server.Open(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()
		return app.Run(ctx, cfg.Addr, cfg.ShutdownTimeout)
	},
}

func openApp(cmd *cobra.Command) (context.Context, *server.App, server.Config, logger.Logger, error) {
	ctx := cmd.Context()
	log := env.NewLogger(cmd)
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, cfg, nil, err
	}
	app, err := server.Open(ctx, cfg, log)
	if err != nil {
		return nil, nil, cfg, nil, err
	}
	return ctx, app, cfg, log, nil
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Remove cached reads by key or glob pattern",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern, _ := cmd.Flags().GetString("pattern")
		key, _ := cmd.Flags().GetString("key")
		if (pattern == "") == (key == "") {
			return errors.New("exactly one of --pattern or --key is required")
		}
		ctx, app, _, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		if key != "" {
			if !app.Invalidator().InvalidateKey(ctx, key) {
				return errors.Newf("could not invalidate %s", key)
			}
			fmt.Println(key)
			return nil
		}
		fmt.Printf("removed %d keys\n", app.Invalidator().InvalidatePattern(ctx, pattern))
		return nil
	},
}

var warmCmd = &cobra.Command{
	Use:   "warm <domain>...",
	Short: "Invalidate and repopulate the cached reads of domains",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, app, cfg, log, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		w := app.Warmer()
		if remote, _ := cmd.Flags().GetString("remote"); remote != "" {
			fetcher, err := warming.NewHTTPFetcher(remote, log)
			if err != nil {
				return err
			}
			w = warming.New(app.Invalidator(), app.Store(), fetcher, cfg.InternalSecret, log,
				warming.WithConcurrency(cfg.WarmConcurrency))
		}
		if len(args) == 0 {
			args = w.Domains()
		}
		var failed []string
		for _, domain := range args {
			report, err := w.WarmDetailed(ctx, domain)
			if report != nil {
				fmt.Printf("%s: %d/%d reads, %d invalidated, %s\n", domain, report.Succeeded, len(report.Variants),
					report.Invalidated, report.Elapsed.Round(time.Millisecond))
				targets := make([]string, 0, len(report.Failures))
				for target := range report.Failures {
					targets = append(targets, target)
				}
				sort.Strings(targets)
				for _, target := range targets {
					fmt.Printf("  %s: %s\n", target, report.Failures[target])
				}
			}
			if err != nil || report.Failed() > 0 {
				if err != nil {
					log.Error("warm %s: %s", domain, err)
				}
				failed = append(failed, domain)
			}
		}
		if len(failed) > 0 {
			return errors.Newf("warming failed for %v", failed)
		}
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a bearer token for internal requests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := env.FlagOrEnv(cmd, "internal-secret", "READCACHE_INTERNAL_SECRET", "")
		if secret == "" {
			return errors.New("an internal secret is required")
		}
		var opts []authentication.TokenOpt
		expires, err := env.DurationFlagOrEnv(cmd, "expires", "READCACHE_TOKEN_EXPIRES", 0)
		if err != nil {
			return err
		}
		if expires > 0 {
			opts = append(opts, authentication.WithExpiration(time.Now().Add(expires)))
		}
		token, err := authentication.NewBearerToken(secret, opts...)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func main() {
	pf := rootCmd.PersistentFlags()
	pf.String("log-level", "", "log level: trace, debug, info, warn, error (READCACHE_LOG_LEVEL)")
	pf.String("log-format", "", "log format: console or json (READCACHE_LOG_FORMAT)")
	pf.String("env-file", ".env", "file of environment variables to load")
	pf.Bool("no-telemetry", false, "disable OTLP export (READCACHE_NO_TELEMETRY)")
	pf.String("otlp-url", "", "OTLP collector url (READCACHE_OTLP_URL)")
	pf.String("otlp-shared-secret", "", "OTLP collector shared secret (READCACHE_OTLP_SHARED_SECRET)")

	addConfigFlags(serveCmd)
	addConfigFlags(invalidateCmd)
	invalidateCmd.Flags().String("pattern", "", "glob pattern, e.g. cache:api:s3:pedidos:*")
	invalidateCmd.Flags().String("key", "", "exact cache key")
	addConfigFlags(warmCmd)
	warmCmd.Flags().String("remote", "", "issue warming reads against a running server at this base url")
	tokenCmd.Flags().String("internal-secret", "", "shared secret (READCACHE_INTERNAL_SECRET)")
	tokenCmd.Flags().String("expires", "10m", "token lifetime, 0 for a non-expiring token")

	rootCmd.AddCommand(serveCmd, invalidateCmd, warmCmd, tokenCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
