// Command tom runs the network automation broker in one of its two roles:
// the controller (HTTP API) or a worker (device command execution). Both
// roles coordinate exclusively through the shared Redis store, so any number
// of either can run side by side.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/tomnet/tom/internal/config"
	"github.com/tomnet/tom/internal/controller"
	"github.com/tomnet/tom/internal/worker"
)

var (
	configPath string
	debugLogs  bool
)

func main() {
	root := &cobra.Command{
		Use:           "tom",
		Short:         "Network automation broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	root.PersistentFlags().BoolVar(&debugLogs, "debug", false, "enable debug logging")
	root.AddCommand(controllerCmd(), workerCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tom:", err)
		os.Exit(1)
	}
}

func controllerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "controller",
		Short: "Run the HTTP controller",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadController(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(logContext(cfg.LogLevel))
			defer stop()

			rdb := redisClient(cfg.Redis)
			defer rdb.Close()

			ctrl, err := controller.New(ctx, cfg, rdb)
			if err != nil {
				return err
			}
			defer ctrl.Close(context.WithoutCancel(ctx))

			srv := &http.Server{
				Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
				Handler: ctrl.Router(),
				// Handlers inherit the logging context through the request.
				BaseContext: func(net.Listener) context.Context { return ctx },
			}

			errc := make(chan error, 1)
			go func() {
				log.Printf(ctx, "controller listening on %s", srv.Addr)
				errc <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return err
				}
				log.Printf(ctx, "controller stopped")
				return nil
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a device execution worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWorker(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(logContext(cfg.LogLevel))
			defer stop()

			rdb := redisClient(cfg.Redis)
			defer rdb.Close()

			w, err := worker.New(ctx, cfg, rdb)
			if err != nil {
				return err
			}
			return w.Run(ctx)
		},
	}
}

// logContext builds the root logging context. JSON on non-terminals so log
// aggregation gets structured records.
func logContext(level string) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if debugLogs || strings.EqualFold(level, "debug") {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func redisClient(cfg config.Redis) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.AuthToken,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opts)
}
