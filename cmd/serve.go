package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalnine/patchgrade/internal/mcpserver"
	"github.com/signalnine/patchgrade/internal/metrics"
)

var (
	flagHTTP        string
	flagMetricsAddr string
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the modules as MCP tools (stdio unless --http is set)",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&flagHTTP, "http", "", "serve streamable HTTP on this address instead of stdio")
	cmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// Logs go to stderr; stdout carries the stdio transport.
	log.SetOutput(os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	addr := cfg.Metrics.Addr
	if flagMetricsAddr != "" {
		addr = flagMetricsAddr
	}
	m := metrics.New()

	_, reg, err := buildRegistry(cfg, m)
	if err != nil {
		return err
	}
	srv := mcpserver.New(reg, &mcpserver.Options{Version: version, Observer: m})

	if addr != "" {
		go func() {
			if err := m.Serve(ctx, addr); err != nil {
				log.Printf("warning: metrics server: %v", err)
			}
		}()
		log.Printf("metrics on http://%s/metrics", addr)
	}

	if flagHTTP == "" {
		log.Printf("serving %d module(s) over stdio", reg.Len())
		return srv.RunStdio(ctx)
	}

	hs := &http.Server{Addr: flagHTTP, Handler: srv.HTTPHandler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	log.Printf("serving %d module(s) on http://%s/mcp", reg.Len(), flagHTTP)
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return hs.Shutdown(shutdownCtx)
	}
}
