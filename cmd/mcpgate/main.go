// Command mcpgate runs the MCP aggregator: it reads a config file, starts
// one upstream session per configured server, and serves the merged
// capability set to a single downstream client over stdio, HTTP+SSE, or
// WebSocket (spec.md §1-§2).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"mcpgate/internal/config"
	"mcpgate/internal/controller"
	"mcpgate/internal/httpserver"
	"mcpgate/internal/reload"
	"mcpgate/internal/stdioserver"
	"mcpgate/internal/upstream"
	"mcpgate/internal/wstransport"
)

var (
	configPath    string
	transportMode string
)

var rootCmd = &cobra.Command{
	Use:   "mcpgate",
	Short: "mcpgate aggregates multiple MCP servers behind one session",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the aggregator using the given config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(configPath, transportMode)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "mcpgate.yaml", "path to config file")
	serveCmd.Flags().StringVar(&transportMode, "mode", "", "override the config file's transport mode: stdio, http, or ws")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	log.SetOutput(os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("mcpgate: %v", err)
	}
}

// modeOverride maps the --mode flag's values onto config.Transport.Mode;
// "http" is the CLI-facing spelling of the internal "http-sse" mode.
func modeOverride(mode string) (string, error) {
	switch mode {
	case "stdio", "ws":
		return mode, nil
	case "http":
		return "http-sse", nil
	default:
		return "", fmt.Errorf("unknown --mode %q (want stdio, http, or ws)", mode)
	}
}

func runServe(path, mode string) error {
	fs := afero.NewOsFs()
	cfg, err := config.Load(fs, path, os.Getenv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if mode != "" {
		resolved, err := modeOverride(mode)
		if err != nil {
			return err
		}
		cfg.Transport.Mode = resolved
	}

	sessions := make([]*upstream.Session, 0, len(cfg.Upstream))
	for _, uc := range cfg.Upstream {
		sessions = append(sessions, upstream.New(uc))
	}
	ctrl := controller.New(sessions)
	defer ctrl.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	watcher := reload.New(fs, path, ctrl)
	go func() {
		if err := watcher.Watch(ctx); err != nil {
			log.Printf("mcpgate: config watcher stopped: %v", err)
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			next, err := config.Load(fs, path, os.Getenv)
			if err != nil {
				log.Printf("mcpgate: SIGHUP reload failed, keeping previous config: %v", err)
				continue
			}
			ctrl.Reload(next.Upstream)
		}
	}()

	switch cfg.Transport.Mode {
	case "stdio":
		return serveStdio(ctx, cfg, ctrl)
	case "http-sse":
		return serveHTTP(ctx, cfg, ctrl)
	case "ws":
		return serveWS(ctx, cfg, ctrl)
	default:
		return fmt.Errorf("unknown transport mode %q", cfg.Transport.Mode)
	}
}

func serveStdio(ctx context.Context, cfg *config.Config, ctrl *controller.Controller) error {
	srv := stdioserver.New(cfg.Name, "0.1.0", ctrl)
	log.Printf("mcpgate: serving stdio (%d upstreams)", len(cfg.Upstream))
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}

func serveHTTP(ctx context.Context, cfg *config.Config, ctrl *controller.Controller) error {
	mux := http.NewServeMux()
	httpserver.New(cfg.Name, "0.1.0", ctrl).RegisterRoutes(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Transport.Host, cfg.Transport.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	return runHTTPServer(ctx, srv, "http-sse")
}

func serveWS(ctx context.Context, cfg *config.Config, ctrl *controller.Controller) error {
	mux := http.NewServeMux()
	wstransport.New(cfg.Name, "0.1.0", ctrl).RegisterRoutes(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Transport.Host, cfg.Transport.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	return runHTTPServer(ctx, srv, "ws")
}

func runHTTPServer(ctx context.Context, srv *http.Server, label string) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("mcpgate: serving %s on %s", label, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		log.Println("mcpgate: stopped")
		return nil
	case err := <-errCh:
		return err
	}
}
