// Command pilotagent is a reverse proxy that applies a site's seopilot
// manifest to the pages of any origin server.
//
// Usage:
//
//	pilotagent -origin http://127.0.0.1:3000 -server https://seopilot.example.com -token sp_xxx
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/seopilot/agent"
	"github.com/hazyhaar/seopilot/observability"
)

func main() {
	origin := flag.String("origin", "", "origin server URL to proxy")
	server := flag.String("server", "", "seopilot server base URL")
	token := flag.String("token", os.Getenv("SEOPILOT_TOKEN"), "site credential (default $SEOPILOT_TOKEN)")
	listen := flag.String("listen", ":8080", "listen address")
	interval := flag.Duration("interval", 60*time.Second, "manifest sync interval")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger, closer, err := observability.NewLogger(observability.ParseLevel(*logLevel), "")
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilotagent:", err)
		os.Exit(1)
	}
	defer closer.Close()

	if *origin == "" || *server == "" || *token == "" {
		fmt.Fprintln(os.Stderr, "usage: pilotagent -origin <url> -server <url> -token <credential> [-listen :8080]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *origin, *server, *token, *listen, *interval); err != nil {
		logger.Error("pilotagent: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, origin, server, token, listen string, interval time.Duration) error {
	target, err := url.Parse(origin)
	if err != nil || target.Host == "" {
		return fmt.Errorf("invalid origin %q", origin)
	}

	a := agent.New(agent.Config{
		Server:   server,
		Token:    token,
		Interval: interval,
		Logger:   logger,
	})
	go a.Run(ctx)

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("pilotagent: origin error", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(a.Status())
	})
	mux.Handle("/", a.Middleware(proxy))

	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("pilotagent: listening", "addr", listen, "origin", origin, "server", server)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
