// Command seopilot runs the autonomous optimization server.
//
// Usage:
//
//	seopilot -config seopilot.yaml            # daemon: API, agent manifests, scheduler
//	seopilot -db seopilot.db -cycle <site>    # run one cycle and exit
//	seopilot -db seopilot.db -manifest <site> # print the compiled manifest and exit
//	seopilot -db seopilot.db -energy <site>   # print today's energy and exit
//	seopilot -config seopilot.yaml -mcp-stdio # serve MCP tools on stdin/stdout
package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/seopilot/auth"
	"github.com/hazyhaar/seopilot/autopilot"
	"github.com/hazyhaar/seopilot/dbopen"
	"github.com/hazyhaar/seopilot/horosafe"
	"github.com/hazyhaar/seopilot/kit"
	"github.com/hazyhaar/seopilot/observability"
)

const version = "1.0.0"

type options struct {
	configPath string
	dbPath     string
	logLevel   string
	cycle      string
	manifest   string
	energy     string
	mcpStdio   bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to seopilot.yaml config file")
	flag.StringVar(&o.dbPath, "db", "", "path to SQLite database (overrides config)")
	flag.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flag.StringVar(&o.cycle, "cycle", "", "run one cycle for this site ID and exit")
	flag.StringVar(&o.manifest, "manifest", "", "print the manifest of this site ID and exit")
	flag.StringVar(&o.energy, "energy", "", "print today's energy of this site ID and exit")
	flag.BoolVar(&o.mcpStdio, "mcp-stdio", false, "serve MCP tools over stdio instead of HTTP")
	flag.Parse()

	cfg, err := resolveConfig(o)
	if err != nil {
		fmt.Fprintln(os.Stderr, "seopilot:", err)
		os.Exit(1)
	}

	logger, closer, err := observability.NewLogger(observability.ParseLevel(cfg.LogLevel), cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "seopilot:", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, o); err != nil {
		logger.Error("seopilot: fatal", "error", err)
		os.Exit(1)
	}
}

func resolveConfig(o options) (*autopilot.Config, error) {
	cfg := autopilot.Defaults()
	if o.configPath != "" {
		var err error
		if cfg, err = autopilot.LoadConfigFile(o.configPath); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	if v := os.Getenv("SEOPILOT_DB"); v != "" {
		cfg.DBPath = v
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if cfg.Synth.APIKey == "" {
		cfg.Synth.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	return cfg, nil
}

// jwtSecret returns the configured secret, or one derived with SHA-256
// from SESSION_SECRET.
func jwtSecret(cfg *autopilot.Config) ([]byte, error) {
	if cfg.JWTSecret != "" {
		secret := []byte(cfg.JWTSecret)
		if err := horosafe.ValidateSecret(secret); err != nil {
			return nil, fmt.Errorf("jwt_secret: %w", err)
		}
		return secret, nil
	}
	input := os.Getenv("SESSION_SECRET")
	if input == "" {
		return nil, errors.New("jwt_secret or SESSION_SECRET is required")
	}
	sum := sha256.Sum256([]byte(input))
	return sum[:], nil
}

func run(ctx context.Context, logger *slog.Logger, cfg *autopilot.Config, o options) error {
	deps := autopilot.Deps{}

	syn, closeSynth, err := autopilot.BuildSynthesizer(ctx, cfg.Synth, logger)
	if err != nil {
		return err
	}
	defer closeSynth()
	deps.Synthesizer = syn

	market, closeMarket, err := autopilot.BuildMarket(cfg.Market, logger)
	if err != nil {
		return err
	}
	defer closeMarket()
	deps.Market = market

	if cfg.MetricsDBPath != "" {
		mdb, err := dbopen.Open(cfg.MetricsDBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
		if err != nil {
			return fmt.Errorf("metrics db: %w", err)
		}
		defer mdb.Close()
		mm := observability.NewMetricsManager(mdb, 100, 10*time.Second)
		defer mm.Close()
		deps.Metrics = mm
		go mm.RunRetention(ctx, cfg.MetricsRetentionDays, 24*time.Hour, logger)
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("seopilot"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		deps.Publisher = nc
		logger.Info("seopilot: publishing audit events", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}

	p, err := autopilot.New(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer p.Close()

	// One-shot commands.
	switch {
	case o.cycle != "":
		rep, err := p.RunCycle(ctx, o.cycle)
		if err != nil {
			return fmt.Errorf("cycle: %w", err)
		}
		return printJSON(rep)
	case o.manifest != "":
		m, err := p.Manifest(ctx, o.manifest)
		if err != nil {
			return fmt.Errorf("manifest: %w", err)
		}
		return printJSON(m)
	case o.energy != "":
		st, err := p.Energy(ctx, o.energy)
		if err != nil {
			return fmt.Errorf("energy: %w", err)
		}
		return printJSON(st)
	}

	if err := p.EnsureAdmin(ctx); err != nil {
		return err
	}

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "seopilot", Version: version}, nil)
	p.RegisterMCP(mcpSrv)

	if o.mcpStdio {
		p.Start(ctx)
		return mcpSrv.Run(ctx, &mcp.StdioTransport{})
	}

	secret, err := jwtSecret(cfg)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.With(auth.Middleware(secret), auth.RequireAuth, requireAdmin).
		Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
	r.Mount("/", p.Handler(secret))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           otelhttp.NewHandler(r, "seopilot"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	p.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("seopilot: listening", "addr", cfg.Listen, "db", cfg.DBPath)
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
	logger.Info("seopilot: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if kit.GetRole(r.Context()) != autopilot.RoleAdmin {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"error": "admin role required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
