// Command domtrack runs the identity-tracking daemon: it opens the
// configured pages in Chrome, tracks their interactive elements, and
// serves the node set, mirror tree, event feed and action forwarding
// over HTTP and optionally MCP stdio.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	domtrack "github.com/hazyhaar/domtrack"
	"github.com/hazyhaar/domtrack/internal/browser"
	"github.com/hazyhaar/domtrack/internal/config"
	"github.com/hazyhaar/domtrack/internal/httpapi"
	"github.com/hazyhaar/domtrack/internal/mcpapi"
	"github.com/hazyhaar/domtrack/internal/store"
	"github.com/hazyhaar/domtrack/tree"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	configPath := flag.String("config", env("DOMTRACK_CONFIG", "domtrack.yaml"), "path to YAML configuration")
	flag.Parse()

	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if len(cfg.Pages) == 0 {
		slog.Error("no pages configured")
		os.Exit(1)
	}

	// Session store.
	var sessions *store.Store
	if cfg.Store.Path != "" {
		sessions, err = store.Open(cfg.Store.Path, store.WithLogger(logger))
		if err != nil {
			slog.Error("open store", "path", cfg.Store.Path, "error", err)
			os.Exit(1)
		}
		defer sessions.Close()
	}

	// Browser.
	mgr := browser.NewManager(browser.Config{
		RemoteURL:  cfg.Browser.Remote,
		Headless:   *cfg.Browser.Headless,
		NavTimeout: cfg.Browser.NavTimeout,
		UserAgent:  cfg.Browser.UserAgent,
		WindowW:    cfg.Browser.WindowW,
		WindowH:    cfg.Browser.WindowH,
		Logger:     logger,
	})
	if err := mgr.Start(ctx); err != nil {
		slog.Error("start browser", "error", err)
		os.Exit(1)
	}
	defer mgr.Close()

	// One tracker per configured page.
	var httpPages []*httpapi.Page
	var mcpPages []*mcpapi.Page
	for _, pc := range cfg.Pages {
		tab, err := browser.OpenTab(ctx, mgr, pc.URL)
		if err != nil {
			slog.Error("open page", "page", pc.ID, "url", pc.URL, "error", err)
			os.Exit(1)
		}
		defer tab.Close()

		opts := []domtrack.Option{domtrack.WithLogger(logger.With("page", pc.ID))}
		if sessions != nil {
			opts = append(opts, domtrack.WithStore(sessions))
		}
		tr := domtrack.New(tab, cfg.TrackerConfig(pc.SessionID), opts...)
		if err := tr.Start(ctx); err != nil {
			slog.Error("start tracker", "page", pc.ID, "error", err)
			os.Exit(1)
		}
		defer tr.Stop()

		b := tree.New(tr, tab, tree.WithLogger(logger))
		defer b.Close()

		httpPages = append(httpPages, &httpapi.Page{ID: pc.ID, Tracker: tr, Tree: b})
		mcpPages = append(mcpPages, &mcpapi.Page{ID: pc.ID, Tracker: tr, Tree: b})
		slog.Info("tracking page", "page", pc.ID, "url", pc.URL, "session", pc.SessionID)
	}

	// Optional MCP stdio.
	if cfg.MCP.Enabled {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "domtrack",
			Version: "1.0.0",
		}, nil)
		mcpapi.New(mcpPages).RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("mcp stdio", "error", err)
			}
		}()
		slog.Info("mcp stdio enabled")
	}

	// HTTP surface.
	var apiOpts []httpapi.Option
	apiOpts = append(apiOpts, httpapi.WithLogger(logger))
	if cfg.HTTP.Username != "" {
		apiOpts = append(apiOpts, httpapi.WithBasicAuth(cfg.HTTP.Username, cfg.HTTP.PasswordHash))
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           httpapi.New(httpPages, apiOpts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("http listening", "addr", cfg.HTTP.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
}
