// Command heroku-bridge serves the Heroku Platform API as MCP tools:
// an operation catalog refreshed from the upstream hyper-schema, a
// keyword search over it, and a guarded execute pipeline with per-user
// OAuth credentials.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/heroku-bridge/internal/config"
	"github.com/alexjbarnes/heroku-bridge/internal/crypto"
	"github.com/alexjbarnes/heroku-bridge/internal/executor"
	"github.com/alexjbarnes/heroku-bridge/internal/logging"
	"github.com/alexjbarnes/heroku-bridge/internal/mcpserver"
	"github.com/alexjbarnes/heroku-bridge/internal/oauth"
	"github.com/alexjbarnes/heroku-bridge/internal/schema"
	"github.com/alexjbarnes/heroku-bridge/internal/search"
	"github.com/alexjbarnes/heroku-bridge/internal/server"
	"github.com/alexjbarnes/heroku-bridge/internal/tokenstore"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Environment)

	key, err := cfg.TokenKey()
	if err != nil {
		return err
	}

	keys, err := crypto.NewKeyset(key)
	if err != nil {
		return fmt.Errorf("building keyset: %w", err)
	}

	store := tokenstore.New(cfg.TokenStorePath, keys)

	oauthSvc := oauth.NewService(oauth.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		Scope:        cfg.OAuthScope,
		AuthorizeURL: cfg.OAuthAuthorizeURL,
		TokenURL:     cfg.OAuthTokenURL,
		RedirectURI:  cfg.OAuthRedirectURI,
	}, store, logger)
	defer oauthSvc.Stop()

	index := search.NewIndex()

	schemaSvc := schema.NewService(schema.Config{
		SchemaURL:       cfg.SchemaURL,
		DocsURL:         cfg.DocsURL,
		Accept:          cfg.AcceptHeader,
		CachePath:       cfg.CatalogCachePath,
		RefreshInterval: cfg.SchemaRefreshInterval,
	}, nil, logger, func(ops []*schema.Operation, docsContext string) {
		index.Rebuild(ops, docsContext)
	})
	defer schemaSvc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := schemaSvc.EnsureReady(ctx); err != nil {
		// The server still starts: a later refresh or the background
		// ticker can recover the catalog.
		logger.Warn("initial catalog load failed", "error", err)
	}

	schemaSvc.Start(ctx)

	exec := executor.New(executor.Deps{
		Resolve:     schemaSvc.Operation,
		RootSchema:  schemaSvc.RootSchema,
		AccessToken: oauthSvc.AccessToken,
		Do:          (&http.Client{}).Do,
	}, executor.Options{
		BaseURL:          cfg.APIBaseURL,
		Accept:           cfg.AcceptHeader,
		AllowWrites:      cfg.AllowWrites,
		RequestTimeout:   cfg.RequestTimeout,
		MaxRetries:       cfg.MaxRetries,
		ReadCacheTTL:     cfg.ReadCacheTTL,
		MaxBodyBytes:     cfg.MaxBodyBytes,
		BodyPreviewChars: cfg.BodyPreviewChars,
		ConfirmSecret:    []byte(cfg.WriteConfirmSecret),
	}, logger)

	mcpSrv := mcp.NewServer(
		&mcp.Implementation{Name: "heroku-bridge", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpSrv, mcpserver.Deps{
		EnsureReady: schemaSvc.EnsureReady,
		Search:      index.Search,
		Execute:     exec.Execute,
		AuthStatus:  oauthSvc.Status,
		LoginURL:    oauthSvc.AuthorizationURL,
	})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpSrv
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		OAuth:        oauthSvc,
		MCPHandler:   mcpHandler,
		Logger:       logger,
		UserIDHeader: cfg.UserIDHeader,
		CatalogReady: func() bool { return len(schemaSvc.Operations()) > 0 },
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server",
		slog.String("listen", cfg.ListenAddr),
		slog.String("api", cfg.APIBaseURL),
		slog.Bool("allow_writes", cfg.AllowWrites),
		slog.Int("operations", len(schemaSvc.Operations())),
	)

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
