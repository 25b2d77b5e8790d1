// Command kickchat follows one Kick channel's chat and keeps its OAuth
// credentials fresh. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres, runs migrations and resumes a stored token.
//   - Logs in, opens the chat feed and reconnects it with backoff.
//   - Optionally records chat messages to the database.
//   - Exposes /healthz, /readyz, /status, /metrics and admin endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/onnwee/kickchat/auth"
	"github.com/onnwee/kickchat/chat"
	"github.com/onnwee/kickchat/config"
	"github.com/onnwee/kickchat/crypto"
	"github.com/onnwee/kickchat/db"
	"github.com/onnwee/kickchat/kickapi"
	"github.com/onnwee/kickchat/oauth"
	"github.com/onnwee/kickchat/realtime"
	"github.com/onnwee/kickchat/server"
	"github.com/onnwee/kickchat/session"
	"github.com/onnwee/kickchat/telemetry"
)

const tokenProvider = "kick"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Error("chat not configured", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; it stays a no-op without OTEL_EXPORTER_OTLP_ENDPOINT.
	shutdown, err := telemetry.InitTracing("kickchat", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; the idempotent statements cover databases
	// created before schema_migrations existed.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens := &db.TokenStore{DB: database}
	if cfg.EncryptionKey != "" {
		sealer, err := crypto.NewAESGCM(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		tokens.Sealer = sealer
		slog.Info("token encryption enabled", slog.String("key_id", sealer.KeyID()))
	}
	persister := &db.TokenStoreAdapter{Store: tokens, Provider: tokenProvider}

	creds, haveOAuth := resumeOAuth(ctx, cfg, persister)

	metadata := &kickapi.MetadataClient{BaseURL: cfg.SiteBase}
	opts := session.Options{
		Slug:           cfg.Channel,
		Refresher:      &kickapi.Refresher{TokenURL: cfg.TokenURL},
		API:            &kickapi.Client{BaseURL: cfg.APIBase},
		Metadata:       metadata,
		Login:          session.CapturedLogin{Session: cfg.SessionCredentials()},
		FeedURL:        realtime.FeedURL(cfg.PusherHost, cfg.PusherAppKey, cfg.PusherVersion),
		ConnectTimeout: cfg.PusherConnectTimeout,
		Persister:      persister,
	}
	if haveOAuth {
		opts.OAuth = &creds
	}
	client, err := session.New(opts)
	if err != nil {
		slog.Error("session setup failed", slog.Any("err", err))
		os.Exit(1)
	}
	metadata.Sessions = client.Store()
	defer func() {
		if err := client.Close(); err != nil {
			slog.Warn("chat close", slog.Any("err", err))
		}
	}()

	client.Events().OnError(func(err error) {
		slog.Warn("chat error", slog.Any("err", err), slog.String("component", "chat"))
	})
	if cfg.ChatRecord {
		detach := chat.NewRecorder(chat.SQLStore{DB: database}).Attach(ctx, client.Events())
		defer detach()
		slog.Info("chat recording enabled", slog.String("component", "chat_recorder"))
	}

	cs, err := client.Login(ctx, session.LoginCredentials{})
	if err != nil {
		slog.Error("login failed", slog.Any("err", err), slog.String("channel", cfg.Channel))
		os.Exit(1)
	}
	slog.Info("following chat", slog.String("channel", cs.ChannelSlug), slog.Int64("chatroom_id", cs.ChatroomID))

	// Runs even without OAuth: credentials may arrive later through the consent flow.
	oauth.StartRefresher(ctx, tokenProvider, cfg.TokenRefreshInterval, cfg.TokenRefreshWindow, client.Guard())
	go superviseChat(ctx, client, time.Second, cfg.ReconnectMaxInterval)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	srvOpts := server.Options{
		DB:      database,
		Session: client,
		Tokens:  client.Guard(),
		OnToken: func(ctx context.Context, creds auth.OAuth) error {
			client.SetOAuth(creds)
			return persister.SaveOAuth(ctx, creds)
		},
	}
	if cfg.OAuthEnabled() {
		srvOpts.OAuth = kickapi.NewOAuthConfig(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURI, cfg.Scopes, "", cfg.TokenURL)
	}
	go func() {
		if err := server.Start(ctx, srvOpts, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

// resumeOAuth prefers the stored token over the configured one; the stored
// copy is the refreshed one. Client id and secret always come from config.
func resumeOAuth(ctx context.Context, cfg *config.Config, p *db.TokenStoreAdapter) (auth.OAuth, bool) {
	configured, ok := cfg.OAuthCredentials()
	stored, found, err := p.LoadOAuth(ctx)
	if err != nil {
		slog.Warn("could not load stored oauth token", slog.Any("err", err), slog.String("component", "db_tokens"))
	}
	if err != nil || !found || stored.AccessToken == "" {
		return configured, ok
	}
	stored.ClientID = cfg.ClientID
	stored.ClientSecret = cfg.ClientSecret
	slog.Info("resumed stored oauth token", slog.String("provider", p.Provider))
	return stored, true
}
