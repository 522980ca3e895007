// ABOUTME: Entry point for the opal-gateway RPC server
// ABOUTME: Wires auth, registries, dispatch, and the HTTP transport together

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opal-labs/opal-gateway/internal/audit"
	"github.com/opal-labs/opal-gateway/internal/auth"
	"github.com/opal-labs/opal-gateway/internal/config"
	"github.com/opal-labs/opal-gateway/internal/dispatch"
	"github.com/opal-labs/opal-gateway/internal/gateway"
	"github.com/opal-labs/opal-gateway/internal/ratelimit"
	"github.com/opal-labs/opal-gateway/internal/registry"
	"github.com/opal-labs/opal-gateway/internal/session"
	"github.com/opal-labs/opal-gateway/internal/store"
	"github.com/opal-labs/opal-gateway/internal/subscribe"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                   _
  ___  _ __   __ _| |       __ _  __ _| |_ _____      ____ _ _   _
 / _ \| '_ \ / _' | |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_) | |_) | (_| | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \___/| .__/ \__,_|_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
      |_|                  |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: OPAL_CONFIG env var > XDG_CONFIG_HOME/opal/gateway.yaml > ~/.config/opal/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("OPAL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "opal", "gateway.yaml")
}

// getDataPath returns the path to the opal data directory.
// Priority: XDG_DATA_HOME/opal > ~/.local/share/opal
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "opal")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: opal-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the gateway server")
		fmt.Println("  bootstrap --name NAME  Create initial config and admin credentials")
		fmt.Println("  health                 Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "bootstrap":
		err = runBootstrap(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting opal-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	verifier := auth.NewSessionTokenVerifier([]byte(cfg.Auth.JWTSecret))
	resolver := auth.NewResolver(verifier, auth.NewAPITokenVerifier(st))

	limiter := ratelimit.New(logger, ratelimit.WithClasses(cfg.RateClasses()))
	defer limiter.Close()

	broadcast := subscribe.NewBroadcaster(logger)
	defer broadcast.Close()

	sessions := session.NewManager(logger)
	sink := audit.NewSink(st, logger)
	defer sink.Close()

	registries := registry.NewRegistries(st, logger)
	if err := registries.Load(ctx); err != nil {
		return fmt.Errorf("loading registries: %w", err)
	}
	logger.Info("registries loaded",
		"tools", registries.Tools.Len(),
		"resources", registries.Resources.Len(),
		"prompts", registries.Prompts.Len(),
	)

	serverVersion := cfg.Server.Version
	if serverVersion == "" {
		serverVersion = version
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Resolver:      resolver,
		Limiter:       limiter,
		Registries:    registries,
		Broadcast:     broadcast,
		Sessions:      sessions,
		Sink:          sink,
		Store:         st,
		Invoker:       dispatch.NewHTTPInvoker(30*time.Second, logger),
		Logger:        logger,
		ServerName:    cfg.Server.Name,
		ServerVersion: serverVersion,
	})
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	srv, err := gateway.NewServer(gateway.Config{
		Dispatcher: dispatcher,
		Broadcast:  broadcast,
		Sessions:   sessions,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Sessions.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				sessions.CloseIdle(cfg.Sessions.IdleTimeout)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", strings.TrimPrefix(cfg.Server.HTTPAddr, "http://"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runBootstrap performs first-time setup of the gateway:
// 1. Creates a config file with a random JWT secret (if not exists)
// 2. Creates an admin API token in the database
// 3. Mints an admin session token
//
// One-command setup: opal-gateway bootstrap --name "Your Name"
func runBootstrap(ctx context.Context) error {
	// Supports both "--name value" and "--name=value" formats
	var displayName string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			displayName = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			displayName = strings.TrimPrefix(arg, "--name=")
		case strings.HasPrefix(arg, "-n="):
			displayName = strings.TrimPrefix(arg, "-n=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return fmt.Errorf("--name flag is required")
	}
	if len(displayName) > 100 {
		return fmt.Errorf("display name exceeds maximum length of 100 characters")
	}

	configPath := getConfigPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "gateway.db")

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	var cfg *config.Config
	var jwtSecret string

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.MkdirAll(dataPath, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		configContent := fmt.Sprintf(`# opal-gateway configuration
# Generated by opal-gateway bootstrap

server:
  http_addr: "localhost:8600"

database:
  path: "%s"

auth:
  jwt_secret: "%s"
  session_token_ttl: "24h"

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret)

		if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}

		green.Printf("  ✓ Created config: %s\n", configPath)

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	} else {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		jwtSecret = cfg.Auth.JWTSecret

		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	existing, err := st.ListAPITokens(ctx)
	if err != nil {
		return fmt.Errorf("checking tokens: %w", err)
	}
	if len(existing) > 0 {
		return fmt.Errorf("bootstrap already complete: %d API token(s) exist", len(existing))
	}

	principalID := uuid.New().String()

	// Opaque admin API token for long-lived automation
	rawToken := make([]byte, 24)
	if _, err := rand.Read(rawToken); err != nil {
		return fmt.Errorf("generating API token: %w", err)
	}
	apiToken := auth.CanonicalToken(base64.RawURLEncoding.EncodeToString(rawToken))

	if err := st.CreateAPIToken(ctx, &store.APIToken{
		Token:       apiToken,
		PrincipalID: principalID,
		DisplayName: displayName,
		Role:        string(auth.RoleAdmin),
	}); err != nil {
		return fmt.Errorf("creating API token: %w", err)
	}

	green.Printf("  ✓ Created admin API token for: %s\n", displayName)

	// Short-lived admin session token
	verifier := auth.NewSessionTokenVerifier([]byte(jwtSecret))
	sessionToken, err := verifier.Generate(&auth.Principal{
		ID:          principalID,
		DisplayName: displayName,
		Role:        auth.RoleAdmin,
	}, cfg.Auth.SessionTokenTTL)
	if err != nil {
		return fmt.Errorf("generating session token: %w", err)
	}

	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(sessionToken), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green.Printf("  ✓ Saved session token: %s\n", tokenPath)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Admin Principal")
	cyan.Println("  ---------------")
	fmt.Printf("  ID:        %s\n", principalID)
	fmt.Printf("  Name:      %s\n", displayName)
	fmt.Printf("  Role:      admin\n")
	fmt.Printf("  API token: %s\n", apiToken)
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    opal-gateway serve    # start the gateway")
	fmt.Println("    opal-admin whoami     # verify your identity")
	fmt.Println()

	return nil
}
