// ABOUTME: Admin CLI for opal-gateway: token management, stats, and audit inspection
// ABOUTME: Talks JSON-RPC to a running gateway and SQLite directly for token ops

package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/opal-labs/opal-gateway/internal/auth"
	"github.com/opal-labs/opal-gateway/internal/config"
	"github.com/opal-labs/opal-gateway/internal/protocol"
	"github.com/opal-labs/opal-gateway/internal/store"
)

const banner = `
  ___  _ __   __ _| |       __ _  __| |_ __ ___ (_)_ __
 / _ \| '_ \ / _' | |_____ / _' |/ _' | '_ ' _ \| | '_ \
| (_) | |_) | (_| | |_____| (_| | (_| | | | | | | | | | |
 \___/| .__/ \__,_|_|      \__,_|\__,_|_| |_| |_|_|_| |_|
      |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gatewayURL := getEnv("OPAL_GATEWAY_URL", "http://localhost:8600")
	token := os.Getenv("OPAL_TOKEN")

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "whoami":
		err = cmdWhoami(gatewayURL, token)
	case "token":
		err = cmdToken(args)
	case "jwt":
		err = cmdJWT(args)
	case "stats":
		err = cmdStats(gatewayURL, token)
	case "audit":
		err = cmdAudit(gatewayURL, token, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: opal-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  whoami                  Verify your credential against the gateway")
	fmt.Println("  token create            Create an API token (direct database access)")
	fmt.Println("  token list              List API tokens")
	fmt.Println("  token revoke <token>    Revoke an API token")
	fmt.Println("  jwt create              Mint a session token from the config secret")
	fmt.Println("  stats                   Show gateway call statistics (admin)")
	fmt.Println("  audit [--limit N]       Show recent audit records (admin)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  OPAL_GATEWAY_URL        Gateway base URL (default: http://localhost:8600)")
	fmt.Println("  OPAL_TOKEN              Bearer credential for gateway commands")
	fmt.Println("  OPAL_CONFIG             Config path for token/jwt commands")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  export OPAL_TOKEN=\"opal_...\"")
	fmt.Println("  opal-admin whoami")
	fmt.Println("  opal-admin token create --name ci-bot --role operator --permission tools.execute")
	fmt.Println("  opal-admin jwt create --id alice --name 'Alice' --role admin --ttl 24h")
	fmt.Println("  opal-admin audit --limit 20")
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// rpcCall sends one JSON-RPC request to the gateway and returns the
// decoded response envelope.
func rpcCall(ctx context.Context, baseURL, token, method string, params any) (*protocol.Envelope, error) {
	reqEnv := map[string]any{
		"jsonrpc": protocol.Version,
		"id":      1,
		"method":  method,
	}
	if params != nil {
		reqEnv["params"] = params
	}
	body, err := json.Marshal(reqEnv)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(baseURL, "/")+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var env protocol.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", env.Error.Code, env.Error.Message)
	}
	return &env, nil
}

func cmdWhoami(baseURL, token string) error {
	if token == "" {
		return fmt.Errorf("OPAL_TOKEN environment variable is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := rpcCall(ctx, baseURL, token, "ping", nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Println("✓ Credential accepted")
	fmt.Printf("Gateway: %s\n", baseURL)
	return nil
}

// openStore opens the SQLite store using the path from the config file.
func openStore() (*store.SQLiteStore, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return st, cfg, nil
}

func cmdToken(args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}

	switch args[0] {
	case "create":
		return cmdTokenCreate(args[1:])
	case "list", "ls":
		return cmdTokenList()
	case "revoke", "rm":
		if len(args) < 2 {
			return fmt.Errorf("usage: opal-admin token revoke <token>")
		}
		return cmdTokenRevoke(args[1])
	default:
		return fmt.Errorf("unknown token subcommand: %s", args[0])
	}
}

func cmdTokenCreate(args []string) error {
	var name, role, ttl string
	var permissions []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name", "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			name = args[i+1]
			i++
		case "--role", "-r":
			if i+1 >= len(args) {
				return fmt.Errorf("--role requires a value")
			}
			role = args[i+1]
			i++
		case "--ttl", "-t":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			ttl = args[i+1]
			i++
		case "--permission", "-p":
			if i+1 >= len(args) {
				return fmt.Errorf("--permission requires a value")
			}
			permissions = append(permissions, args[i+1])
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if name == "" {
		return fmt.Errorf("--name is required")
	}
	if role == "" {
		role = string(auth.RoleViewer)
	}
	if !auth.Role(role).Valid() {
		return fmt.Errorf("invalid role %q (viewer, operator, admin)", role)
	}

	var expiresAt *time.Time
	if ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return fmt.Errorf("parsing --ttl: %w", err)
		}
		t := time.Now().Add(d).UTC()
		expiresAt = &t
	}

	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	token := auth.CanonicalToken(base64.RawURLEncoding.EncodeToString(raw))

	var perms map[string]bool
	if len(permissions) > 0 {
		perms = make(map[string]bool, len(permissions))
		for _, p := range permissions {
			perms[p] = true
		}
	}

	rec := &store.APIToken{
		Token:       token,
		PrincipalID: uuid.New().String(),
		DisplayName: name,
		Role:        role,
		Permissions: perms,
		ExpiresAt:   expiresAt,
	}
	if err := st.CreateAPIToken(context.Background(), rec); err != nil {
		return fmt.Errorf("creating token: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Println("✓ Token created")
	fmt.Printf("Token:     %s\n", token)
	fmt.Printf("Principal: %s\n", rec.PrincipalID)
	fmt.Printf("Role:      %s\n", role)
	if len(permissions) > 0 {
		fmt.Printf("Perms:     %s\n", strings.Join(permissions, ", "))
	}
	if expiresAt != nil {
		fmt.Printf("Expires:   %s\n", expiresAt.Format(time.RFC3339))
	}
	return nil
}

func cmdTokenList() error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	tokens, err := st.ListAPITokens(context.Background())
	if err != nil {
		return fmt.Errorf("listing tokens: %w", err)
	}

	if len(tokens) == 0 {
		fmt.Println("No API tokens.")
		return nil
	}

	fmt.Printf("%-28s %-20s %-10s %-20s\n", "TOKEN", "NAME", "ROLE", "EXPIRES")
	for _, tok := range tokens {
		expires := "never"
		if tok.ExpiresAt != nil {
			expires = tok.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Printf("%-28s %-20s %-10s %-20s\n",
			truncate(tok.Token, 28), truncate(tok.DisplayName, 20), tok.Role, expires)
	}
	return nil
}

func cmdTokenRevoke(token string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RevokeAPIToken(context.Background(), auth.CanonicalToken(token)); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	color.Green("✓ Token revoked")
	return nil
}

func cmdJWT(args []string) error {
	if len(args) == 0 || args[0] != "create" {
		return fmt.Errorf("usage: opal-admin jwt create --id ID --name NAME --role ROLE [--ttl DUR]")
	}
	args = args[1:]

	var id, name, role, ttl string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			if i+1 >= len(args) {
				return fmt.Errorf("--id requires a value")
			}
			id = args[i+1]
			i++
		case "--name", "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			name = args[i+1]
			i++
		case "--role", "-r":
			if i+1 >= len(args) {
				return fmt.Errorf("--role requires a value")
			}
			role = args[i+1]
			i++
		case "--ttl", "-t":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			ttl = args[i+1]
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if id == "" {
		return fmt.Errorf("--id is required")
	}
	if role == "" {
		role = string(auth.RoleViewer)
	}
	if !auth.Role(role).Valid() {
		return fmt.Errorf("invalid role %q (viewer, operator, admin)", role)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	expiresIn := cfg.Auth.SessionTokenTTL
	if ttl != "" {
		expiresIn, err = time.ParseDuration(ttl)
		if err != nil {
			return fmt.Errorf("parsing --ttl: %w", err)
		}
	}

	verifier := auth.NewSessionTokenVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(&auth.Principal{
		ID:          id,
		DisplayName: name,
		Role:        auth.Role(role),
	}, expiresIn)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// loadConfig loads the config without opening the database.
func loadConfig() (*config.Config, error) {
	configPath := os.Getenv("OPAL_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("OPAL_CONFIG environment variable is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func cmdStats(baseURL, token string) error {
	if token == "" {
		return fmt.Errorf("OPAL_TOKEN environment variable is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env, err := rpcCall(ctx, baseURL, token, "server/stats", nil)
	if err != nil {
		return err
	}

	var stats struct {
		TotalCalls     uint64         `json:"totalCalls"`
		FailedCalls    uint64         `json:"failedCalls"`
		CallsPerMinute int            `json:"callsPerMinute"`
		AvgLatencyMs   float64        `json:"avgLatencyMs"`
		LiveSessions   int            `json:"liveSessions"`
		RegistryCounts map[string]int `json:"registryCounts"`
	}
	if err := json.Unmarshal(env.Result, &stats); err != nil {
		return fmt.Errorf("decoding stats: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Println("Gateway Statistics")
	cyan.Println("------------------")
	fmt.Printf("Total calls:      %d\n", stats.TotalCalls)
	fmt.Printf("Failed calls:     %d\n", stats.FailedCalls)
	fmt.Printf("Calls per minute: %d\n", stats.CallsPerMinute)
	fmt.Printf("Avg latency:      %.2fms\n", stats.AvgLatencyMs)
	fmt.Printf("Live sessions:    %d\n", stats.LiveSessions)
	fmt.Printf("Tools:            %d\n", stats.RegistryCounts["tools"])
	fmt.Printf("Resources:        %d\n", stats.RegistryCounts["resources"])
	fmt.Printf("Prompts:          %d\n", stats.RegistryCounts["prompts"])
	return nil
}

func cmdAudit(baseURL, token string, args []string) error {
	if token == "" {
		return fmt.Errorf("OPAL_TOKEN environment variable is required")
	}

	params := map[string]any{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--limit", "-l":
			if i+1 >= len(args) {
				return fmt.Errorf("--limit requires a value")
			}
			var limit int
			if _, err := fmt.Sscanf(args[i+1], "%d", &limit); err != nil {
				return fmt.Errorf("parsing --limit: %w", err)
			}
			params["limit"] = limit
			i++
		case "--principal", "-p":
			if i+1 >= len(args) {
				return fmt.Errorf("--principal requires a value")
			}
			params["principalId"] = args[i+1]
			i++
		case "--failed":
			params["outcome"] = "failed"
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env, err := rpcCall(ctx, baseURL, token, "audit/list", params)
	if err != nil {
		return err
	}

	var result struct {
		Records []struct {
			PrincipalID string `json:"principalId"`
			Action      string `json:"action"`
			Outcome     string `json:"outcome"`
			DurationMs  int64  `json:"durationMs"`
			Timestamp   string `json:"timestamp"`
		} `json:"records"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return fmt.Errorf("decoding audit records: %w", err)
	}

	if len(result.Records) == 0 {
		fmt.Println("No audit records.")
		return nil
	}

	fmt.Printf("%-26s %-20s %-22s %-7s %8s\n", "TIMESTAMP", "PRINCIPAL", "ACTION", "OUTCOME", "MS")
	for _, r := range result.Records {
		line := fmt.Sprintf("%-26s %-20s %-22s %-7s %8d",
			truncate(r.Timestamp, 26), truncate(r.PrincipalID, 20),
			truncate(r.Action, 22), r.Outcome, r.DurationMs)
		if r.Outcome == "failed" {
			color.Yellow("%s", line)
		} else {
			fmt.Println(line)
		}
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
