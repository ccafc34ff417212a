package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgellow/authbroker/internal"
	"github.com/dgellow/authbroker/internal/config"
	"github.com/dgellow/authbroker/internal/credential"
	"github.com/dgellow/authbroker/internal/log"
	"github.com/dgellow/authbroker/internal/storage"
	"github.com/dgellow/authbroker/internal/telemetry"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"version": "v0.0.1-DEV_EDITION_EXPECT_CHANGES",
		"broker": map[string]any{
			"name":            "default",
			"environment":     "sandbox",
			"clientId":        map[string]string{"$env": "DOCUSIGN_INTEGRATION_KEY"},
			"clientSecret":    map[string]string{"$env": "DOCUSIGN_SECRET_KEY"},
			"redirectUri":     "http://localhost:3000/auth/callback",
			"scopes":          []string{"signature"},
			"tokenAuthStyle":  "params",
			"pkce":            true,
			"callbackTimeout": "60s",
		},
		"storage": map[string]any{
			"kind":          "sqlite",
			"encryptionKey": map[string]string{"$env": "AUTHBROKER_ENCRYPTION_KEY"},
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Printf("Validating: %s\n", path)

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for _, err := range result.Errors {
			if err.Path != "" {
				fmt.Printf("  - %s: %s\n", err.Path, err.Message)
			} else {
				fmt.Printf("  - %s\n", err.Message)
			}
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\nWarnings (%d):\n", len(result.Warnings))
		for _, warn := range result.Warnings {
			if warn.Path != "" {
				fmt.Printf("  - %s: %s\n", warn.Path, warn.Message)
			} else {
				fmt.Printf("  - %s\n", warn.Message)
			}
		}
	}

	fmt.Println()
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		fmt.Println("Result: PASS")
	} else if len(result.Errors) == 0 {
		fmt.Println("Result: FAIL (warnings present)")
	} else {
		fmt.Println("Result: FAIL")
	}

	if len(result.Errors) > 0 || len(result.Warnings) > 0 {
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	}
	return nil
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if config.HasEnvConfig() {
		return config.LoadFromEnv()
	}
	return config.Config{}, errors.New("-config flag is required (or set AUTHBROKER_CLIENT_ID and friends)")
}

func printSummary(w io.Writer, summary credential.Summary) {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		log.LogError("Failed to encode summary: %v", err)
		return
	}
	fmt.Fprintln(w, string(data))
}

// commands is what run dispatches to. *internal.App implements it.
type commands interface {
	Login(ctx context.Context, onURL func(string)) (credential.Summary, error)
	Status(ctx context.Context) (credential.Summary, error)
	Refresh(ctx context.Context) (credential.Summary, error)
	ServeMCP(ctx context.Context) error
}

type mode struct {
	status   bool
	refresh  bool
	serveMCP bool
}

func main() {
	conf := flag.String("config", "", "path to config file (defaults to AUTHBROKER_* environment variables)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	status := flag.Bool("status", false, "print the stored credential and exit")
	refresh := flag.Bool("refresh", false, "refresh the stored credential and exit")
	serveMCP := flag.Bool("mcp", false, "serve MCP tools on stdio")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(*conf); err != nil {
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "authbroker")
	if err != nil {
		log.LogWarn("Tracing disabled: %v", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	app, err := internal.NewApp(ctx, cfg)
	if err != nil {
		log.LogError("Failed to start: %v", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := run(ctx, app, mode{status: *status, refresh: *refresh, serveMCP: *serveMCP}, os.Stdout, os.Stderr); err != nil {
		log.LogError("%v", err)
		stop()
		_ = app.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, app commands, m mode, stdout, stderr io.Writer) error {
	switch {
	case m.serveMCP:
		return app.ServeMCP(ctx)
	case m.status:
		summary, err := app.Status(ctx)
		if errors.Is(err, storage.ErrCredentialNotFound) {
			return errors.New("no stored credential: run without -status to log in")
		}
		if err != nil {
			return err
		}
		printSummary(stdout, summary)
		return nil
	case m.refresh:
		summary, err := app.Refresh(ctx)
		if errors.Is(err, credential.ErrReauthorizationRequired) {
			return fmt.Errorf("%w: run without -refresh to log in again", err)
		}
		if err != nil {
			return fmt.Errorf("refresh failed: %w", err)
		}
		printSummary(stdout, summary)
		return nil
	default:
		summary, err := app.Login(ctx, func(authURL string) {
			fmt.Fprintf(stderr, "Open this URL in your browser to authorize:\n\n  %s\n\n", authURL)
		})
		if err != nil {
			return fmt.Errorf("authorization failed: %w", err)
		}
		printSummary(stdout, summary)
		return nil
	}
}
