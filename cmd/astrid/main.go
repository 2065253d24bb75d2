package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/unicity-astrid/astrid/common/crypto"
	"github.com/unicity-astrid/astrid/common/environment"
	"github.com/unicity-astrid/astrid/common/version"
	"github.com/unicity-astrid/astrid/internal/astrid/app"
	"github.com/unicity-astrid/astrid/internal/astrid/budget"
	"github.com/unicity-astrid/astrid/internal/astrid/connector/discord"
	"github.com/unicity-astrid/astrid/internal/astrid/connector/matrix"
	"github.com/unicity-astrid/astrid/internal/astrid/connector/telegram"
	"github.com/unicity-astrid/astrid/internal/astrid/observability"
	"github.com/unicity-astrid/astrid/internal/astrid/policy"
	"github.com/unicity-astrid/astrid/internal/astrid/subagent"
)

func main() {
	fmt.Printf("Astrid Trust & Execution Core\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	config := loadConfig()

	masterKey, err := crypto.LoadMasterKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\nGenerate a key with: openssl rand -hex 32\n", err)
		os.Exit(1)
	}
	config.MasterKey = masterKey

	observability.Setup(environment.StringOr("ASTRID_LOG_LEVEL", "info"), environment.StringOr("ASTRID_LOG_FORMAT", "text"))

	astrid, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Astrid: %v\n", err)
		os.Exit(1)
	}
	defer astrid.Stop()

	if err := astrid.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Astrid: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from environment variables. Only the
// components with credentials present are enabled; a deployment rarely runs
// every connector at once.
func loadConfig() *app.Config {
	home := environment.StringOr("ASTRID_HOME", filepath.Join(environment.StringOr("HOME", "."), ".astrid"))
	if err := os.MkdirAll(home, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create ASTRID_HOME %s: %v\n", home, err)
		os.Exit(1)
	}

	cfg := &app.Config{
		Home:         home,
		DatabasePath: environment.StringOr("DATABASE_PATH", filepath.Join(home, "astrid.db")),
		Policy:       defaultPolicy(),
		Budget: budget.Limits{
			PerActionMax:  environment.FloatOr("ASTRID_BUDGET_PER_ACTION_MAX", 10),
			SessionMax:    environment.FloatOr("ASTRID_BUDGET_SESSION_MAX", 100),
			WorkspaceMax:  environment.FloatOr("ASTRID_BUDGET_WORKSPACE_MAX", 0),
			WarnAtPercent: environment.FloatOr("ASTRID_BUDGET_WARN_PERCENT", budget.DefaultWarnAtPercent),
		},
		Subagent: subagent.Limits{
			MaxConcurrent: environment.IntOr("ASTRID_SUBAGENT_MAX_CONCURRENT", 5),
			MaxDepth:      environment.IntOr("ASTRID_SUBAGENT_MAX_DEPTH", 3),
			MaxHistory:    environment.IntOr("ASTRID_SUBAGENT_MAX_HISTORY", 1000),
		},
		ApprovalMaxPending: environment.IntOr("ASTRID_APPROVAL_MAX_PENDING", 50),
		RegistryURL:        environment.StringOr("ASTRID_REGISTRY_URL", "https://registry.astrid.dev"),
	}

	if token, ok := environment.String("DISCORD_BOT_TOKEN"); ok && token != "" {
		cfg.Discord = &discord.Config{
			ConnectorID:     "discord-main",
			BotToken:        token,
			AllowedUserIDs:  toSet(environment.StringSliceOr("DISCORD_ALLOWED_USERS", nil)),
			AllowedGuildIDs: toSet(environment.StringSliceOr("DISCORD_ALLOWED_GUILDS", nil)),
			SessionScope:    environment.StringOr("DISCORD_SESSION_SCOPE", "guild"),
		}
	}

	if token, ok := environment.String("TELEGRAM_BOT_TOKEN"); ok && token != "" {
		cfg.Telegram = &telegram.Config{
			ConnectorID: "telegram-main",
			BotToken:    token,
			AllowedIDs:  toInt64Set(environment.StringSliceOr("TELEGRAM_ALLOWED_IDS", nil)),
		}
	}

	if hs, ok := environment.String("MATRIX_HOMESERVER"); ok && hs != "" {
		cfg.Matrix = &matrix.Config{
			ConnectorID: "matrix-main",
			Homeserver:  hs,
			UserID:      environment.StringOr("MATRIX_USER_ID", ""),
			AccessToken: environment.StringOr("MATRIX_ACCESS_TOKEN", ""),
			Rooms:       environment.StringSliceOr("MATRIX_ROOMS", nil),
		}
	}

	return cfg
}

func toSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}

func toInt64Set(values []string) map[int64]bool {
	out := make(map[int64]bool, len(values))
	for _, v := range values {
		var id int64
		if _, err := fmt.Sscanf(v, "%d", &id); err == nil {
			out[id] = true
		}
	}
	return out
}

// defaultPolicy is the conservative out-of-the-box SecurityPolicy: nothing
// blocked or allow-listed by default, but deletes and network access always
// require a human in the loop.
func defaultPolicy() policy.Policy {
	return policy.Policy{
		BlockedTools:              map[string]bool{},
		BlockedPluginIDs:          map[string]bool{},
		MaxArgSize:                1 << 20,
		DeniedHosts:               map[string]bool{},
		AllowedHosts:              map[string]bool{},
		ApprovalRequiredTools:     map[string]bool{},
		RequireApprovalForDelete:  true,
		RequireApprovalForNetwork: true,
	}
}
