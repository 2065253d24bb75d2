// Package app wires the Trust & Execution Core's components (policy,
// budget, approval, capability, audit, the interceptor, the plugin
// subsystem, the connector fabric, and the sub-agent pool) into one
// running process, the way internal/ruriko/app wires the control plane.
package app

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/unicity-astrid/astrid/internal/astrid/approval"
	"github.com/unicity-astrid/astrid/internal/astrid/audit"
	"github.com/unicity-astrid/astrid/internal/astrid/budget"
	"github.com/unicity-astrid/astrid/internal/astrid/capability"
	"github.com/unicity-astrid/astrid/internal/astrid/config"
	"github.com/unicity-astrid/astrid/internal/astrid/connector"
	"github.com/unicity-astrid/astrid/internal/astrid/connector/discord"
	"github.com/unicity-astrid/astrid/internal/astrid/connector/matrix"
	"github.com/unicity-astrid/astrid/internal/astrid/connector/telegram"
	"github.com/unicity-astrid/astrid/internal/astrid/identity"
	"github.com/unicity-astrid/astrid/internal/astrid/interceptor"
	"github.com/unicity-astrid/astrid/internal/astrid/pluginhost"
	"github.com/unicity-astrid/astrid/internal/astrid/plugininstall"
	"github.com/unicity-astrid/astrid/internal/astrid/pluginlock"
	"github.com/unicity-astrid/astrid/internal/astrid/pluginwatch"
	"github.com/unicity-astrid/astrid/internal/astrid/policy"
	"github.com/unicity-astrid/astrid/internal/astrid/sandbox"
	"github.com/unicity-astrid/astrid/internal/astrid/sandbox/native"
	"github.com/unicity-astrid/astrid/internal/astrid/store"
	"github.com/unicity-astrid/astrid/internal/astrid/subagent"
)

// Config holds application configuration, assembled from the environment by
// cmd/astrid's loadConfig.
type Config struct {
	Home         string
	DatabasePath string
	MasterKey    []byte

	Policy   policy.Policy
	Budget   budget.Limits
	Subagent subagent.Limits

	ApprovalMaxPending int
	RegistryURL        string

	Discord  *discord.Config
	Telegram *telegram.Config
	Matrix   *matrix.Config
}

// App is the running Trust & Execution Core: every C1-C11 component plus
// whichever connectors were configured.
type App struct {
	config *Config

	store      *store.Store
	identity   *identity.Store
	policy     *policy.Engine
	budget     *budget.Tracker
	tokens     *capability.Store
	approval   *approval.Broker
	audit      *audit.Log
	intercept  *interceptor.Interceptor
	lockfile   *pluginlock.Lockfile
	installer  *plugininstall.Installer
	watcher    *pluginwatch.Watcher
	sandbox    sandbox.Backend
	subagents  *subagent.Pool
	connectors *connector.Registry

	pluginsMu sync.Mutex
	plugins   map[string]*pluginhost.Host

	discordConn  *discord.Connector
	telegramConn *telegram.Connector
	matrixConn   *matrix.Connector
}

// New wires every component described above. It fails closed: any missing
// or misconfigured dependency aborts startup rather than running with a
// partially initialized trust boundary.
func New(cfg *Config) (*App, error) {
	pluginsDir := filepath.Join(cfg.Home, "plugins")
	lockfilePath := filepath.Join(cfg.Home, "plugins.lock")
	if err := os.MkdirAll(pluginsDir, 0o700); err != nil {
		return nil, fmt.Errorf("create plugins dir: %w", err)
	}

	slog.Info("opening database", "path", cfg.DatabasePath)
	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	identityStore := identity.New(db)
	_ = config.New(db) // operator-tunable overrides, consulted by future turn-loop wiring

	policyEngine := policy.New(cfg.Policy)
	budgetTracker := budget.New(db)

	signer := capability.NewSigner(deriveSignerKey(cfg.MasterKey))
	tokens := capability.NewStore(db, signer)

	approvalStore := approval.NewStore(db)
	broker := approval.NewBroker(approvalStore, tokens, nil, cfg.ApprovalMaxPending)

	auditLog := audit.New(db)
	intercept := interceptor.New(policyEngine, budgetTracker, broker, tokens, auditLog, cfg.Budget)

	slog.Info("loading plugin lockfile", "path", lockfilePath)
	lf, err := pluginlock.LoadOrDefault(lockfilePath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load plugin lockfile: %w", err)
	}
	if violations, err := pluginlock.VerifyIntegrity(lf, pluginsDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("verify plugin integrity: %w", err)
	} else {
		for _, v := range violations {
			slog.Warn("plugin integrity violation", "kind", v.Kind, "plugin_id", v.PluginID, "detail", v.Detail)
		}
	}

	fetcher := plugininstall.NewFetcher(cfg.RegistryURL)
	installer := plugininstall.NewInstaller(fetcher, pluginsDir, lockfilePath)

	watcher, err := pluginwatch.New([]string{pluginsDir})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("start plugin watcher: %w", err)
	}

	pool := subagent.New(cfg.Subagent)
	reg := connector.New()

	a := &App{
		config:     cfg,
		store:      db,
		identity:   identityStore,
		policy:     policyEngine,
		budget:     budgetTracker,
		tokens:     tokens,
		approval:   broker,
		audit:      auditLog,
		intercept:  intercept,
		lockfile:   lf,
		installer:  installer,
		watcher:    watcher,
		sandbox:    native.New(),
		subagents:  pool,
		connectors: reg,
		plugins:    make(map[string]*pluginhost.Host),
	}

	a.loadInstalledPlugins(context.Background())

	if cfg.Discord != nil {
		c, err := discord.New(*cfg.Discord, reg)
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("configure discord connector: %w", err)
		}
		a.discordConn = c
	}
	if cfg.Telegram != nil {
		c, err := telegram.New(*cfg.Telegram, reg)
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("configure telegram connector: %w", err)
		}
		a.telegramConn = c
	}
	if cfg.Matrix != nil {
		cfg.Matrix.DB = db.DB()
		c, err := matrix.New(*cfg.Matrix, reg)
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("configure matrix connector: %w", err)
		}
		a.matrixConn = c
	}

	return a, nil
}

func (a *App) closeStores() {
	a.watcher.Close()
	a.store.Close()
}

// Run starts every configured connector, then blocks until the process
// receives SIGINT/SIGTERM.
func (a *App) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stop := make(chan struct{})
	go a.watcher.Run(stop)
	defer close(stop)
	go a.watchPlugins(ctx)

	if a.discordConn != nil {
		slog.Info("starting discord connector")
		if err := a.discordConn.Start(ctx); err != nil {
			return fmt.Errorf("start discord connector: %w", err)
		}
	}
	if a.telegramConn != nil {
		slog.Info("starting telegram connector")
		if err := a.telegramConn.Start(ctx); err != nil {
			return fmt.Errorf("start telegram connector: %w", err)
		}
	}
	if a.matrixConn != nil {
		slog.Info("starting matrix connector")
		if err := a.matrixConn.Start(ctx); err != nil {
			return fmt.Errorf("start matrix connector: %w", err)
		}
	}

	slog.Info("astrid is running; press Ctrl+C to stop", "home", a.config.Home)
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

// Stop releases every resource acquired by New, in roughly reverse order.
func (a *App) Stop() {
	if a.matrixConn != nil {
		a.matrixConn.Stop()
	}
	if a.discordConn != nil {
		if err := a.discordConn.Stop(); err != nil {
			slog.Warn("discord connector stop failed", "err", err)
		}
	}
	// telegram has no persistent session to close; its poll loop exits on
	// ctx cancellation.

	slog.Info("unloading plugins")
	a.unloadAllPlugins()

	slog.Info("closing plugin watcher")
	a.watcher.Close()

	slog.Info("closing database")
	a.store.Close()
}

// deriveSignerKey deterministically derives the capability-token signing
// keypair from the master key, so it survives process restarts without a
// second secret to manage. It uses a plain keyed hash rather than
// crypto.Encrypt, whose AES-GCM nonce is randomized per call and would make
// every restart mint an unverifiable signer.
func deriveSignerKey(masterKey []byte) (ed25519.PrivateKey, ed25519.PublicKey) {
	mac := hmac.New(sha256.New, masterKey)
	mac.Write([]byte("astrid-capability-signer"))
	priv := ed25519.NewKeyFromSeed(mac.Sum(nil))
	return priv, priv.Public().(ed25519.PublicKey)
}
