package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/unicity-astrid/astrid/internal/astrid/connector"
	"github.com/unicity-astrid/astrid/internal/astrid/pluginhost"
	"github.com/unicity-astrid/astrid/internal/astrid/pluginmanifest"
	"github.com/unicity-astrid/astrid/internal/astrid/sandbox"
)

// loadInstalledPlugins starts a Host for every plugin listed in the
// lockfile. A plugin that fails to load is logged and skipped rather than
// aborting startup for every other plugin.
func (a *App) loadInstalledPlugins(ctx context.Context) {
	for _, entry := range a.lockfile.Entries {
		if err := a.loadPlugin(ctx, entry.ID); err != nil {
			slog.Warn("pluginhost: failed to load plugin at startup", "plugin", entry.ID, "err", err)
		}
	}
}

// loadPlugin parses plugin.toml under pluginsDir/id and loads it, replacing
// any previously running Host for the same ID.
func (a *App) loadPlugin(ctx context.Context, id string) error {
	dir := filepath.Join(a.pluginsDir(), id)
	data, err := os.ReadFile(filepath.Join(dir, "plugin.toml"))
	if err != nil {
		return err
	}
	manifest, err := pluginmanifest.Parse(data)
	if err != nil {
		return err
	}

	a.unloadPlugin(ctx, id)

	restart := pluginhost.RestartPolicy{Mode: pluginhost.RestartOnFailure, MaxRetries: 3}
	host := pluginhost.New(id, manifest, a.sandbox, a.sandboxProfile(manifest), restart, a.onPluginConnector)
	if err := host.Load(ctx); err != nil {
		return err
	}

	a.pluginsMu.Lock()
	a.plugins[id] = host
	a.pluginsMu.Unlock()
	return nil
}

// unloadPlugin stops and forgets the Host for id, if one is running.
func (a *App) unloadPlugin(ctx context.Context, id string) {
	a.pluginsMu.Lock()
	host, ok := a.plugins[id]
	if ok {
		delete(a.plugins, id)
	}
	a.pluginsMu.Unlock()
	if !ok {
		return
	}
	if err := host.Unload(ctx); err != nil {
		slog.Warn("pluginhost: unload failed", "plugin", id, "err", err)
	}
}

// watchPlugins consumes pluginwatch change events for the lifetime of ctx,
// reloading whichever plugin directory changed.
func (a *App) watchPlugins(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.watcher.Events():
			if !ok {
				return
			}
			id := filepath.Base(ev.Dir)
			slog.Info("pluginhost: reloading changed plugin", "plugin", id)
			if err := a.loadPlugin(ctx, id); err != nil {
				slog.Warn("pluginhost: reload failed", "plugin", id, "err", err)
			}
		}
	}
}

// onPluginConnector registers a plugin-hosted connector (spec's "OpenClaw"
// source) into the shared registry. The connector is registered without an
// outbound adapter, so it is discoverable and subscribable, but Route
// reports an error for it.
func (a *App) onPluginConnector(reg pluginhost.ConnectorRegistration) {
	desc := connector.Descriptor{
		ID:           reg.PluginID + ":" + reg.Name,
		Name:         reg.Name,
		FrontendType: reg.Name,
		Source:       connector.SourceOpenClaw,
		SourcePlugin: reg.PluginID,
		Profile:      connector.Profile(reg.Profile),
	}
	if err := a.connectors.Register(desc, nil); err != nil {
		slog.Warn("pluginhost: connector registration failed", "plugin", reg.PluginID, "name", reg.Name, "err", err)
	}
}

// pluginsDir returns the directory installed plugins live under.
func (a *App) pluginsDir() string {
	return filepath.Join(a.config.Home, "plugins")
}

// sandboxProfile is the default isolation profile for a loaded plugin: no
// network unless the manifest declares the "network" capability, confined
// to its own install directory.
func (a *App) sandboxProfile(m *pluginmanifest.Manifest) sandbox.Profile {
	network := false
	for _, c := range m.Capabilities {
		if c.Name == "network" {
			network = true
		}
	}
	return sandbox.Profile{
		AllowedPaths: []string{filepath.Join(a.pluginsDir(), m.ID)},
		Network:      network,
	}
}

// InstallPlugin fetches and installs the plugin named by spec (an
// InstallSource string such as "github:org/repo" or "npm:pkg@1.0.0"),
// loads it immediately, and records the new entry in the in-memory
// lockfile mirror so a later VerifyIntegrity pass sees it.
func (a *App) InstallPlugin(ctx context.Context, spec string) error {
	entry, err := a.installer.Install(ctx, spec)
	if err != nil {
		return err
	}
	a.lockfile.Add(*entry)
	return a.loadPlugin(ctx, entry.ID)
}

// unloadAllPlugins stops every running Host, used during App.Stop.
func (a *App) unloadAllPlugins() {
	a.pluginsMu.Lock()
	ids := make([]string, 0, len(a.plugins))
	for id := range a.plugins {
		ids = append(ids, id)
	}
	a.pluginsMu.Unlock()

	ctx := context.Background()
	for _, id := range ids {
		a.unloadPlugin(ctx, id)
	}
}
