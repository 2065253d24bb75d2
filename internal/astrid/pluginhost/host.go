// Package pluginhost manages the subprocess lifecycle of MCP-protocol
// plugins (C9): spawning under a sandbox backend, performing the MCP
// handshake, discovering tools, draining connector registrations, health
// checking, and unloading. The wire-level JSON-RPC transport lives in
// mcp.go; this file owns the state machine and process supervision wrapped
// around it.
package pluginhost

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
	"github.com/unicity-astrid/astrid/internal/astrid/pluginmanifest"
	"github.com/unicity-astrid/astrid/internal/astrid/sandbox"
	"lukechampine.com/blake3"
)

// State is a plugin's lifecycle state (spec §3 PluginState).
type State string

const (
	StateUnloaded  State = "unloaded"
	StateLoading   State = "loading"
	StateReady     State = "ready"
	StateUnloading State = "unloading"
	StateFailed    State = "failed"
)

// RestartPolicy governs whether the host supervisor re-spawns a plugin
// subprocess after it dies.
type RestartPolicy struct {
	Mode       RestartMode
	MaxRetries int // only meaningful for RestartOnFailure
}

type RestartMode string

const (
	RestartNever     RestartMode = "never"
	RestartOnFailure RestartMode = "on_failure"
	RestartAlways    RestartMode = "always"
)

// ConnectorRegistration is relayed by a plugin over
// notifications/connectorRegistered once it has registered an inbound
// connector capability.
type ConnectorRegistration struct {
	PluginID string
	Name     string
	Profile  string
}

// unloadTimeout bounds how long Unload waits for the MCP session to close
// gracefully before it is hard-killed (spec §4.9/§5).
const unloadTimeout = 5 * time.Second

// hookNotifyTimeout bounds a single fire-and-forget hook notification so a
// wedged plugin can't stall the caller forever.
const hookNotifyTimeout = 2 * time.Second

// Host owns one plugin's subprocess, MCP session, and discovered tools.
// The runtime holds exactly one Host per loaded plugin (spec §3 Ownership).
type Host struct {
	id       string
	manifest *pluginmanifest.Manifest
	backend  sandbox.Backend
	profile  sandbox.Profile
	restart  RestartPolicy

	mu        sync.RWMutex
	state     State
	failReason string
	client    *mcpClient
	procHandle sandbox.Handle
	tools     []ToolDescriptor

	// seenConnectors dedups connector registrations by name (spec §9 open
	// question 3: dedup by name, not (plugin, name); silently drop repeats).
	connectorMu    sync.Mutex
	seenConnectors map[string]bool
	onConnector    func(ConnectorRegistration)

	// notifyDone is closed when the connector-notice drain goroutine exits,
	// which happens once the MCP session's notification channel closes;
	// Unload waits on it (spec §4.9/§9 open question 4).
	notifyDone chan struct{}

	procDead chan struct{}
	deadOnce sync.Once

	retries int
}

// New constructs a Host for manifest, not yet spawned.
func New(id string, manifest *pluginmanifest.Manifest, backend sandbox.Backend, profile sandbox.Profile, restart RestartPolicy, onConnector func(ConnectorRegistration)) *Host {
	return &Host{
		id:             id,
		manifest:       manifest,
		backend:        backend,
		profile:        profile,
		restart:        restart,
		state:          StateUnloaded,
		seenConnectors: make(map[string]bool),
		onConnector:    onConnector,
		procDead:       make(chan struct{}),
	}
}

// State returns the host's current lifecycle state.
func (h *Host) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Tools returns the tools discovered during the last successful Load.
func (h *Host) Tools() []ToolDescriptor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ToolDescriptor, len(h.tools))
	copy(out, h.tools)
	return out
}

func (h *Host) setState(s State, reason string) {
	h.mu.Lock()
	h.state = s
	h.failReason = reason
	h.mu.Unlock()
}

// Load spawns the plugin's subprocess under the sandbox backend, performs
// the MCP handshake, discovers tools, and — if the manifest declares the
// connector capability — begins draining connector registrations. It is a
// no-op only in the sense that Load must be called from StateUnloaded or
// StateFailed; callers hold the transition discipline.
func (h *Host) Load(ctx context.Context) error {
	if h.manifest.EntryPoint.Kind != pluginmanifest.EntryPointMcp {
		return errs.New(errs.KindValidation, "pluginhost only loads MCP entry points; wasm plugins are hosted elsewhere")
	}
	h.setState(StateLoading, "")

	ep := h.manifest.EntryPoint
	if ep.ExpectedBinaryHash != "" {
		if err := verifyBinaryHash(ep.Command, ep.ExpectedBinaryHash); err != nil {
			h.setState(StateFailed, err.Error())
			return err
		}
	}

	env := make([]string, 0, len(ep.Env))
	for k, v := range ep.Env {
		env = append(env, k+"="+v)
	}

	spec := sandbox.Spec{
		PluginID: h.id,
		Argv:     append([]string{ep.Command}, ep.Args...),
		Env:      env,
	}

	handle, err := h.backend.Spawn(ctx, h.profile, spec)
	if err != nil {
		h.setState(StateFailed, err.Error())
		return errs.Wrap(errs.KindLifecycle, "spawn plugin subprocess", err)
	}

	client, err := newMCPClient(ctx, h.id, handle.Stdin(), handle.Stdout())
	if err != nil {
		_ = handle.Kill()
		h.setState(StateFailed, err.Error())
		return err
	}

	tools, err := client.listTools(ctx)
	if err != nil {
		_ = handle.Kill()
		h.setState(StateFailed, err.Error())
		return errs.Wrap(errs.KindLifecycle, "discover plugin tools", err)
	}

	if len(h.manifest.Config) > 0 {
		if err := h.manifest.ValidateConfig(h.manifest.Config); err != nil {
			_ = handle.Kill()
			h.setState(StateFailed, err.Error())
			return err
		}
		if err := client.notify("notifications/astrid.setPluginConfig", h.manifest.Config); err != nil {
			slog.Warn("pluginhost: failed to push initial config", "plugin", h.id, "err", err)
		}
	}

	h.mu.Lock()
	h.client = client
	h.procHandle = handle
	h.tools = tools
	h.mu.Unlock()

	if h.manifest.HasConnectorCapability() {
		h.notifyDone = make(chan struct{})
		go h.drainConnectorNotices(client.notifications, h.notifyDone)
	}

	go h.watchProcess(handle)

	h.setState(StateReady, "")
	slog.Info("pluginhost: plugin ready", "plugin", h.id, "tools", len(tools))
	return nil
}

// drainConnectorNotices consumes notifications/connectorRegistered
// messages for the lifetime of the MCP session, forwarding each to
// onConnector after deduping by name. Drain is idempotent: a repeated
// registration of the same name is silently dropped.
func (h *Host) drainConnectorNotices(notifications <-chan rpcNotification, done chan struct{}) {
	defer close(done)
	for notif := range notifications {
		if notif.Method != "notifications/connectorRegistered" {
			continue
		}
		var payload struct {
			Name    string `json:"name"`
			Profile string `json:"profile"`
		}
		raw, err := json.Marshal(notif.Params)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			slog.Warn("pluginhost: malformed connectorRegistered notification", "plugin", h.id, "err", err)
			continue
		}

		h.connectorMu.Lock()
		dup := h.seenConnectors[payload.Name]
		if !dup {
			h.seenConnectors[payload.Name] = true
		}
		h.connectorMu.Unlock()

		if dup {
			slog.Warn("pluginhost: duplicate connector registration dropped", "plugin", h.id, "name", payload.Name)
			continue
		}
		if h.onConnector != nil {
			h.onConnector(ConnectorRegistration{PluginID: h.id, Name: payload.Name, Profile: payload.Profile})
		}
	}
}

// watchProcess blocks on the subprocess's exit and marks the host Failed
// on an unexpected death, applying the configured restart policy.
func (h *Host) watchProcess(handle sandbox.Handle) {
	err := handle.Wait()
	h.deadOnce.Do(func() { close(h.procDead) })

	if h.State() == StateUnloading || h.State() == StateUnloaded {
		return // expected exit as part of Unload
	}

	reason := "plugin process exited"
	if err != nil {
		reason = "plugin process exited: " + err.Error()
	}
	h.setState(StateFailed, reason)
	h.clearSharedState()
	slog.Error("pluginhost: plugin process died", "plugin", h.id, "err", err)

	if h.shouldRestart() {
		h.retries++
		slog.Info("pluginhost: restarting plugin per restart policy", "plugin", h.id, "attempt", h.retries)
		if err := h.Load(context.Background()); err != nil {
			slog.Error("pluginhost: restart failed", "plugin", h.id, "err", err)
		}
	}
}

func (h *Host) shouldRestart() bool {
	switch h.restart.Mode {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return h.restart.MaxRetries <= 0 || h.retries < h.restart.MaxRetries
	default:
		return false
	}
}

// CheckHealth reports whether the plugin subprocess is observed alive. It
// never blocks: a dead process is detected via watchProcess's Wait()
// completing, not by polling syscalls here.
func (h *Host) CheckHealth() bool {
	select {
	case <-h.procDead:
		return false
	default:
		return h.State() == StateReady
	}
}

// clearSharedState drops tool list and client references on failure or
// unload so stale handles can't be used by callers still holding a Host
// reference.
func (h *Host) clearSharedState() {
	h.mu.Lock()
	h.tools = nil
	h.client = nil
	h.mu.Unlock()
	h.connectorMu.Lock()
	h.seenConnectors = make(map[string]bool)
	h.connectorMu.Unlock()
}

// CallTool invokes a tool on the plugin's MCP server. Returns an error if
// the host is not Ready.
func (h *Host) CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error) {
	h.mu.RLock()
	client := h.client
	state := h.state
	h.mu.RUnlock()
	if state != StateReady || client == nil {
		return nil, errs.New(errs.KindLifecycle, "plugin "+h.id+" is not ready")
	}
	return client.callTool(ctx, name, args)
}

// SendHookEvent fire-and-forgets a hook notification to the plugin (spec
// §4.9 step 5 / §6 notifications/astrid.hookEvent). Errors are logged, not
// propagated, per spec.
func (h *Host) SendHookEvent(kind string, payload interface{}) {
	h.mu.RLock()
	client := h.client
	h.mu.RUnlock()
	if client == nil {
		return
	}
	done := make(chan error, 1)
	go func() {
		done <- client.notify("notifications/astrid.hookEvent", map[string]interface{}{
			"kind":    kind,
			"payload": payload,
		})
	}()
	select {
	case err := <-done:
		if err != nil {
			slog.Warn("pluginhost: hook event delivery failed", "plugin", h.id, "kind", kind, "err", err)
		}
	case <-time.After(hookNotifyTimeout):
		slog.Warn("pluginhost: hook event delivery timed out", "plugin", h.id, "kind", kind)
	}
}

// Unload gracefully closes the MCP session by closing the plugin's stdin,
// waits up to 5s for the process to exit, kills it, then clears all shared
// state. The notification drain goroutine observes the notification channel
// close only after the process itself is gone, so it never sees premature
// EOF.
func (h *Host) Unload(ctx context.Context) error {
	h.setState(StateUnloading, "")

	h.mu.RLock()
	handle := h.procHandle
	client := h.client
	h.mu.RUnlock()

	if handle != nil {
		if client != nil {
			_ = client.stdin.Close()
		}
		select {
		case <-h.procDead:
		case <-time.After(unloadTimeout):
			slog.Warn("pluginhost: unload timed out waiting for graceful close", "plugin", h.id)
		}
		_ = handle.Kill()
	}

	if h.notifyDone != nil {
		select {
		case <-h.notifyDone:
		case <-time.After(unloadTimeout):
		}
	}

	h.clearSharedState()
	h.setState(StateUnloaded, "")
	return nil
}

func verifyBinaryHash(path, expected string) error {
	sum, err := hashFile(path)
	if err != nil {
		return errs.Wrap(errs.KindIntegrity, "hash plugin binary", err)
	}
	if sum != expected {
		return errs.New(errs.KindIntegrity, "plugin binary hash mismatch: expected "+expected+", got "+sum)
	}
	return nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}
