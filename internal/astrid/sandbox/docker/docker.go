// Package docker implements sandbox.Backend by running a plugin subprocess
// inside a throwaway Docker container, attaching its stdio over the Docker
// API so the host's MCP client can still speak JSON-RPC to it over what
// looks, from the host's side, like a pair of pipes.
package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
	"github.com/unicity-astrid/astrid/internal/astrid/sandbox"
)

const (
	labelManagedBy = "astrid.managed-by"
	labelPlugin    = "astrid.plugin-id"
	managedByValue = "astrid"
)

// Backend is the docker sandbox.Backend.
type Backend struct {
	client *dockerclient.Client
	image  string // base image used for plugin containers, shared across MCP plugins
}

// New creates a Backend using the given base image for plugin containers.
func New(image string) (*Backend, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "create docker client", err)
	}
	return &Backend{client: cli, image: image}, nil
}

// Spawn creates and starts a container running spec.Argv, attaches its
// stdio, and returns a Handle the MCP client reads/writes through.
func (b *Backend) Spawn(ctx context.Context, profile sandbox.Profile, spec sandbox.Spec) (sandbox.Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, errs.New(errs.KindValidation, "plugin command must not be empty")
	}

	resources := container.Resources{}
	if profile.Limits.MaxMemoryBytes > 0 {
		resources.Memory = int64(profile.Limits.MaxMemoryBytes)
	}
	if profile.Limits.MaxProcesses > 0 {
		pids := int64(profile.Limits.MaxProcesses)
		resources.PidsLimit = &pids
	}

	networkMode := container.NetworkMode("none")
	if profile.Network {
		networkMode = container.NetworkMode("bridge")
	}

	cfg := &container.Config{
		Image:        b.image,
		Cmd:          spec.Argv,
		Env:          sandbox.ScrubbedEnv(spec.Env),
		WorkingDir:   spec.WorkDir,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelPlugin:    spec.PluginID,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    networkMode,
		Resources:      resources,
		AutoRemove:     true,
		ReadonlyRootfs: true,
	}

	resp, err := b.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "astrid-plugin-"+spec.PluginID)
	if err != nil {
		return nil, errs.Wrap(errs.KindLifecycle, "create plugin container", err)
	}

	attach, err := b.client.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = b.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, errs.Wrap(errs.KindLifecycle, "attach to plugin container", err)
	}

	if err := b.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		_ = b.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, errs.Wrap(errs.KindLifecycle, "start plugin container", err)
	}

	return &handle{client: b.client, containerID: resp.ID, conn: attach}, nil
}

// handle wraps a running plugin container, exposing its attached stdio as
// the sandbox.Handle's Stdin/Stdout.
type handle struct {
	client      *dockerclient.Client
	containerID string
	conn        dockerclient.HijackedResponse
}

func (h *handle) Stdin() io.WriteCloser { return writeCloser{h.conn} }
func (h *handle) Stdout() io.Reader     { return h.conn.Reader }

type writeCloser struct {
	conn dockerclient.HijackedResponse
}

func (w writeCloser) Write(p []byte) (int, error) { return w.conn.Conn.Write(p) }
func (w writeCloser) Close() error                { return w.conn.CloseWrite() }

func (h *handle) Wait() error {
	statusCh, errCh := h.client.ContainerWait(context.Background(), h.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return errs.Wrap(errs.KindLifecycle, "wait for plugin container", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return errs.New(errs.KindLifecycle, fmt.Sprintf("plugin container exited with status %d", status.StatusCode))
		}
		return nil
	}
}

func (h *handle) Kill() error {
	h.conn.Close()
	return h.client.ContainerKill(context.Background(), h.containerID, "SIGKILL")
}
