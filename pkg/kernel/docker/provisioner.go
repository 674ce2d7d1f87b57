// Package docker provisions kernel containers and discovers the host-side
// addresses of their REPL endpoints.
package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/kestrelcompute/agent/pkg/log"
)

// Provisioner creates and tears down kernel containers via the local
// Docker daemon.
type Provisioner struct {
	cli *client.Client
}

// NewProvisioner connects to the daemon using the standard environment
// configuration.
func NewProvisioner() (*Provisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: connect: %w", err)
	}
	return &Provisioner{cli: cli}, nil
}

// KernelSpec describes one kernel container. The image must expose the
// REPL command and output ports; they are published to ephemeral host
// ports at start.
type KernelSpec struct {
	Name        string
	Image       string
	Env         map[string]string
	Labels      map[string]string
	ReplInPort  int
	ReplOutPort int
}

// ProvisionedKernel is a running kernel container with its REPL endpoints
// resolved to dialable host addresses.
type ProvisionedKernel struct {
	ContainerID string
	ReplInAddr  string
	ReplOutAddr string

	cli *client.Client
}

// Provision pulls the image if needed, starts the container, and resolves
// the host-side REPL addresses.
func (p *Provisioner) Provision(ctx context.Context, spec KernelSpec) (*ProvisionedKernel, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("docker: kernel image is required")
	}

	reader, err := p.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
	if err != nil {
		// A locally built image is fine; creation fails below if it is
		// genuinely absent.
		log.Warn("image pull failed, trying local image", "image", spec.Image, "error", err)
	} else {
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: spec.Labels,
	}, &container.HostConfig{
		PublishAllPorts: true,
	}, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("docker: create kernel container: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("docker: start kernel container: %w", err)
	}

	inAddr, err := p.hostAddr(ctx, resp.ID, spec.ReplInPort)
	if err == nil {
		var outAddr string
		outAddr, err = p.hostAddr(ctx, resp.ID, spec.ReplOutPort)
		if err == nil {
			log.Info("kernel container started",
				"containerId", resp.ID, "image", spec.Image,
				"replIn", inAddr, "replOut", outAddr)
			return &ProvisionedKernel{
				ContainerID: resp.ID,
				ReplInAddr:  inAddr,
				ReplOutAddr: outAddr,
				cli:         p.cli,
			}, nil
		}
	}
	_ = p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
	return nil, err
}

// hostAddr resolves the host websocket address published for a container
// port. The daemon can take a moment to record the binding after start.
func (p *Provisioner) hostAddr(ctx context.Context, containerID string, port int) (string, error) {
	key := fmt.Sprintf("%d/tcp", port)
	deadline := time.Now().Add(10 * time.Second)
	for {
		inspect, err := p.cli.ContainerInspect(ctx, containerID)
		if err != nil {
			return "", fmt.Errorf("docker: inspect kernel container: %w", err)
		}
		if inspect.NetworkSettings != nil {
			for exposed, bindings := range inspect.NetworkSettings.Ports {
				if string(exposed) != key {
					continue
				}
				for _, binding := range bindings {
					if binding.HostPort != "" {
						return fmt.Sprintf("ws://127.0.0.1:%s", binding.HostPort), nil
					}
				}
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("docker: no host binding for container port %s", key)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Close stops and removes the kernel container.
func (k *ProvisionedKernel) Close(ctx context.Context) error {
	timeout := 5
	if err := k.cli.ContainerStop(ctx, k.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		log.Warn("kernel container stop failed, forcing removal",
			"containerId", k.ContainerID, "error", err)
	}
	if err := k.cli.ContainerRemove(ctx, k.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("docker: remove kernel container: %w", err)
	}
	return nil
}
