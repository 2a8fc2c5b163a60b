// Package deploy wraps the container runtime used to host agents. The
// monitor only uses it to correlate a death event with container
// teardown; provisioning itself lives elsewhere.
package deploy

import (
	"context"
	"fmt"
	"log"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// agentLabel is the container label carrying the agent address.
const agentLabel = "agentwatch.agent"

// Client correlates agent lifecycle events with their containers.
type Client struct {
	docker *client.Client
}

// New creates a deployment client. host may be empty to use the
// environment default.
func New(host string) (*Client, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	docker, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Client{docker: docker}, nil
}

// CorrelateDeath looks up the container backing a dead agent and logs its
// teardown state. A still-running container for a dead agent is worth an
// operator's attention; a gone container confirms clean teardown.
func (c *Client) CorrelateDeath(ctx context.Context, agentID string) error {
	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", fmt.Sprintf("%s=%s", agentLabel, agentID)),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers for agent %s: %w", agentID, err)
	}

	if len(containers) == 0 {
		log.Printf("Death correlation: no container found for agent %s (already torn down)", agentID)
		return nil
	}

	for _, ctr := range containers {
		log.Printf("Death correlation: agent %s container %s is %s", agentID, ctr.ID[:12], ctr.State)
	}
	return nil
}

// Close releases the underlying docker client.
func (c *Client) Close() error {
	return c.docker.Close()
}
