package response

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/client"

	"github.com/sentinelops/aegis/internal/models"
)

// ContainerNetwork is the slice of the docker API the isolation action
// needs. The production implementation is the docker SDK client; tests
// substitute a fake.
type ContainerNetwork interface {
	Disconnect(ctx context.Context, network, container string, force bool) error
	Connect(ctx context.Context, network, container string) error
}

type dockerNetwork struct {
	once sync.Once
	cli  *client.Client
	err  error
}

func (d *dockerNetwork) init() {
	d.once.Do(func() {
		d.cli, d.err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	})
}

func (d *dockerNetwork) Disconnect(ctx context.Context, network, container string, force bool) error {
	d.init()
	if d.err != nil {
		return d.err
	}
	return d.cli.NetworkDisconnect(ctx, network, container, force)
}

func (d *dockerNetwork) Connect(ctx context.Context, network, container string) error {
	d.init()
	if d.err != nil {
		return d.err
	}
	return d.cli.NetworkConnect(ctx, network, container, nil)
}

// IsolateContainerAction disconnects a named compute unit from its data
// network. Reversible by reconnecting.
type IsolateContainerAction struct {
	network    ContainerNetwork
	netName    string
	production bool
}

// NewIsolateContainerAction creates the container-isolation action bound to
// one docker network. A nil network selects the real docker client, created
// lazily on first production execution.
func NewIsolateContainerAction(network ContainerNetwork, netName string, production bool) *IsolateContainerAction {
	if network == nil {
		network = &dockerNetwork{}
	}
	if netName == "" {
		netName = "bridge"
	}
	return &IsolateContainerAction{network: network, netName: netName, production: production}
}

func (*IsolateContainerAction) Name() string { return ActionIsolateContainer }

// Execute implements Action. The target is a container name or id.
func (a *IsolateContainerAction) Execute(ctx context.Context, target string, _ map[string]any) (Result, error) {
	token := revertToken{
		ID: models.NewActionID(), Action: ActionIsolateContainer,
		Target: target, Extra: a.netName, Simulated: !a.production,
	}
	if !a.production {
		return Result{
			Output:      fmt.Sprintf("simulated: disconnect %s from %s", target, a.netName),
			Reversible:  true,
			RevertToken: token.encode(),
		}, nil
	}
	if err := a.network.Disconnect(ctx, a.netName, target, true); err != nil {
		return Result{}, fmt.Errorf("isolate_container %s: %w", target, err)
	}
	return Result{
		Output:      fmt.Sprintf("disconnected %s from %s", target, a.netName),
		Reversible:  true,
		RevertToken: token.encode(),
	}, nil
}

// Revert implements Action: reconnects the container.
func (a *IsolateContainerAction) Revert(ctx context.Context, token string) (string, error) {
	t, err := decodeToken(token)
	if err != nil {
		return "", err
	}
	if t.Simulated {
		return fmt.Sprintf("simulated: reconnect %s to %s", t.Target, t.Extra), nil
	}
	if err := a.network.Connect(ctx, t.Extra, t.Target); err != nil {
		return "", fmt.Errorf("revert isolate_container %s: %w", t.Target, err)
	}
	return fmt.Sprintf("reconnected %s to %s", t.Target, t.Extra), nil
}
