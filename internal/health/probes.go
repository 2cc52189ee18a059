package health

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"

	"pumpd/internal/channel"
)

// Reconnecter is the part of the command channel the monitor needs.
type Reconnecter interface {
	IsConnected() bool
	Reconnect(ctx context.Context) error
}

// Pinger is satisfied by storage.Store and the redis sink.
type Pinger interface {
	Ping(ctx context.Context) error
}

var ErrDisconnected = errors.New("disconnected")

// ChannelDependency probes connectivity and reconnects when it is down.
// A reconnect that is still running when the recovery deadline passes counts as success.
func ChannelDependency(r Reconnecter) Dependency {
	return Dependency{
		Name: CommandChannel,
		Probe: func(ctx context.Context) error {
			if !r.IsConnected() {
				return ErrDisconnected
			}
			return nil
		},
		Recover: func(ctx context.Context) error {
			err := r.Reconnect(ctx)
			if errors.Is(err, channel.ErrReconnectInProgress) {
				return nil
			}
			return err
		},
	}
}

// PingDependency wraps a Pinger. External dependencies are never recovered.
func PingDependency(name string, p Pinger) Dependency {
	return Dependency{Name: name, Probe: p.Ping}
}

// HTTPDependency probes GET <baseURL>/health and expects a 2xx answer.
func HTTPDependency(name string, client *resty.Client, baseURL string) Dependency {
	url := strings.TrimRight(baseURL, "/") + "/health"
	return Dependency{
		Name: name,
		Probe: func(ctx context.Context) error {
			resp, err := client.R().SetContext(ctx).Get(url)
			if err != nil {
				return err
			}
			if resp.IsError() {
				return fmt.Errorf("GET %s: %s", url, resp.Status())
			}
			return nil
		},
	}
}

// NewHTTPClient returns the resty client used for HTTP probes.
func NewHTTPClient() *resty.Client {
	return resty.New().
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "pumpd-health").
		SetRetryCount(0)
}
