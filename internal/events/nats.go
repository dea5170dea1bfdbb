package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"videogen-queue/internal/models"
)

// NATSPublisher publishes each event as JSON on <prefix>.<status>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// ConnectNATS dials the server with reconnects enabled.
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("videogen-queue"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

func (p *NATSPublisher) Notify(_ context.Context, ev models.JobEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(Subject(p.prefix, ev), b); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Subject derives the NATS subject for an event, e.g. videogen.jobs.completed.
func Subject(prefix string, ev models.JobEvent) string {
	suffix := strings.TrimPrefix(ev.Type, "job.")
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}
