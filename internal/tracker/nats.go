package tracker

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/jasonkneen/curator/pkg/types"
)

// NATSPublisher pushes progress snapshots to a NATS subject. Delivery
// is fire-and-forget; subscribers that miss a snapshot pick up the next
// one.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	log     *slog.Logger
}

// NewNATSPublisher connects to the given NATS URL. An empty URL returns
// (nil, nil) so callers can wire the publisher straight through to an
// online tracker and get graceful degradation.
func NewNATSPublisher(url, subject string, log *slog.Logger) (*NATSPublisher, error) {
	if url == "" {
		return nil, nil
	}
	if log == nil {
		log = slog.Default()
	}
	conn, err := nats.Connect(url, nats.Name("curator-progress"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSPublisher{conn: conn, subject: subject, log: log}, nil
}

func (p *NATSPublisher) Publish(s types.ProgressSnapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	subject := p.subject
	if subject == "" {
		subject = "curator.progress." + s.RunID
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("progress publish failed", "subject", subject, "error", err)
		return err
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}
