package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"voiceform/internal/domain"
)

type publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// NATSExporter publishes documents as JSON to a subject.
type NATSExporter struct {
	conn    publisher
	subject string
	closeFn func()
}

func NewNATSExporter(url, subject string, logger zerolog.Logger) (*NATSExporter, error) {
	log := logger.With().Str("component", "nats").Logger()
	nc, err := nats.Connect(url,
		nats.Name("voiceform"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSExporter{
		conn:    nc,
		subject: subject,
		closeFn: func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		},
	}, nil
}

func (e *NATSExporter) Name() string { return "nats" }

func (e *NATSExporter) Export(ctx context.Context, doc domain.ExportDocument) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := e.conn.Publish(e.subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", e.subject, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if err := e.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", e.subject, err)
	}
	return nil
}

func (e *NATSExporter) Close() {
	if e.closeFn != nil {
		e.closeFn()
	}
}
