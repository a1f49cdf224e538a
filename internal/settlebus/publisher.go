// Package settlebus publishes accepted settlements to NATS JetStream so that
// other services can follow the ledger.
package settlebus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Event is one applied settlement.
type Event struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Game         string          `json:"game"`
	PeriodStart  int64           `json:"period_start"`
	Round        int64           `json:"round"`
	Bet          decimal.Decimal `json:"bet"`
	Win          decimal.Decimal `json:"win"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	SettledAt    time.Time       `json:"settled_at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type Config struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration
	DuplicateWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "SETTLEMENTS",
		SubjectPrefix:   "roundclock.settlements",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		DuplicateWindow: 2 * time.Hour,
	}
}

// streamPublisher is the part of jetstream.JetStream the publisher uses.
type streamPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type JetStreamPublisher struct {
	nc     *nats.Conn
	js     streamPublisher
	config Config
}

// Connect dials NATS, ensures the stream exists and returns a publisher.
func Connect(ctx context.Context, cfg Config) (*JetStreamPublisher, error) {
	opts := []nats.Option{
		nats.Name("roundclock"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Applied round settlements",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		Duplicates:  cfg.DuplicateWindow,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	log.Info().Str("stream", cfg.StreamName).Msg("JetStream stream ready")

	return &JetStreamPublisher{nc: nc, js: js, config: cfg}, nil
}

// Subject is the subject an event is published on.
func (p *JetStreamPublisher) Subject(ev Event) string {
	return fmt.Sprintf("%s.%s", p.config.SubjectPrefix, ev.Game)
}

// Publish sends ev with its settlement id as the JetStream message id, so a
// replayed settlement inside the duplicate window is dropped by the server.
func (p *JetStreamPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}

	msg := &nats.Msg{
		Subject: p.Subject(ev),
		Data:    data,
		Header: nats.Header{
			nats.MsgIdHdr: []string{ev.ID},
			"User-ID":     []string{ev.UserID},
		},
	}
	ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithExpectStream(p.config.StreamName))
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", msg.Subject).
		Str("settlement_id", ev.ID).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published settlement")
	return nil
}

func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// Nop drops every event. It is used when NATS is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
