// Package platform connects the hub to the external chat platform over
// NATS: inbound group messages arrive on per-group subjects and feed the
// message router; outbound deliveries publish back to the group's subject.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/types"
)

// MessageHandler consumes one inbound group message.
type MessageHandler func(ctx context.Context, msg types.GroupMessage)

// ChatAdapter is the NATS-backed chat platform link. Subjects:
//
//	<prefix>.group.<groupId>.in   inbound messages from the platform
//	<prefix>.group.<groupId>.out  outbound deliveries to the platform
type ChatAdapter struct {
	conn    *nats.Conn
	prefix  string
	log     zerolog.Logger
	sub     *nats.Subscription
	handler MessageHandler
}

// outboundEnvelope is the delivery shape published to groups.
type outboundEnvelope struct {
	GroupID string    `json:"groupId"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Connect dials the NATS server with the hub's reconnect policy.
func Connect(url, prefix string, logger zerolog.Logger) (*ChatAdapter, error) {
	a := &ChatAdapter{prefix: prefix, log: logger}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectJitter(500*time.Millisecond, time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	a.conn = conn
	logger.Info().Str("url", conn.ConnectedUrl()).Msg("Chat platform connected")
	return a, nil
}

// Start subscribes to the inbound group subjects and hands messages to the
// router. Malformed payloads are logged and dropped.
func (a *ChatAdapter) Start(handler MessageHandler) error {
	a.handler = handler
	subject := a.prefix + ".group.*.in"
	sub, err := a.conn.Subscribe(subject, func(msg *nats.Msg) {
		var gm types.GroupMessage
		if err := json.Unmarshal(msg.Data, &gm); err != nil {
			a.log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed group message")
			return
		}
		if gm.GroupID == "" {
			gm.GroupID = groupFromSubject(msg.Subject)
		}
		if gm.At.IsZero() {
			gm.At = time.Now()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.handler(ctx, gm)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	a.sub = sub
	a.log.Info().Str("subject", subject).Msg("Listening for group messages")
	return nil
}

// Publish delivers one rendered line to the group's outbound subject.
func (a *ChatAdapter) Publish(ctx context.Context, groupID, content string) error {
	payload, err := json.Marshal(outboundEnvelope{GroupID: groupID, Content: content, At: time.Now()})
	if err != nil {
		return fmt.Errorf("encoding outbound message: %w", err)
	}
	subject := a.prefix + ".group." + groupID + ".out"
	if err := a.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Stop unsubscribes the intake while keeping the connection for outbound
// deliveries during drain.
func (a *ChatAdapter) Stop() {
	if a.sub != nil {
		a.sub.Unsubscribe()
		a.sub = nil
	}
}

// Close drains and releases the connection.
func (a *ChatAdapter) Close() {
	a.Stop()
	if a.conn != nil {
		a.conn.Drain()
	}
}

// groupFromSubject extracts the group id from <prefix>.group.<id>.in.
func groupFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}
