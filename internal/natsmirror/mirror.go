// Package natsmirror publishes dispatched EventBus events onto an
// embedded NATS server so an external dashboard can subscribe without
// touching Go internals. It implements eventbus.Mirror.
package natsmirror

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	nc "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/specmem/specmem/internal/eventbus"
)

// Mirror wraps a NATS connection and republishes every dispatched
// event onto a subject derived from its type.
type Mirror struct {
	conn *nc.Conn
	log  zerolog.Logger
}

// Connect dials the embedded NATS server at url (e.g. "nats://127.0.0.1:4225").
func Connect(url string, log zerolog.Logger) (*Mirror, error) {
	conn, err := nc.Connect(url,
		nc.Name("specmemd"),
		nc.ReconnectWait(2*time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats mirror disconnected")
			}
		}),
		nc.ReconnectHandler(func(c *nc.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats mirror reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to embedded nats: %w", err)
	}
	return &Mirror{conn: conn, log: log}, nil
}

// Close flushes and closes the underlying connection.
func (m *Mirror) Close() {
	if m.conn == nil {
		return
	}
	_ = m.conn.Flush()
	m.conn.Close()
}

// wireEvent is the JSON shape published to NATS; it is a projection of
// eventbus.Event, not the struct itself, so wire format stays stable
// even if Event gains Go-only fields later.
type wireEvent struct {
	Type      string    `json:"type"`
	SourceID  string    `json:"source_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// MirrorEvent publishes ev onto a subject derived from its type:
// agent heartbeats go to "agent.<source>.heartbeat", every other agent
// event goes to "agent.<source>.status", coordination events go to "coordination.events.<type>", everything else falls
// back to "specmem.events.<type>".
func (m *Mirror) MirrorEvent(ev eventbus.Event) error {
	subject := subjectFor(ev)
	data, err := json.Marshal(wireEvent{
		Type:      ev.Type,
		SourceID:  ev.SourceID,
		Timestamp: ev.Timestamp,
		Payload:   ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal mirrored event: %w", err)
	}
	if err := m.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

func subjectFor(ev eventbus.Event) string {
	switch {
	case strings.HasPrefix(ev.Type, "agent:heartbeat"):
		return fmt.Sprintf("agent.%s.heartbeat", safeSubjectToken(ev.SourceID))
	case strings.HasPrefix(ev.Type, "agent:"):
		return fmt.Sprintf("agent.%s.status", safeSubjectToken(ev.SourceID))
	case strings.HasPrefix(ev.Type, "coordination:"):
		return fmt.Sprintf("coordination.events.%s", subjectSuffix(ev.Type))
	default:
		return fmt.Sprintf("specmem.events.%s", subjectSuffix(ev.Type))
	}
}

func subjectSuffix(eventType string) string {
	suffix := strings.TrimPrefix(eventType, "agent:")
	suffix = strings.TrimPrefix(suffix, "coordination:")
	return safeSubjectToken(suffix)
}

// safeSubjectToken replaces NATS subject-delimiter characters so an
// agent id or event-type fragment can never inject a wildcard token.
func safeSubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(s)
}
