// Package notify delivers short owner-facing messages. Delivery is best
// effort: failures are logged and never returned to the caller.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/telemetry"
)

// Notifier pushes a message to an owner.
type Notifier interface {
	NotifyUser(ctx context.Context, owner, text string)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, owner, text string)

func (f Func) NotifyUser(ctx context.Context, owner, text string) { f(ctx, owner, text) }

// Multi fans a message out to every notifier, isolating panics.
type Multi struct {
	notifiers []Notifier
	logger    *slog.Logger
}

func NewMulti(logger *slog.Logger, notifiers ...Notifier) *Multi {
	if logger == nil {
		logger = telemetry.Discard()
	}
	var ns []Notifier
	for _, n := range notifiers {
		if n != nil {
			ns = append(ns, n)
		}
	}
	return &Multi{notifiers: ns, logger: logger.With("component", "notify")}
}

func (m *Multi) NotifyUser(ctx context.Context, owner, text string) {
	for _, n := range m.notifiers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("notifier panicked", "owner", owner, "panic", r)
				}
			}()
			n.NotifyUser(ctx, owner, text)
		}()
	}
}

// Bus publishes notifications on bus.TopicNotifyUser, where the gateway's
// websocket stream picks them up.
type Bus struct {
	bus *bus.Bus
}

func NewBus(b *bus.Bus) *Bus {
	return &Bus{bus: b}
}

func (b *Bus) NotifyUser(_ context.Context, owner, text string) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(bus.TopicNotifyUser, bus.UserNotification{Owner: owner, Text: text, At: time.Now().UTC()})
}

// Log writes notifications to the structured log.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &Log{logger: logger.With("component", "notify")}
}

func (l *Log) NotifyUser(_ context.Context, owner, text string) {
	l.logger.Info("owner notification", "owner", owner, "text", text)
}
