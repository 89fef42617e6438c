// Package sidecar implements the alternate, out-of-session-path consumer
// spec.md §6 describes: it shares the device_commands queue with the main
// dispatcher but only acts on deliveries carrying a targetHost/targetPort
// discriminator, opening a one-shot direct TCP connection per message
// rather than writing to an already-authenticated gateway session.
// Grounded directly on spec.md (no teacher-pack equivalent — the teacher
// has no analogous raw one-shot write path).
package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"luna-gateway/internal/bus"
)

const (
	dialTimeout = 5 * time.Second
	minBackoff  = 1 * time.Second
	maxBackoff  = 30 * time.Second
)

// Consumer is the bus capability the sidecar depends on.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler func(amqp.Delivery)) error
}

// payload is the sidecar-flavored subset of a device_commands delivery.
// Ordinary dispatcher deliveries lack targetHost and are left untouched
// (nacked with requeue so the in-process dispatcher — the only other
// consumer of this queue — gets the redelivery instead, per spec.md §9 open
// question 4).
type payload struct {
	TargetHost string `json:"targetHost"`
	TargetPort int    `json:"targetPort"`
	RawCommand string `json:"rawCommand"`
}

// Bridge is the direct-TCP command sidecar.
type Bridge struct {
	consumer Consumer
	log      *logrus.Entry
}

func New(consumer Consumer, log *logrus.Entry) *Bridge {
	return &Bridge{consumer: consumer, log: log}
}

// Run blocks consuming device_commands until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	return b.consumer.Consume(ctx, bus.QueueDeviceCommands, func(d amqp.Delivery) {
		b.handleDelivery(ctx, d)
	})
}

func (b *Bridge) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var p payload
	if err := json.Unmarshal(d.Body, &p); err != nil || p.TargetHost == "" {
		// Not a sidecar-shaped message; leave it for the in-process
		// dispatcher by nacking with requeue rather than consuming it.
		_ = d.Nack(false, true)
		return
	}

	log := b.log.WithFields(logrus.Fields{"target_host": p.TargetHost, "target_port": p.TargetPort})

	if err := b.deliver(ctx, p); err != nil {
		log.WithError(err).Warn("sidecar direct-TCP delivery failed")
		_ = d.Nack(false, true)
		return
	}

	log.Info("sidecar delivered raw command")
	_ = d.Ack(false)
}

// deliver resolves the target host, dials with a bounded timeout, and
// writes rawCommand once. DNS resolution happens before connect so a
// misbehaving resolver can't amplify into unbounded dial attempts (spec.md
// §6).
func (b *Bridge) deliver(ctx context.Context, p payload) error {
	addr := fmt.Sprintf("%s:%d", p.TargetHost, p.TargetPort)

	resolver := &net.Resolver{}
	resolveCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if _, err := resolver.LookupHost(resolveCtx, p.TargetHost); err != nil {
		return fmt.Errorf("sidecar: resolve %s: %w", p.TargetHost, err)
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("sidecar: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(p.RawCommand)); err != nil {
		return fmt.Errorf("sidecar: write to %s: %w", addr, err)
	}
	return nil
}

// RunWithBackoff wraps Run with the same exponential 1s->30s reconnect
// convention as the bus adapter, for when the consumer itself needs
// restarting (e.g. a dropped broker channel) rather than a single
// delivery's delivery failing.
func RunWithBackoff(ctx context.Context, b *Bridge, log *logrus.Entry) {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		err := b.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		log.WithError(err).WithField("retry_in", backoff).Warn("sidecar consumer stopped, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
