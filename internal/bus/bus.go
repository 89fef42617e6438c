// Package bus wraps the AMQP broker connection this gateway uses to accept
// outbound commands and publish inbound device events. Grounded directly on
// spec.md §4.5/§6 (no teacher-pack repo touches a message broker); the
// client is github.com/rabbitmq/amqp091-go, the maintained successor to
// streadway/amqp, which also appears in the reference manifests retrieved
// alongside this pack.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Queue names declared at startup, all durable with a bounded max length so
// a stalled consumer cannot grow the broker without limit.
const (
	QueueDeviceCommands  = "device_commands"
	QueueTrackerMessages = "tracker_messages"
	QueueDeviceAlerts    = "device_alerts"
	QueueLocationUpdates = "location_updates"
)

const maxQueueLength = 10000

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// preconditionFailed is the AMQP reply code a broker returns when a queue
// already exists with incompatible arguments.
const preconditionFailed = 406

// EventMessage is the wire shape published to tracker_messages,
// device_alerts, and location_updates, per spec.md §6. EventID is a
// generated UUID (google/uuid, per SPEC_FULL.md's domain-stack table)
// distinct from a device command's producer-supplied id — it exists so a
// dashboard consumer or log aggregator can deduplicate/correlate a single
// published event across the two queues a session fans it out to
// (tracker_messages and the kind-specific queue), without depending on
// broker-assigned delivery tags.
type EventMessage struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	IMEI       string    `json:"imei"`
	DeviceID   uint      `json:"device_id"`
	Data       any       `json:"data"`
	ReceivedAt time.Time `json:"received_at"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
}

// Bus is a thin wrapper over one AMQP connection. b.channel is dedicated to
// publishing and queue management so every session's Publish call lands on
// one channel, matching the single-threaded-per-channel convention spec §5
// assumes ("broker channel ... serialize publishes/acks"). Consume opens a
// fresh channel per call instead of sharing b.channel, since this gateway
// runs several independent consume loops at once (the command dispatcher,
// the sidecar bridge, and the dashboard fan-out) and amqp091-go channels
// are not meant to have concurrent Consume registrations from unrelated
// goroutines.
type Bus struct {
	url     string
	log     *logrus.Entry
	conn    *amqp.Connection
	channel *amqp.Channel

	publishMu sync.Mutex // serializes Publish calls on b.channel
}

// Dial connects with exponential backoff (1s -> 30s) and declares the
// gateway's fixed set of durable queues.
func Dial(ctx context.Context, url string, log *logrus.Entry) (*Bus, error) {
	conn, channel, err := connectWithBackoff(ctx, url, log)
	if err != nil {
		return nil, err
	}

	b := &Bus{url: url, log: log, conn: conn, channel: channel}
	for _, q := range []string{QueueDeviceCommands, QueueTrackerMessages, QueueDeviceAlerts, QueueLocationUpdates} {
		if err := b.declareQueue(q); err != nil {
			return nil, fmt.Errorf("bus: declare %s: %w", q, err)
		}
	}
	return b, nil
}

func connectWithBackoff(ctx context.Context, url string, log *logrus.Entry) (*amqp.Connection, *amqp.Channel, error) {
	backoff := minBackoff
	for {
		conn, err := amqp.Dial(url)
		if err == nil {
			channel, chErr := conn.Channel()
			if chErr == nil {
				return conn, channel, nil
			}
			conn.Close()
			err = chErr
		}

		log.WithError(err).WithField("retry_in", backoff).Warn("bus: connect failed, retrying")
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// declareQueue declares name as durable with a bounded max length. A
// precondition-failed response (the queue already exists with different
// arguments) is treated as a soft success rather than a startup failure,
// per spec.md §4.5.
func (b *Bus) declareQueue(name string) error {
	args := amqp.Table{"x-max-length": int32(maxQueueLength)}
	_, err := b.channel.QueueDeclare(name, true, false, false, false, args)
	if err == nil {
		return nil
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == preconditionFailed {
		b.log.WithField("queue", name).Warn("queue exists with incompatible arguments, skipping redeclare")
		// amqp091-go closes the channel on a channel-level exception; reopen
		// it so subsequent declares/publishes on this Bus keep working.
		ch, chErr := b.conn.Channel()
		if chErr != nil {
			return chErr
		}
		b.channel = ch
		return nil
	}
	return err
}

// Publish marshals payload as JSON and publishes it as a persistent message
// to queue.
func (b *Bus) Publish(queue string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal payload: %w", err)
	}
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	err = b.channel.Publish("", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("bus: publish to %s: %w", queue, err)
	}
	return nil
}

// Consume opens a dedicated channel and delivers messages from queue to
// handler until ctx is cancelled or the underlying delivery channel closes.
// Ack/nack discipline is entirely the handler's responsibility — this
// method never acks on the caller's behalf, since the correct outcome (ack
// vs. nack-with-requeue) depends on what the handler did with the delivery
// (spec.md §4.4/§7). Each call's own channel means independent consumers
// (dispatcher, sidecar, dashboard fan-out) never contend with each other or
// with Publish.
func (b *Bus) Consume(ctx context.Context, queue string, handler func(amqp.Delivery)) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("bus: open consumer channel for %s: %w", queue, err)
	}
	defer ch.Close()

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("bus: consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("bus: delivery channel for %s closed", queue)
			}
			handler(d)
		}
	}
}

// Purge removes all ready messages from queue.
func (b *Bus) Purge(queue string) (int, error) {
	n, err := b.channel.QueuePurge(queue, false)
	if err != nil {
		return 0, fmt.Errorf("bus: purge %s: %w", queue, err)
	}
	return n, nil
}

// QueueStats returns the ready-message and consumer counts for queue.
type QueueStats struct {
	Messages  int
	Consumers int
}

func (b *Bus) QueueStats(queue string) (QueueStats, error) {
	q, err := b.channel.QueueInspect(queue)
	if err != nil {
		return QueueStats{}, fmt.Errorf("bus: inspect %s: %w", queue, err)
	}
	return QueueStats{Messages: q.Messages, Consumers: q.Consumers}, nil
}

// Close tears down the channel and connection.
func (b *Bus) Close() error {
	if b.channel != nil {
		_ = b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
