// Package dispatcher consumes the durable device_commands queue and turns
// each delivery into a socket write on the addressed device's session,
// tracking the command's lifecycle in the store. Grounded on the shape of
// teacher internal/protocol/gps_tracker_control.go (build command bytes,
// write, classify the outcome) generalized to spec.md §4.4's state
// machine and this gateway's own JSON delivery schema.
package dispatcher

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"luna-gateway/internal/bus"
	"luna-gateway/internal/codec"
	"luna-gateway/internal/registry"
	"luna-gateway/internal/store"
)

// Consumer is the bus capability the dispatcher depends on.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler func(amqp.Delivery)) error
}

// Registry is the slice of registry.Registry the dispatcher depends on.
type Registry interface {
	Lookup(imei string) (registry.Handle, bool)
}

// Store is the slice of store.Store the dispatcher depends on.
type Store interface {
	CreateCommand(cmd *store.Command) error
	UpdateCommandStatus(id string, status store.CommandStatus, fields map[string]any) error
}

// sessionWriter is implemented by *session.Session; asserted out of the
// registry.Handle returned by Lookup rather than imported directly, since
// registry.Handle only promises IMEI()/Close() (session -> registry ->
// dispatcher must not become a three-way import cycle).
type sessionWriter interface {
	Write(data []byte) error
	Fingerprint() codec.Fingerprint
}

var (
	commandsSent         = metrics.NewCounter(`luna_gateway_commands_sent_total`)
	commandsFailed       = metrics.NewCounter(`luna_gateway_commands_failed_total`)
	commandsAcknowledged = metrics.NewCounter(`luna_gateway_commands_acknowledged_total`)
)

// Dispatcher owns the device_commands consume loop.
type Dispatcher struct {
	consumer Consumer
	registry Registry
	store    Store
	codec    *codec.Composite
	log      *logrus.Entry

	mu       sync.Mutex
	inFlight map[string]string // imei -> command id awaiting command_response
}

func New(consumer Consumer, reg Registry, st Store, composite *codec.Composite, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		consumer: consumer,
		registry: reg,
		store:    st,
		codec:    composite,
		log:      log,
		inFlight: make(map[string]string),
	}
}

// Run blocks consuming device_commands until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.consumer.Consume(ctx, bus.QueueDeviceCommands, d.handleDelivery)
}

func (d *Dispatcher) handleDelivery(delivery amqp.Delivery) {
	if isSidecarPayload(delivery.Body) {
		// Meant for the sidecar bridge, not this consumer; requeue rather
		// than ack so the sidecar (or another dispatcher instance) gets it.
		_ = delivery.Nack(false, true)
		return
	}

	payload, err := parsePayload(delivery.Body)
	if err != nil {
		d.log.WithError(err).Warn("malformed command payload, dropping")
		_ = delivery.Ack(false)
		return
	}
	log := d.log.WithFields(logrus.Fields{"command_id": payload.ID, "imei": payload.IMEI, "kind": payload.Kind})

	if err := d.store.CreateCommand(payload.toCommandRow()); err != nil {
		log.WithError(err).Error("failed to record command, requeueing")
		_ = delivery.Nack(false, true)
		return
	}

	handle, ok := d.registry.Lookup(payload.IMEI)
	if !ok {
		d.fail(log, payload.ID, "Device not connected")
		_ = delivery.Ack(false)
		return
	}

	session, ok := handle.(sessionWriter)
	if !ok {
		log.Error("registered handle does not support writes; failing command")
		d.fail(log, payload.ID, "Invalid command format")
		_ = delivery.Ack(false)
		return
	}

	subCodec := d.codec.SubCodecFor(session.Fingerprint())
	if subCodec == nil {
		d.fail(log, payload.ID, "Invalid command format")
		_ = delivery.Ack(false)
		return
	}

	wireBytes, err := subCodec.EncodeCommand(codec.CommandKind(payload.Kind), payload.Params)
	if err != nil || wireBytes == nil {
		log.WithError(err).Warn("command unsupported for this session's fingerprint")
		d.fail(log, payload.ID, "Invalid command format")
		_ = delivery.Ack(false)
		return
	}

	if err := session.Write(wireBytes); err != nil {
		d.fail(log, payload.ID, err.Error())
		if isTransientWriteError(err) {
			_ = delivery.Nack(false, true)
		} else {
			_ = delivery.Ack(false)
		}
		return
	}

	// Store write happens before the broker ack, per spec.md §4.4's ordering
	// discipline: a crash between ack and store write must not lose the
	// observable outcome.
	now := time.Now().UTC()
	if err := d.store.UpdateCommandStatus(payload.ID, store.CommandSent, map[string]any{"sent_at": now}); err != nil {
		log.WithError(err).Error("failed to record sent status")
	}
	commandsSent.Inc()

	d.mu.Lock()
	d.inFlight[payload.IMEI] = payload.ID
	d.mu.Unlock()

	_ = delivery.Ack(false)
}

func (d *Dispatcher) fail(log *logrus.Entry, commandID, reason string) {
	now := time.Now().UTC()
	err := d.store.UpdateCommandStatus(commandID, store.CommandFailed, map[string]any{
		"failed_at": now,
		"error":     reason,
	})
	if err != nil {
		log.WithError(err).Error("failed to record failed status")
	}
	commandsFailed.Inc()
}

// HandleCommandResponse implements session.CommandResponder: the most
// recent in-flight command for imei is promoted to acknowledged. This is
// how command_response frames are correlated in this rewrite, since GT06's
// wire framing (as this gateway decodes it) has no room for an echoed
// serial number — see DESIGN.md.
func (d *Dispatcher) HandleCommandResponse(imei, response string) {
	d.mu.Lock()
	commandID, ok := d.inFlight[imei]
	if ok {
		delete(d.inFlight, imei)
	}
	d.mu.Unlock()

	if !ok {
		d.log.WithField("imei", imei).Warn("command_response with no in-flight command, dropping")
		return
	}

	now := time.Now().UTC()
	err := d.store.UpdateCommandStatus(commandID, store.CommandAcknowledged, map[string]any{
		"ack_at":   now,
		"response": response,
	})
	if err != nil {
		d.log.WithError(err).WithField("command_id", commandID).Error("failed to record acknowledged status")
	}
	commandsAcknowledged.Inc()
}

// isTransientWriteError decides nack-requeue vs. ack-drop for a socket
// write failure. A timeout (the only transient condition this gateway's
// synchronous writes can hit — see spec.md §5's "writes are synchronous")
// is worth retrying; anything else means the connection is gone and a
// retry can only wait for the device to reconnect on its own, which the
// next delivery attempt would race rather than help.
func isTransientWriteError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
