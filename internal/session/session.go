// Package session models one TCP connection from a tracking device: its
// byte buffer, protocol fingerprint, and authentication state. Grounded on
// the teacher's internal/tcp/server.go read->decode->dispatch->respond
// loop, generalized to the composite codec and to this gateway's own
// dispatch rules (spec.md §4.1). Each Session is one sequential task —
// concurrency only happens between sessions and between a session and the
// command dispatcher, mediated by the registry's mutex and the socket
// itself, per spec.md §9's async-to-sync guidance.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"luna-gateway/internal/bus"
	"luna-gateway/internal/codec"
	"luna-gateway/internal/registry"
	"luna-gateway/internal/store"
)

const (
	authDeadline       = 30 * time.Second
	maxUnparseableTail = 1024
	readChunkSize      = 4096
)

// state is a tagged variant for the session's lifecycle, per spec.md §9 —
// transitions are explicit, never derived from nullable fields.
type state int32

const (
	stateFresh state = iota
	stateAuthenticated
	stateClosing
)

// Registry is the slice of registry.Registry a session depends on. Kept
// narrow so tests can supply a fake.
type Registry interface {
	Authenticate(handle registry.Handle, imei string) (*store.Device, error)
	MarkOffline(imei string)
	TouchHeartbeat(imei string)
	TouchLogin(imei string)
}

// Store is the slice of store.Store a session writes to directly.
type Store interface {
	SaveLocation(loc *store.Location) error
	SaveAlert(alert *store.Alert) error
}

// Publisher is the bus capability a session needs to fan inbound events out
// to tracker_messages/device_alerts/location_updates.
type Publisher interface {
	Publish(queue string, payload any) error
}

// CommandResponder is notified when a device's command_response frame
// arrives, so the dispatcher can resolve which in-flight command it
// acknowledges (spec.md §9 open question 5 and the dropped wire-level
// serial number — see DESIGN.md).
type CommandResponder interface {
	HandleCommandResponse(imei, response string)
}

// Session owns one device connection end to end.
type Session struct {
	conn      net.Conn
	codec     *codec.Composite
	registry  Registry
	store     Store
	publisher Publisher
	responder CommandResponder
	log       *logrus.Entry

	writeMu sync.Mutex // serializes socket writes from both the read loop and the dispatcher

	mu          sync.Mutex // guards everything below
	state       state
	imei        string
	deviceID    uint
	fingerprint codec.Fingerprint
	buf         []byte
	seq         uint16
	closed      bool
}

// New builds a Session around an accepted connection. responder may be nil
// if command_response correlation is not wired (e.g. in tests).
func New(conn net.Conn, composite *codec.Composite, reg Registry, st Store, pub Publisher, responder CommandResponder, log *logrus.Entry) *Session {
	return &Session{
		conn:      conn,
		codec:     composite,
		registry:  reg,
		store:     st,
		publisher: pub,
		responder: responder,
		log:       log.WithField("remote_addr", conn.RemoteAddr().String()),
	}
}

// IMEI implements registry.Handle.
func (s *Session) IMEI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imei
}

// Close implements registry.Handle. Idempotent: a session may be closed by
// its own read loop (EOF/error) and, concurrently, by the registry
// displacing it for a duplicate IMEI login.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = stateClosing
	s.mu.Unlock()
	return s.conn.Close()
}

// Serve runs the session's read loop until the connection closes, the
// context is cancelled, or the auth deadline fires. It always returns after
// cleaning up the connection's registry membership.
func (s *Session) Serve(ctx context.Context) {
	defer s.onDisconnect()

	_ = s.conn.SetReadDeadline(time.Now().Add(authDeadline))

	readBuf := make([]byte, readChunkSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := s.conn.Read(readBuf)
		if n > 0 {
			s.appendAndDrain(readBuf[:n])
		}
		if err != nil {
			return
		}
		if s.isAuthenticated() {
			_ = s.conn.SetReadDeadline(time.Time{})
		}
	}
}

func (s *Session) isAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateAuthenticated
}

// onDisconnect runs once, however the read loop exited: socket error, EOF,
// or an explicit Close() from elsewhere (e.g. registry displacement).
func (s *Session) onDisconnect() {
	s.mu.Lock()
	imei := s.imei
	wasAuthenticated := s.state == stateAuthenticated
	s.mu.Unlock()

	_ = s.conn.Close()
	if wasAuthenticated && imei != "" {
		s.registry.MarkOffline(imei)
	}
}

// appendAndDrain appends newly-read bytes to the session buffer and repeatedly
// invokes the codec until it reports "need more" or the buffer empties. A
// buffer that grows past maxUnparseableTail without yielding a frame is
// dropped entirely — spec.md §4.1's "binary framing errors must not leak
// memory across streams".
func (s *Session) appendAndDrain(data []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, data...)
	fp := s.fingerprint
	s.mu.Unlock()

	for {
		s.mu.Lock()
		buf := s.buf
		s.mu.Unlock()

		if len(buf) == 0 {
			return
		}

		res, nextFP := s.codec.Decode(buf, fp)
		switch res.Outcome {
		case codec.OutcomeNeedMore:
			if len(buf) > maxUnparseableTail {
				s.log.WithField("buffer_len", len(buf)).Warn("unparseable tail exceeded cap, clearing buffer")
				s.mu.Lock()
				s.buf = s.buf[:0]
				s.mu.Unlock()
			}
			return
		case codec.OutcomeReject:
			s.log.WithField("fingerprint", fp).Warn("frame rejected by fixed sub-codec, clearing buffer")
			s.mu.Lock()
			s.buf = s.buf[:0]
			s.mu.Unlock()
			return
		case codec.OutcomeSuccess:
			fp = nextFP
			s.mu.Lock()
			s.buf = s.buf[res.Consumed:]
			s.fingerprint = fp
			s.mu.Unlock()
			s.dispatch(res.Event, fp)
		}
	}
}

// dispatch implements spec.md §4.1's dispatch rules: unauthenticated
// sessions only progress on an IMEI-bearing frame or the gps303 pre-auth
// login special case; everything else pre-auth is dropped.
func (s *Session) dispatch(event *codec.Event, fp codec.Fingerprint) {
	authenticated := s.isAuthenticated()
	justAuthenticated := false

	if !authenticated {
		switch {
		case event.IMEI != "":
			if !s.authenticate(event.IMEI, fp) {
				_ = s.Close()
				return
			}
			authenticated = true
			justAuthenticated = true
		case fp == codec.FingerprintGPS303 && event.Kind == codec.KindLogin:
			s.writeAck(s.subCodec(codec.FingerprintGPS303).EncodeAuthAck(true))
			return
		default:
			return
		}
	}

	switch event.Kind {
	case codec.KindLogin:
		// registry.Authenticate already recorded last_login for the frame
		// that performed authentication; avoid a redundant store write.
		if !justAuthenticated {
			s.registry.TouchLogin(s.IMEI())
		}
		s.writeAck(s.subCodec(fp).EncodeLoginAck(true))
	case codec.KindLocation:
		s.handleLocation(event, fp)
	case codec.KindHeartbeat:
		s.registry.TouchHeartbeat(s.IMEI())
		s.writeAck(s.subCodec(fp).EncodeHeartbeatAck())
	case codec.KindAlarm:
		s.handleAlarm(event, fp)
	case codec.KindCommandResponse:
		if s.responder != nil {
			s.responder.HandleCommandResponse(s.IMEI(), event.Response)
		}
	case codec.KindUnknown:
		s.log.WithFields(logrus.Fields{"hex": event.Hex, "length": event.Length}).Debug("unrecognized frame")
	}
}

func (s *Session) authenticate(imei string, fp codec.Fingerprint) bool {
	device, err := s.registry.Authenticate(s, imei)
	if err != nil {
		s.log.WithError(err).WithField("imei", imei).Error("registry authentication failed")
		return false
	}
	if device == nil {
		s.log.WithField("imei", imei).Warn("auth rejected: unknown or inactive device")
		return false
	}

	s.mu.Lock()
	s.imei = imei
	s.deviceID = device.ID
	s.fingerprint = fp
	s.state = stateAuthenticated
	s.mu.Unlock()
	return true
}

func (s *Session) handleLocation(event *codec.Event, fp codec.Fingerprint) {
	loc := &store.Location{
		DeviceID:       s.deviceID,
		Speed:          event.Speed,
		Course:         event.Course,
		Altitude:       event.Altitude,
		RecordedAt:     event.RecordedAt,
		Satellites:     event.Satellites,
		HDOP:           event.HDOP,
		BatteryLevel:   event.BatteryLevel,
		SignalStrength: event.SignalStrength,
	}
	if event.Latitude != nil {
		loc.Latitude = *event.Latitude
	}
	if event.Longitude != nil {
		loc.Longitude = *event.Longitude
	}

	if err := s.store.SaveLocation(loc); err != nil {
		s.log.WithError(err).WithField("imei", s.IMEI()).Error("failed to save location")
	}

	s.publish(bus.QueueLocationUpdates, "location", event)
	s.publish(bus.QueueTrackerMessages, "location", event)

	s.writeAck(s.subCodec(fp).EncodeLocationAck(s.nextSeq()))
}

func (s *Session) handleAlarm(event *codec.Event, fp codec.Fingerprint) {
	alert := &store.Alert{
		DeviceID:    s.deviceID,
		AlertKind:   store.AlertKind(event.AlertKind),
		Message:     event.Message,
		Latitude:    event.Latitude,
		Longitude:   event.Longitude,
		TriggeredAt: event.TriggeredAt,
	}
	if alert.TriggeredAt.IsZero() {
		alert.TriggeredAt = time.Now().UTC()
	}

	if err := s.store.SaveAlert(alert); err != nil {
		s.log.WithError(err).WithField("imei", s.IMEI()).Error("failed to save alert")
	}

	s.publish(bus.QueueDeviceAlerts, "alarm", event)
	s.publish(bus.QueueTrackerMessages, "alarm", event)
}

func (s *Session) publish(queue, eventType string, event *codec.Event) {
	if s.publisher == nil {
		return
	}
	msg := bus.EventMessage{
		EventID:    uuid.NewString(),
		Type:       eventType,
		IMEI:       s.IMEI(),
		DeviceID:   s.deviceID,
		Data:       event,
		ReceivedAt: time.Now().UTC(),
		Source:     string(event.Fingerprint),
		Timestamp:  time.Now().UTC(),
	}
	if err := s.publisher.Publish(queue, msg); err != nil {
		s.log.WithError(err).WithField("queue", queue).Warn("failed to publish event")
	}
}

// nextSeq returns a session-local monotonic counter used to fill GT06's ack
// sequence byte. The dropped wire-level serial number (see DESIGN.md) means
// there is no request sequence to echo, so this is a local substitute — the
// device only needs *a* changing byte to distinguish consecutive acks, not
// the original request's own number.
func (s *Session) nextSeq() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *Session) subCodec(fp codec.Fingerprint) codec.SubCodec {
	return s.codec.SubCodecFor(fp)
}

// writeAck writes data to the socket, serialized against concurrent writes
// from the command dispatcher (spec.md §5: "serialize writes to a given
// socket"). A nil/empty ack (e.g. h02's stub, or a sub-codec with no
// response for this event) is a no-op.
func (s *Session) writeAck(data []byte) {
	if len(data) == 0 {
		return
	}
	if err := s.Write(data); err != nil {
		s.log.WithError(err).Warn("failed to write ack")
	}
}

// Write sends bytes to the device socket, serialized against the session's
// own ack writes. Used by the dispatcher to deliver outbound commands.
func (s *Session) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(data)
	if err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	return nil
}

// Fingerprint returns the session's locked-in protocol dialect, or "" if
// not yet determined.
func (s *Session) Fingerprint() codec.Fingerprint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}
