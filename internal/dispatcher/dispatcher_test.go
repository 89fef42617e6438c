package dispatcher

import (
	"context"
	"errors"
	"io"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luna-gateway/internal/codec"
	"luna-gateway/internal/registry"
	"luna-gateway/internal/store"
)

type fakeRegistry struct {
	handles map[string]registry.Handle
}

func (f *fakeRegistry) Lookup(imei string) (registry.Handle, bool) {
	h, ok := f.handles[imei]
	return h, ok
}

type fakeSession struct {
	fingerprint codec.Fingerprint
	written     [][]byte
	writeErr    error
}

func (f *fakeSession) IMEI() string { return "" }
func (f *fakeSession) Close() error { return nil }
func (f *fakeSession) Write(data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, data)
	return nil
}
func (f *fakeSession) Fingerprint() codec.Fingerprint { return f.fingerprint }

type statusUpdate struct {
	id     string
	status store.CommandStatus
	fields map[string]any
}

type fakeStore struct {
	created []*store.Command
	updates []statusUpdate
}

func (f *fakeStore) CreateCommand(cmd *store.Command) error {
	f.created = append(f.created, cmd)
	return nil
}

func (f *fakeStore) UpdateCommandStatus(id string, status store.CommandStatus, fields map[string]any) error {
	f.updates = append(f.updates, statusUpdate{id, status, fields})
	return nil
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log.WithField("test", true)
}

func newDelivery(body string) amqp.Delivery {
	return amqp.Delivery{Body: []byte(body)}
}

func TestDispatcher_DeviceOffline(t *testing.T) {
	st := &fakeStore{}
	reg := &fakeRegistry{handles: map[string]registry.Handle{}}
	d := New(nil, reg, st, codec.NewComposite(), testLogger())

	d.handleDelivery(newDelivery(`{"id":"c1","imei":"999","command":"locate"}`))

	require.Len(t, st.updates, 1)
	assert.Equal(t, "c1", st.updates[0].id)
	assert.Equal(t, store.CommandFailed, st.updates[0].status)
	assert.Equal(t, "Device not connected", st.updates[0].fields["error"])
}

func TestDispatcher_MalformedJSONDropped(t *testing.T) {
	st := &fakeStore{}
	reg := &fakeRegistry{handles: map[string]registry.Handle{}}
	d := New(nil, reg, st, codec.NewComposite(), testLogger())

	d.handleDelivery(newDelivery(`not json`))

	assert.Empty(t, st.created)
	assert.Empty(t, st.updates)
}

func TestDispatcher_WritesEngineStopToOnlineGT06Session(t *testing.T) {
	st := &fakeStore{}
	session := &fakeSession{fingerprint: codec.FingerprintGT06}
	reg := &fakeRegistry{handles: map[string]registry.Handle{"I": session}}
	d := New(nil, reg, st, codec.NewComposite(), testLogger())

	d.handleDelivery(newDelivery(`{"id":"c2","imei":"I","command":"engine_stop"}`))

	require.Len(t, session.written, 1)
	assert.Equal(t, []byte{0x78, 0x78, 0x05, 0x80, 0x05, 0x01, 0x01, 0x00, 0x8C, 0x0D, 0x0A}, session.written[0])

	require.Len(t, st.updates, 1)
	assert.Equal(t, store.CommandSent, st.updates[0].status)

	d.HandleCommandResponse("I", "ack")
	require.Len(t, st.updates, 2)
	assert.Equal(t, store.CommandAcknowledged, st.updates[1].status)
	assert.Equal(t, "ack", st.updates[1].fields["response"])
}

func TestDispatcher_WriteErrorMarksFailedAndAcksOnPermanentError(t *testing.T) {
	st := &fakeStore{}
	session := &fakeSession{fingerprint: codec.FingerprintGT06, writeErr: errors.New("broken pipe")}
	reg := &fakeRegistry{handles: map[string]registry.Handle{"I": session}}
	d := New(nil, reg, st, codec.NewComposite(), testLogger())

	d.handleDelivery(newDelivery(`{"id":"c3","imei":"I","command":"reboot"}`))

	require.Len(t, st.updates, 1)
	assert.Equal(t, store.CommandFailed, st.updates[0].status)
	assert.Equal(t, "broken pipe", st.updates[0].fields["error"])
}

func TestDispatcher_UnsupportedCommandForFingerprint(t *testing.T) {
	st := &fakeStore{}
	session := &fakeSession{fingerprint: codec.FingerprintGPS303}
	reg := &fakeRegistry{handles: map[string]registry.Handle{"I": session}}
	d := New(nil, reg, st, codec.NewComposite(), testLogger())

	d.handleDelivery(newDelivery(`{"id":"c4","imei":"I","command":"locate"}`))

	require.Len(t, st.updates, 1)
	assert.Equal(t, store.CommandFailed, st.updates[0].status)
	assert.Equal(t, "Invalid command format", st.updates[0].fields["error"])
	assert.Empty(t, session.written)
}

func TestDispatcher_AcceptsCommandIdAndKindSynonyms(t *testing.T) {
	st := &fakeStore{}
	session := &fakeSession{fingerprint: codec.FingerprintGT06}
	reg := &fakeRegistry{handles: map[string]registry.Handle{"I": session}}
	d := New(nil, reg, st, codec.NewComposite(), testLogger())

	d.handleDelivery(newDelivery(`{"commandId":"c5","imei":"I","kind":"reboot"}`))

	require.Len(t, st.updates, 1)
	assert.Equal(t, "c5", st.updates[0].id)
	assert.Equal(t, store.CommandSent, st.updates[0].status)
}

func TestDispatcher_HandleCommandResponseWithNoInFlightDropped(t *testing.T) {
	st := &fakeStore{}
	reg := &fakeRegistry{handles: map[string]registry.Handle{}}
	d := New(nil, reg, st, codec.NewComposite(), testLogger())

	d.HandleCommandResponse("unknown-imei", "ack")
	assert.Empty(t, st.updates)
}

func TestIsTransientWriteError(t *testing.T) {
	assert.False(t, isTransientWriteError(errors.New("broken pipe")))
}

func TestDispatcher_SidecarShapedMessageLeftAlone(t *testing.T) {
	st := &fakeStore{}
	reg := &fakeRegistry{handles: map[string]registry.Handle{}}
	d := New(nil, reg, st, codec.NewComposite(), testLogger())

	d.handleDelivery(newDelivery(`{"targetHost":"10.0.0.5","targetPort":9000,"rawCommand":"DYD#"}`))

	assert.Empty(t, st.created)
	assert.Empty(t, st.updates)
}
