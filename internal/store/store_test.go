package store

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to a real Postgres+PostGIS instance via
// STORE_TEST_DSN, skipping the test when it's unset or unreachable —
// mirroring teacher internal/services/notification_db_service_test.go's
// "skip when the database isn't available" convention rather than faking
// the database out, since this adapter's whole job is exercising real
// SQL/PostGIS behavior gorm's struct mapper can't express.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("STORE_TEST_DSN")
	if dsn == "" {
		t.Skip("STORE_TEST_DSN not set, skipping store integration test")
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	s, err := New(dsn, log.WithField("test", true))
	if err != nil {
		t.Skipf("database not available for testing: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetDeviceByIMEI_UnknownReturnsErrDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDeviceByIMEI("00000000000000000")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSaveLocation_RejectsOutOfRangeCoordinates(t *testing.T) {
	s := newTestStore(t)

	err := s.SaveLocation(&Location{DeviceID: 1, Latitude: 91, Longitude: 0})
	assert.Error(t, err)

	err = s.SaveLocation(&Location{DeviceID: 1, Latitude: 0, Longitude: 181})
	assert.Error(t, err)
}

func TestSaveLocation_DefaultsRecordedAtWhenZero(t *testing.T) {
	s := newTestStore(t)

	loc := &Location{DeviceID: 1, Latitude: 27.7, Longitude: 85.3}
	require.NoError(t, s.SaveLocation(loc))
	assert.False(t, loc.RecordedAt.IsZero())
	assert.WithinDuration(t, time.Now().UTC(), loc.RecordedAt, 5*time.Second)
}

func TestCreateCommand_DuplicateIDIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	cmd := &Command{ID: "dup-cmd-1", DeviceID: 1, Kind: CommandLocate}
	require.NoError(t, s.CreateCommand(cmd))
	require.NoError(t, s.CreateCommand(cmd)) // redelivery must not error
}

func TestUpdateCommandStatus_TerminalStatusIsSticky(t *testing.T) {
	s := newTestStore(t)

	cmd := &Command{ID: "sticky-cmd-1", DeviceID: 1, Kind: CommandReboot}
	require.NoError(t, s.CreateCommand(cmd))
	require.NoError(t, s.UpdateCommandStatus(cmd.ID, CommandAcknowledged, map[string]any{"response": "ok"}))

	// A late-arriving "failed" transition after acknowledgment must not
	// clobber the terminal status (spec §8 invariant 6).
	require.NoError(t, s.UpdateCommandStatus(cmd.ID, CommandFailed, map[string]any{"error": "too late"}))

	var reloaded Command
	require.NoError(t, s.db.Where("id = ?", cmd.ID).First(&reloaded).Error)
	assert.Equal(t, CommandAcknowledged, reloaded.Status)
}

func TestGetNearby_FindsDeviceWithinRadius(t *testing.T) {
	s := newTestStore(t)

	loc := &Location{DeviceID: 42, Latitude: 27.7172, Longitude: 85.3240}
	require.NoError(t, s.SaveLocation(loc))

	rows, err := s.GetNearby(27.7172, 85.3240, 1)
	require.NoError(t, err)

	found := false
	for _, r := range rows {
		if r.DeviceID == 42 {
			found = true
		}
	}
	assert.True(t, found, "expected device 42 within 1km of its own last location")
}
