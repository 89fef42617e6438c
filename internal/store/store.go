package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// ErrDeviceNotFound is returned by GetDeviceByIMEI when no device matches.
// An inactive device is still returned; the registry checks Active.
var ErrDeviceNotFound = errors.New("store: device not found")

// Store wraps the spatial relational store: devices, locations, alerts,
// commands. Grounded on the teacher's gorm/postgres connection pattern
// (internal/db/connection.go), generalized to this gateway's own schema
// and extended with PostGIS geography handling and geohash-prefiltered
// proximity search.
type Store struct {
	db  *gorm.DB
	log *logrus.Entry
}

// New opens a postgres connection, runs migrations, and ensures the
// PostGIS geography columns this adapter relies on exist.
func New(dsn string, log *logrus.Entry) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if err := s.ensureGeography(); err != nil {
		return nil, fmt.Errorf("store: geography setup: %w", err)
	}
	return s, nil
}

// ensureGeography adds the PostGIS geography columns and indexes gorm's
// struct mapper has no way to express; this is the same "drop to raw SQL
// for what the ORM can't express" technique the teacher itself uses in
// its migration-reset logic, applied here for a different purpose.
func (s *Store) ensureGeography() error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS postgis`,
		`ALTER TABLE locations ADD COLUMN IF NOT EXISTS geom geography(Point,4326)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_geom ON locations USING GIST(geom)`,
		`ALTER TABLE locations ADD COLUMN IF NOT EXISTS geohash varchar(12)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_geohash ON locations (geohash)`,
		`ALTER TABLE alerts ADD COLUMN IF NOT EXISTS geom geography(Point,4326)`,
	}
	for _, stmt := range statements {
		if err := s.db.Exec(stmt).Error; err != nil {
			s.log.WithError(err).WithField("stmt", stmt).Warn("geography setup statement failed, continuing")
		}
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetDeviceByIMEI returns the device, or ErrDeviceNotFound.
func (s *Store) GetDeviceByIMEI(imei string) (*Device, error) {
	var d Device
	err := s.db.Where("imei = ?", imei).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get device: %w", err)
	}
	return &d, nil
}

// SaveLocation inserts a location row and sets its geography point + a
// geohash prefix used by GetNearby's coarse filter.
func (s *Store) SaveLocation(loc *Location) error {
	if loc.Latitude < -90 || loc.Latitude > 90 {
		return fmt.Errorf("store: latitude %f out of range", loc.Latitude)
	}
	if loc.Longitude < -180 || loc.Longitude > 180 {
		return fmt.Errorf("store: longitude %f out of range", loc.Longitude)
	}
	if loc.RecordedAt.IsZero() {
		loc.RecordedAt = time.Now().UTC()
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(loc).Error; err != nil {
			return fmt.Errorf("store: save location: %w", err)
		}
		hash := geohash.EncodeWithPrecision(loc.Latitude, loc.Longitude, 9)
		err := tx.Exec(
			`UPDATE locations SET geom = ST_SetSRID(ST_MakePoint(?, ?), 4326)::geography, geohash = ? WHERE id = ?`,
			loc.Longitude, loc.Latitude, hash, loc.ID,
		).Error
		if err != nil {
			return fmt.Errorf("store: set location geography: %w", err)
		}
		return nil
	})
}

// SaveAlert inserts an alert row and, when coordinates are present, sets
// its geography point.
func (s *Store) SaveAlert(alert *Alert) error {
	if alert.TriggeredAt.IsZero() {
		alert.TriggeredAt = time.Now().UTC()
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(alert).Error; err != nil {
			return fmt.Errorf("store: save alert: %w", err)
		}
		if alert.Latitude == nil || alert.Longitude == nil {
			return nil
		}
		err := tx.Exec(
			`UPDATE alerts SET geom = ST_SetSRID(ST_MakePoint(?, ?), 4326)::geography WHERE id = ?`,
			*alert.Longitude, *alert.Latitude, alert.ID,
		).Error
		if err != nil {
			return fmt.Errorf("store: set alert geography: %w", err)
		}
		return nil
	})
}

// CreateCommand inserts a pending command row. Insertion is idempotent on
// the primary key: the dispatcher calls this for every delivery before
// acting on it, and a redelivered message (broker redelivery, consumer
// restart) must not fail just because the row already exists.
func (s *Store) CreateCommand(cmd *Command) error {
	if cmd.Status == "" {
		cmd.Status = CommandPending
	}
	err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(cmd).Error
	if err != nil {
		return fmt.Errorf("store: create command: %w", err)
	}
	return nil
}

// UpdateCommandStatus applies a monotonic status transition plus any
// accompanying fields (sent_at/ack_at/failed_at/response/error). Replaying
// the same terminal transition twice is a no-op rather than an error, so
// a crash-and-redeliver cycle cannot clobber an already-acknowledged row
// (spec §8 invariant 6).
func (s *Store) UpdateCommandStatus(id string, status CommandStatus, fields map[string]any) error {
	var current Command
	if err := s.db.Where("id = ?", id).First(&current).Error; err != nil {
		return fmt.Errorf("store: update command status: lookup: %w", err)
	}

	if current.Status == CommandAcknowledged || current.Status == CommandFailed {
		return nil
	}

	updates := map[string]any{"status": status}
	for k, v := range fields {
		updates[k] = v
	}
	if err := s.db.Model(&Command{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("store: update command status: %w", err)
	}
	return nil
}

// SetOnline updates a device's online flag and, when going online, its
// last_seen timestamp.
func (s *Store) SetOnline(imei string, online bool) error {
	updates := map[string]any{"online": online}
	if online {
		updates["last_seen"] = time.Now().UTC()
	}
	return s.db.Model(&Device{}).Where("imei = ?", imei).Updates(updates).Error
}

// TouchHeartbeat updates last_heartbeat/last_seen and implies online=true.
func (s *Store) TouchHeartbeat(imei string) error {
	now := time.Now().UTC()
	return s.db.Model(&Device{}).Where("imei = ?", imei).Updates(map[string]any{
		"last_heartbeat": now,
		"last_seen":      now,
		"online":         true,
	}).Error
}

// TouchLogin updates last_login/last_seen and implies online=true.
func (s *Store) TouchLogin(imei string) error {
	now := time.Now().UTC()
	return s.db.Model(&Device{}).Where("imei = ?", imei).Updates(map[string]any{
		"last_login": now,
		"last_seen":  now,
		"online":     true,
	}).Error
}

// GetLastLocation returns the most recent location for a device.
func (s *Store) GetLastLocation(deviceID uint) (*Location, error) {
	var loc Location
	err := s.db.Where("device_id = ?", deviceID).Order("recorded_at desc").First(&loc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get last location: %w", err)
	}
	return &loc, nil
}

// GetLocationHistory returns locations for a device within [from, to],
// newest first.
func (s *Store) GetLocationHistory(deviceID uint, from, to time.Time) ([]Location, error) {
	var locs []Location
	err := s.db.Where("device_id = ? AND recorded_at BETWEEN ? AND ?", deviceID, from, to).
		Order("recorded_at desc").
		Find(&locs).Error
	if err != nil {
		return nil, fmt.Errorf("store: get location history: %w", err)
	}
	return locs, nil
}

// NearbyLocation is the scan target for GetNearby's raw query.
type NearbyLocation struct {
	DeviceID   uint
	Latitude   float64
	Longitude  float64
	DistanceKM float64
	RecordedAt time.Time
}

// GetNearby returns, for each device, its most recent location within
// radiusKM great-circle distance of (lat, lon). A geohash comparison
// against the center cell and its neighbors narrows the candidate set
// before the precise ST_DWithin check, the same approximate-then-precise pattern used for game-server
// proximity lookups in the example this library choice was grounded on.
func (s *Store) GetNearby(lat, lon, radiusKM float64) ([]NearbyLocation, error) {
	precision := geohashPrecisionFor(radiusKM)
	center := geohash.EncodeWithPrecision(lat, lon, precision)
	// The center cell plus its eight neighbors, so a point just across a
	// cell edge from (lat, lon) is still a candidate.
	cells := append(geohash.Neighbors(center), center)

	var rows []NearbyLocation
	err := s.db.Raw(`
		SELECT DISTINCT ON (device_id)
			device_id,
			latitude,
			longitude,
			recorded_at,
			ST_Distance(geom, ST_SetSRID(ST_MakePoint(?, ?), 4326)::geography) / 1000.0 AS distance_km
		FROM locations
		WHERE left(geohash, ?) IN ?
		  AND ST_DWithin(geom, ST_SetSRID(ST_MakePoint(?, ?), 4326)::geography, ?)
		ORDER BY device_id, recorded_at DESC
	`, lon, lat, precision, cells, lon, lat, radiusKM*1000.0).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: get nearby: %w", err)
	}
	return rows, nil
}

// geohashPrecisionFor picks a geohash character count whose cell size
// comfortably covers the requested radius, erring wide since ST_DWithin
// does the precise filtering afterward.
func geohashPrecisionFor(radiusKM float64) uint {
	switch {
	case radiusKM <= 1:
		return 5 // ~4.9 km cells
	case radiusKM <= 5:
		return 4 // ~39 x 19.5 km cells
	case radiusKM <= 20:
		return 3 // ~156 km cells
	case radiusKM <= 150:
		return 2 // ~1250 x 625 km cells
	default:
		return 1
	}
}

// GetSystemStats returns an aggregate snapshot across devices/locations/
// alerts/commands.
func (s *Store) GetSystemStats() (*SystemStats, error) {
	var stats SystemStats
	todayStart := time.Now().UTC().Truncate(24 * time.Hour)

	if err := s.db.Model(&Device{}).Count(&stats.TotalDevices).Error; err != nil {
		return nil, fmt.Errorf("store: count devices: %w", err)
	}
	if err := s.db.Model(&Device{}).Where("online = ?", true).Count(&stats.OnlineDevices).Error; err != nil {
		return nil, fmt.Errorf("store: count online devices: %w", err)
	}
	if err := s.db.Model(&Location{}).Where("recorded_at >= ?", todayStart).Count(&stats.LocationsToday).Error; err != nil {
		return nil, fmt.Errorf("store: count locations: %w", err)
	}
	if err := s.db.Model(&Alert{}).Where("triggered_at >= ?", todayStart).Count(&stats.AlertsToday).Error; err != nil {
		return nil, fmt.Errorf("store: count alerts: %w", err)
	}
	if err := s.db.Model(&Command{}).Where("status = ?", CommandPending).Count(&stats.PendingCmds).Error; err != nil {
		return nil, fmt.Errorf("store: count pending commands: %w", err)
	}
	return &stats, nil
}
