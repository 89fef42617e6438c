// Package store persists devices, location/alert events, and outbound
// commands in the spatial relational store. Spatial columns follow
// WGS84 (SRID 4326): geography points built from (lon, lat).
package store

import (
	"time"

	"gorm.io/gorm"
)

// Device is a registered GPS tracker. Only devices with Active=true may
// authenticate; Online reflects whether a session currently holds it.
type Device struct {
	ID            uint       `json:"id" gorm:"primarykey"`
	IMEI          string     `json:"imei" gorm:"uniqueIndex;not null;size:20"`
	CompanyID     uint       `json:"company_id" gorm:"index;not null"`
	Active        bool       `json:"active" gorm:"not null;default:true"`
	Online        bool       `json:"online" gorm:"not null;default:false"`
	LastSeen      *time.Time `json:"last_seen"`
	LastHeartbeat *time.Time `json:"last_heartbeat"`
	LastLogin     *time.Time `json:"last_login"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (Device) TableName() string { return "devices" }

// AlertKind mirrors codec.AlertKind; duplicated here (rather than imported)
// so the store package has no compile dependency on the codec package —
// only the dispatcher/session glue layer translates between the two.
type AlertKind string

const (
	AlertSOS       AlertKind = "sos"
	AlertPowerCut  AlertKind = "power_cut"
	AlertVibration AlertKind = "vibration"
	AlertFenceIn   AlertKind = "fence_in"
	AlertFenceOut  AlertKind = "fence_out"
	AlertOverSpeed AlertKind = "over_speed"
	AlertNormal    AlertKind = "normal"
	AlertOther     AlertKind = "other"
)

// Location is one position report. Latitude/longitude are also mirrored
// into a PostGIS geography column (geom) via raw SQL at insert time — see
// Store.SaveLocation — since gorm's struct mapper has no native geography
// type.
type Location struct {
	ID             uint      `json:"id" gorm:"primarykey"`
	DeviceID       uint      `json:"device_id" gorm:"index;not null"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	Speed          *float64  `json:"speed"`
	Course         *float64  `json:"course"`
	Altitude       *float64  `json:"altitude"`
	RecordedAt     time.Time `json:"recorded_at" gorm:"index"`
	Satellites     *int      `json:"satellites"`
	HDOP           *float64  `json:"hdop"`
	BatteryLevel   *int      `json:"battery_level"`
	SignalStrength *int      `json:"signal_strength"`
	Raw            string    `json:"raw"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Location) TableName() string { return "locations" }

// Alert is a device-raised condition (SOS, geofence, power loss, ...).
type Alert struct {
	ID          uint      `json:"id" gorm:"primarykey"`
	DeviceID    uint      `json:"device_id" gorm:"index;not null"`
	AlertKind   AlertKind `json:"alert_kind" gorm:"type:varchar(20);not null"`
	Message     string    `json:"message"`
	Latitude    *float64  `json:"latitude"`
	Longitude   *float64  `json:"longitude"`
	TriggeredAt time.Time `json:"triggered_at" gorm:"index"`
	Raw         string    `json:"raw"`
	Resolved    bool      `json:"resolved" gorm:"not null;default:false"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Alert) TableName() string { return "alerts" }

// CommandKind mirrors codec.CommandKind, duplicated for the same reason
// as AlertKind above.
type CommandKind string

const (
	CommandLocate       CommandKind = "locate"
	CommandReboot       CommandKind = "reboot"
	CommandEngineStop   CommandKind = "engine_stop"
	CommandEngineResume CommandKind = "engine_resume"
	CommandRaw          CommandKind = "raw"
)

// CommandStatus is the command's lifecycle state. Transitions are
// monotonic: pending -> sent -> acknowledged, or pending/sent -> failed;
// failed and acknowledged are terminal.
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandFailed       CommandStatus = "failed"
)

// Command is an outbound instruction to a device, tracked end-to-end from
// broker delivery to on-wire outcome.
type Command struct {
	ID        string        `json:"id" gorm:"primarykey;size:64"`
	DeviceID  uint          `json:"device_id" gorm:"index;not null"`
	Kind      CommandKind   `json:"kind" gorm:"type:varchar(20);not null"`
	Payload   string        `json:"payload"`
	Status    CommandStatus `json:"status" gorm:"type:varchar(20);not null;default:'pending'"`
	CreatedAt time.Time     `json:"created_at"`
	SentAt    *time.Time    `json:"sent_at"`
	AckAt     *time.Time    `json:"ack_at"`
	FailedAt  *time.Time    `json:"failed_at"`
	Response  string        `json:"response"`
	Error     string        `json:"error"`
}

func (Command) TableName() string { return "commands" }

// SystemStats is the aggregate snapshot get_system_stats returns.
type SystemStats struct {
	TotalDevices   int64 `json:"total_devices"`
	OnlineDevices  int64 `json:"online_devices"`
	LocationsToday int64 `json:"locations_today"`
	AlertsToday    int64 `json:"alerts_today"`
	PendingCmds    int64 `json:"pending_commands"`
}

// autoMigrate is split out so tests can run it against an in-memory/test
// database without going through New's DSN-driven connection setup.
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Device{}, &Location{}, &Alert{}, &Command{})
}
