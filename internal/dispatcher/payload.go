package dispatcher

import (
	"encoding/json"
	"fmt"

	"luna-gateway/internal/store"
)

// wirePayload mirrors the raw JSON shape devices' command producers send,
// with the field-naming inconsistencies spec.md §6/§9 calls out: `id` vs
// `commandId`, and `command`/`command_type`/`kind` as synonyms for the same
// value.
type wirePayload struct {
	ID          string         `json:"id"`
	CommandID   string         `json:"commandId"`
	IMEI        string         `json:"imei"`
	DeviceID    uint           `json:"device_id"`
	Command     string         `json:"command"`
	CommandType string         `json:"command_type"`
	Kind        string         `json:"kind"`
	Params      map[string]any `json:"params"`
	Parameters  map[string]any `json:"parameters"`
}

// CommandPayload is the dispatcher's normalized view of a device_commands
// delivery.
type CommandPayload struct {
	ID       string
	IMEI     string
	DeviceID uint
	Kind     string
	Params   map[string]any
}

// isSidecarPayload reports whether body carries the sidecar's targetHost
// discriminator. Both consumers share the device_commands queue (spec.md
// §6/§9 open question 4); a message meant for the sidecar must be
// requeued here, not dropped as malformed.
func isSidecarPayload(body []byte) bool {
	var probe struct {
		TargetHost string `json:"targetHost"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.TargetHost != ""
}

func parsePayload(body []byte) (*CommandPayload, error) {
	var raw wirePayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("dispatcher: decode payload: %w", err)
	}

	id := raw.ID
	if id == "" {
		id = raw.CommandID
	}
	if id == "" {
		return nil, fmt.Errorf("dispatcher: payload missing id/commandId")
	}

	kind := raw.Command
	if kind == "" {
		kind = raw.CommandType
	}
	if kind == "" {
		kind = raw.Kind
	}

	params := raw.Params
	if params == nil {
		params = raw.Parameters
	}

	if raw.IMEI == "" {
		return nil, fmt.Errorf("dispatcher: payload missing imei")
	}

	return &CommandPayload{
		ID:       id,
		IMEI:     raw.IMEI,
		DeviceID: raw.DeviceID,
		Kind:     kind,
		Params:   params,
	}, nil
}

func (p *CommandPayload) toCommandRow() *store.Command {
	return &store.Command{
		ID:       p.ID,
		DeviceID: p.DeviceID,
		Kind:     store.CommandKind(p.Kind),
		Status:   store.CommandPending,
	}
}
