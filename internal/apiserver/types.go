package apiserver

import "github.com/klipperfleet/klipperfleet-go/internal/fleet"

// APIError is the standard error body, following the teacher's
// internal/server/types.go APIError shape.
type APIError struct {
	Error string `json:"error"`
}

// TaskStartedResponse is returned by every endpoint that dispatches a
// background task (spec §6: "returns {task_id}").
type TaskStartedResponse struct {
	TaskID string `json:"task_id"`
}

// FlashRequest is the body of POST /flash (spec §6).
type FlashRequest struct {
	DeviceID string `json:"device_id"`
}

// RebootRequest is the body of POST /flash/reboot (spec §6).
type RebootRequest struct {
	DeviceID string `json:"device_id"`
	Mode     string `json:"mode"` // "katapult" or "application"
}

// DiscoverResponse is the body of GET /devices/discover (spec §6).
type DiscoverResponse struct {
	Serial any `json:"serial"`
	CAN    any `json:"can"`
	DFU    any `json:"dfu"`
	Linux  any `json:"linux"`
}

// FleetDeviceResponse is one row of GET /fleet, a Device plus its live
// status.
type FleetDeviceResponse struct {
	fleet.Device
	Status string `json:"status"`
}

// VersionsResponse is one row of the added GET /fleet/versions.
type VersionsResponse struct {
	ID             string `json:"id"`
	FlashedVersion string `json:"flashed_version"`
	FlashedCommit  string `json:"flashed_commit"`
	LiveVersion    string `json:"live_version"`
}

// AttachRequest is the body of the added POST /fleet/attach.
type AttachRequest struct {
	DiscoveredID string `json:"discovered_id"`
	Profile      string `json:"profile"`
	Method       string `json:"method"`
}
