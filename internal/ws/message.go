package ws

import (
	"labassist/internal/patch"
	"labassist/internal/store"
)

// Server events.
const (
	// EventPatch carries a patch transforming the device's cached video list.
	EventPatch = "patch"
	// EventUpdate carries a full snapshot of the device's video list.
	EventUpdate = "update"
	// EventMessage carries structured errors and informational text.
	EventMessage = "message"
	// EventAuthenticated confirms room membership and carries the initial snapshot.
	EventAuthenticated = "authenticated"
)

// Client events.
const (
	// EventAuthenticate joins the device's room.
	EventAuthenticate = "authenticate"
	// EventSubmitPatch applies a device-side patch against the store.
	EventSubmitPatch = "submit_patch"
)

// Envelope is the frame wrapping every server-to-device event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ClientMessage is the frame devices send.
type ClientMessage struct {
	Event    string      `json:"event"`
	DeviceID string      `json:"device_id"`
	Token    string      `json:"token,omitempty"`
	Patch    patch.Patch `json:"patch,omitempty"`
}

// MessagePayload carries message event text.
type MessagePayload struct {
	Message string `json:"message"`
}

// SnapshotPayload carries a full video list snapshot.
type SnapshotPayload struct {
	Message string        `json:"message,omitempty"`
	Videos  []store.Video `json:"videos"`
}
