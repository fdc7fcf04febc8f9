package devicelink

import (
	"encoding/json"
	"fmt"

	"github.com/nerrad567/homecast-relay/internal/bus"
)

// FrameType discriminates device protocol frames.
type FrameType string

// Frame types.
const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameStatus   FrameType = "status"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
	FrameEvent    FrameType = "event"
	FrameConfig   FrameType = "config"
)

// Event and config actions.
const (
	ActionCharacteristicUpdated = "characteristic.updated"
	ActionReachabilityChanged   = "reachability.changed"
	ActionListenersChanged      = "listeners_changed"
)

// WebSocket close codes sent to devices.
const (
	CloseMissingCredential = 4000
	CloseInvalidCredential = 4001
	CloseReplaced          = 4002
)

// Error codes a device may put in a response.
const (
	CodeInvalidRequest            = "INVALID_REQUEST"
	CodeUnknownAction             = "UNKNOWN_ACTION"
	CodeHomeNotFound              = "HOME_NOT_FOUND"
	CodeAccessoryNotFound         = "ACCESSORY_NOT_FOUND"
	CodeAccessoryUnreachable      = "ACCESSORY_UNREACHABLE"
	CodeCharacteristicNotWritable = "CHARACTERISTIC_NOT_WRITABLE"
	CodeHomeKitError              = "HOMEKIT_ERROR"
	CodeTimeout                   = "TIMEOUT"
	CodeInternalError             = "INTERNAL_ERROR"
)

// Frame is one JSON envelope on the device socket.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    FrameType       `json:"type"`
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

// FrameError is the error object of a failed response.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusPayload is carried by status frames.
type StatusPayload struct {
	HomeCount      int `json:"homeCount"`
	AccessoryCount int `json:"accessoryCount"`
}

// CharacteristicPayload is carried by characteristic.updated events.
type CharacteristicPayload struct {
	AccessoryID        string          `json:"accessoryId"`
	CharacteristicType string          `json:"characteristicType"`
	Value              json.RawMessage `json:"value"`
}

// ReachabilityPayload is carried by reachability.changed events.
type ReachabilityPayload struct {
	AccessoryID string `json:"accessoryId"`
	IsReachable bool   `json:"isReachable"`
}

// ListenersPayload is carried by listeners_changed config frames.
type ListenersPayload struct {
	WebClientsListening bool `json:"webClientsListening"`
}

var emptyObject = json.RawMessage(`{}`)

// decodeFrame parses a frame. A frame without a type is a protocol error.
func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrProtocol)
	}
	return f, nil
}

// eventUpdate converts an event frame into a bus update.
func eventUpdate(deviceID string, f Frame) (bus.Update, error) {
	switch f.Action {
	case ActionCharacteristicUpdated:
		var p CharacteristicPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.AccessoryID == "" || p.CharacteristicType == "" {
			return bus.Update{}, fmt.Errorf("%w: invalid %s payload", ErrProtocol, f.Action)
		}
		return bus.Update{
			Type:               bus.UpdateCharacteristic,
			DeviceID:           deviceID,
			AccessoryID:        p.AccessoryID,
			CharacteristicType: p.CharacteristicType,
			Value:              p.Value,
		}, nil
	case ActionReachabilityChanged:
		var p ReachabilityPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.AccessoryID == "" {
			return bus.Update{}, fmt.Errorf("%w: invalid %s payload", ErrProtocol, f.Action)
		}
		reachable := p.IsReachable
		return bus.Update{
			Type:        bus.UpdateReachability,
			DeviceID:    deviceID,
			AccessoryID: p.AccessoryID,
			IsReachable: &reachable,
		}, nil
	default:
		return bus.Update{}, fmt.Errorf("%w: unknown event %q", ErrProtocol, f.Action)
	}
}
