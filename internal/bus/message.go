package bus

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned by Decode when data is not a JSON object with a
// string "type" field.
var ErrMalformed = errors.New("bus: malformed message")

// Kind discriminates bus messages.
type Kind string

// Message kinds.
const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindPingRequest  Kind = "ping_request"
	KindPingResponse Kind = "ping_response"
	KindBatch        Kind = "batch"
)

// Error codes carried by Response.Error.
const (
	CodeNoHandler     = "NO_HANDLER"
	CodeError         = "ERROR"
	CodeDeviceNotHere = "DEVICE_NOT_HERE"

	// CodeDeviceTimeout reports that the owning instance holds the device
	// but the device did not answer within the sub-timeout.
	CodeDeviceTimeout = "DEVICE_TIMEOUT"
)

// Message is one of *Request, *Response, *PingRequest, *PingResponse,
// *Batch or *Unknown.
type Message interface {
	Kind() Kind
}

// Request asks the instance holding DeviceID to run Action and reply on
// SourceSlot's channel.
type Request struct {
	CorrelationID string          `json:"correlation_id"`
	SourceSlot    string          `json:"source_slot"`
	DeviceID      string          `json:"device_id"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Response answers a Request. Exactly one of Payload and Error is set.
type Response struct {
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         *Error          `json:"error,omitempty"`
}

// Error is a coded failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// PingRequest asks the owning instance to ping DeviceID.
type PingRequest struct {
	CorrelationID string `json:"correlation_id"`
	SourceSlot    string `json:"source_slot"`
	DeviceID      string `json:"device_id"`
}

// PingResponse answers a PingRequest.
type PingResponse struct {
	CorrelationID string `json:"correlation_id"`
	Success       bool   `json:"success"`
	LatencyMS     int64  `json:"latency_ms"`
	Error         string `json:"error,omitempty"`
}

// Batch carries buffered state changes for one user, in arrival order.
type Batch struct {
	UserID  string   `json:"user_id"`
	Updates []Update `json:"updates"`
}

// Update types carried in a Batch.
const (
	UpdateCharacteristic = "characteristic_update"
	UpdateReachability   = "reachability_update"
)

// Update is one device-originated state change.
type Update struct {
	Type               string          `json:"type"`
	DeviceID           string          `json:"device_id,omitempty"`
	AccessoryID        string          `json:"accessory_id"`
	CharacteristicType string          `json:"characteristic_type,omitempty"`
	Value              json.RawMessage `json:"value,omitempty"`
	IsReachable        *bool           `json:"is_reachable,omitempty"`
}

// Unknown is a well-formed message of a kind this build does not handle.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (*Request) Kind() Kind { return KindRequest }
func (*Response) Kind() Kind { return KindResponse }
func (*PingRequest) Kind() Kind { return KindPingRequest }
func (*PingResponse) Kind() Kind { return KindPingResponse }
func (*Batch) Kind() Kind { return KindBatch }
func (u *Unknown) Kind() Kind { return Kind(u.Type) }

// Encode serialises m with its "type" discriminator.
func Encode(m Message) ([]byte, error) {
	var v any
	switch m := m.(type) {
	case *Request:
		v = struct {
			Type Kind `json:"type"`
			*Request
		}{KindRequest, m}
	case *Response:
		v = struct {
			Type Kind `json:"type"`
			*Response
		}{KindResponse, m}
	case *PingRequest:
		v = struct {
			Type Kind `json:"type"`
			*PingRequest
		}{KindPingRequest, m}
	case *PingResponse:
		v = struct {
			Type Kind `json:"type"`
			*PingResponse
		}{KindPingResponse, m}
	case *Batch:
		v = struct {
			Type Kind `json:"type"`
			*Batch
		}{KindBatch, m}
	case *Unknown:
		return m.Raw, nil
	default:
		return nil, fmt.Errorf("bus: cannot encode %T", m)
	}
	return json.Marshal(v)
}

// Decode parses data into its concrete message type. Unrecognised kinds
// decode to *Unknown rather than failing.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		return nil, ErrMalformed
	}

	var m Message
	switch Kind(head.Type) {
	case KindRequest:
		m = &Request{}
	case KindResponse:
		m = &Response{}
	case KindPingRequest:
		m = &PingRequest{}
	case KindPingResponse:
		m = &PingResponse{}
	case KindBatch:
		m = &Batch{}
	default:
		return &Unknown{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
	}
	return m, nil
}
