// Package session implements ConsumerSession: the S2 protocol state
// machine for one connected resource manager, its OMBC allocation
// (ombc.go) and transition-timer guard (timers.go).
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message type tags, per SPEC_FULL.md §6.
const (
	TypeHandshake              = "Handshake"
	TypeHandshakeResponse      = "HandshakeResponse"
	TypeResourceManagerDetails = "ResourceManagerDetails"
	TypeSelectControlType      = "SelectControlType"
	TypeReceptionStatus        = "ReceptionStatus"
	TypeOMBCSystemDescription  = "OMBC.SystemDescription"
	TypeOMBCStatus             = "OMBC.Status"
	TypeOMBCInstruction        = "OMBC.Instruction"
	TypePowerMeasurement       = "PowerMeasurement"
)

// ReceptionStatus values.
const (
	StatusOK              = "OK"
	StatusTemporaryError  = "TEMPORARY_ERROR"
	StatusPermanentError  = "PERMANENT_ERROR"
	StatusInvalidContent  = "INVALID_CONTENT"
)

// S2ProtocolVersion is the version this implementation speaks.
const S2ProtocolVersion = "1.0"

func newMessageID() string { return uuid.NewString() }

// envelopeHeader is used only to peek message_type/message_id before
// dispatching to a concrete struct.
type envelopeHeader struct {
	MessageType string `json:"message_type"`
	MessageID   string `json:"message_id"`
}

// DecodeEnvelope peeks the type tag of a raw S2 JSON payload.
func DecodeEnvelope(payload []byte) (envelopeHeader, error) {
	var h envelopeHeader
	if err := json.Unmarshal(payload, &h); err != nil {
		return envelopeHeader{}, fmt.Errorf("session: malformed envelope: %w", err)
	}
	if h.MessageType == "" {
		return envelopeHeader{}, fmt.Errorf("session: envelope missing message_type")
	}
	return h, nil
}

// Handshake is the first message a resource manager must send.
type Handshake struct {
	MessageType               string   `json:"message_type"`
	MessageID                 string   `json:"message_id"`
	SupportedProtocolVersions []string `json:"supported_protocol_versions"`
}

// HandshakeResponse is the EMS's reply once a matching protocol version is found.
type HandshakeResponse struct {
	MessageType            string `json:"message_type"`
	MessageID               string `json:"message_id"`
	SelectedProtocolVersion string `json:"selected_protocol_version"`
}

func NewHandshakeResponse(selectedVersion string) HandshakeResponse {
	return HandshakeResponse{MessageType: TypeHandshakeResponse, MessageID: newMessageID(), SelectedProtocolVersion: selectedVersion}
}

// ResourceManagerDetails advertises the resource manager's identity and
// the control types it supports.
type ResourceManagerDetails struct {
	MessageType           string   `json:"message_type"`
	MessageID              string   `json:"message_id"`
	ResourceID              string   `json:"resource_id"`
	Name                    string   `json:"name"`
	AvailableControlTypes   []string `json:"available_control_types"`
}

// SelectControlType is sent by the EMS to pick one of the advertised
// control types.
type SelectControlType struct {
	MessageType string `json:"message_type"`
	MessageID   string `json:"message_id"`
	ControlType string `json:"control_type"`
}

func NewSelectControlType(controlType string) SelectControlType {
	return SelectControlType{MessageType: TypeSelectControlType, MessageID: newMessageID(), ControlType: controlType}
}

// ReceptionStatus acknowledges a prior message by id.
type ReceptionStatus struct {
	MessageType      string `json:"message_type"`
	MessageID        string `json:"message_id"`
	SubjectMessageID string `json:"subject_message_id"`
	Status           string `json:"status"`
	DiagnosticLabel  string `json:"diagnostic_label,omitempty"`
}

func NewReceptionStatus(subjectMessageID, status, diagnostic string) ReceptionStatus {
	return ReceptionStatus{
		MessageType:      TypeReceptionStatus,
		MessageID:        newMessageID(),
		SubjectMessageID: subjectMessageID,
		Status:           status,
		DiagnosticLabel:  diagnostic,
	}
}

// PowerRange is one (commodity, start, end) band of an operation mode.
type PowerRange struct {
	CommodityQuantity string  `json:"commodity_quantity"`
	StartOfRange      float64 `json:"start_of_range"`
	EndOfRange        float64 `json:"end_of_range"`
}

// OperationMode is one discrete state an OMBC resource manager can occupy.
type OperationMode struct {
	ID              string       `json:"id"`
	DiagnosticLabel string       `json:"diagnostic_label,omitempty"`
	PowerRanges     []PowerRange `json:"power_ranges"`
}

// sumEndOfRange is the sort key system descriptions are stored by
// (descending), per §4.2.
func (m OperationMode) sumEndOfRange() float64 {
	var sum float64
	for _, r := range m.PowerRanges {
		sum += r.EndOfRange
	}
	return sum
}

// Transition is a directed edge of the OMBC operation-mode graph.
type Transition struct {
	ID             string   `json:"id"`
	From           string   `json:"from"`
	To             string   `json:"to"`
	StartTimers    []string `json:"start_timers,omitempty"`
	BlockingTimers []string `json:"blocking_timers,omitempty"`
}

// Timer is a named duration referenced by transitions.
type Timer struct {
	ID              string  `json:"id"`
	Label           string  `json:"label,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// OMBCSystemDescription is the immutable (after receipt) description of a
// resource manager's operation modes and transition graph.
type OMBCSystemDescription struct {
	MessageType    string          `json:"message_type"`
	MessageID      string          `json:"message_id"`
	ResourceID     string          `json:"resource_id"`
	OperationModes []OperationMode `json:"operation_modes"`
	Transitions    []Transition    `json:"transitions"`
	Timers         []Timer         `json:"timers"`
}

// OMBCStatus reports the currently active operation mode.
type OMBCStatus struct {
	MessageType         string  `json:"message_type"`
	MessageID           string  `json:"message_id"`
	ActiveOperationModeID string  `json:"active_operation_mode_id"`
	OperationModeFactor float64 `json:"operation_mode_factor"`
}

// OMBCInstruction commands the resource manager to switch operation mode.
type OMBCInstruction struct {
	MessageType         string    `json:"message_type"`
	MessageID           string    `json:"message_id"`
	ID                  string    `json:"id"`
	ExecutionTime       time.Time `json:"execution_time"`
	OperationModeID     string    `json:"operation_mode_id"`
	OperationModeFactor float64   `json:"operation_mode_factor"`
	AbnormalCondition   bool      `json:"abnormal_condition"`
}

func NewOMBCInstruction(operationModeID string, now time.Time) OMBCInstruction {
	return OMBCInstruction{
		MessageType:         TypeOMBCInstruction,
		MessageID:           newMessageID(),
		ID:                  newMessageID(),
		ExecutionTime:       now,
		OperationModeID:     operationModeID,
		OperationModeFactor: 1.0,
		AbnormalCondition:   false,
	}
}

// PowerValue is one commodity reading inside a PowerMeasurement.
type PowerValue struct {
	CommodityQuantity string  `json:"commodity_quantity"`
	Value             float64 `json:"value"`
}

// PowerMeasurement reports instantaneous power per commodity.
type PowerMeasurement struct {
	MessageType          string       `json:"message_type"`
	MessageID            string       `json:"message_id"`
	MeasurementTimestamp time.Time    `json:"measurement_timestamp"`
	Values               []PowerValue `json:"values"`
}
