// Package event provides the typed, pattern-matchable publish/subscribe
// bus used to report workflow lifecycle transitions to observers.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is a hierarchical, colon-delimited event name such as
// "workflow:step:completed". The second segment is the event's category
// and selects which payload variant the envelope carries.
type Type string

// Step lifecycle events published by the executor.
const (
	TypeStepStarted   Type = "workflow:step:started"
	TypeStepCompleted Type = "workflow:step:completed"
	TypeStepFailed    Type = "workflow:step:failed"
	TypeStepSkipped   Type = "workflow:step:skipped"
)

// Approval events published by human-in-the-loop workflow layers.
const (
	TypeApprovalRequested Type = "workflow:approval:requested"
	TypeApprovalGranted   Type = "workflow:approval:granted"
	TypeApprovalRejected  Type = "workflow:approval:rejected"
)

// Monthly-close events published by the close workflow.
const (
	TypeCloseStarted   Type = "workflow:close:started"
	TypeCloseCompleted Type = "workflow:close:completed"
	TypeCloseFailed    Type = "workflow:close:failed"
)

// Forecast and variance events published by the analytics workflows.
const (
	TypeForecastStarted   Type = "workflow:forecast:started"
	TypeForecastUpdated   Type = "workflow:forecast:updated"
	TypeForecastCompleted Type = "workflow:forecast:completed"
	TypeVarianceDetected  Type = "workflow:variance:detected"
	TypeVarianceAnalyzed  Type = "workflow:variance:analyzed"
)

// Rollback events published during compensating rollback.
const (
	TypeRollbackStarted   Type = "workflow:rollback:started"
	TypeRollbackStep      Type = "workflow:rollback:step"
	TypeRollbackCompleted Type = "workflow:rollback:completed"
)

// Category returns the second colon-delimited segment of the type, e.g.
// "step" for "workflow:step:completed". Empty if the type has fewer than
// two segments.
func (t Type) Category() string {
	parts := strings.Split(string(t), ":")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Payload is the closed set of category-specific event bodies. The
// discriminator is the envelope's Type category, not the Go type, so
// pattern subscription works independently of which variant is attached.
type Payload interface {
	payloadCategory() string
}

// StepPayload carries step lifecycle details.
type StepPayload struct {
	StepID        string        `json:"step_id"`
	StepName      string        `json:"step_name,omitempty"`
	Status        string        `json:"status,omitempty"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	RetryAttempts int           `json:"retry_attempts,omitempty"`
}

func (StepPayload) payloadCategory() string { return "step" }

// ApprovalPayload carries approval request/decision details.
type ApprovalPayload struct {
	RequestID string `json:"request_id"`
	Requester string `json:"requester,omitempty"`
	Approver  string `json:"approver,omitempty"`
	Decision  string `json:"decision,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (ApprovalPayload) payloadCategory() string { return "approval" }

// ClosePayload carries monthly-close progress details.
type ClosePayload struct {
	Period   string `json:"period"`
	EntityID string `json:"entity_id,omitempty"`
	Stage    string `json:"stage,omitempty"`
}

func (ClosePayload) payloadCategory() string { return "close" }

// ForecastPayload carries rolling-forecast details.
type ForecastPayload struct {
	Period  string  `json:"period"`
	Horizon int     `json:"horizon,omitempty"`
	Driver  string  `json:"driver,omitempty"`
	Delta   float64 `json:"delta,omitempty"`
}

func (ForecastPayload) payloadCategory() string { return "forecast" }

// VariancePayload carries variance-analysis details.
type VariancePayload struct {
	Account  string  `json:"account"`
	Expected float64 `json:"expected"`
	Actual   float64 `json:"actual"`
	Variance float64 `json:"variance"`
}

func (VariancePayload) payloadCategory() string { return "variance" }

// RollbackPayload carries compensating-rollback details.
type RollbackPayload struct {
	StepID string `json:"step_id,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (RollbackPayload) payloadCategory() string { return "rollback" }

// Event is the shared envelope published on the bus. Published events are
// never mutated; subscribers receive read-only views and must not modify
// Metadata or the payload.
type Event struct {
	// ID uniquely identifies this event.
	ID string `json:"event_id"`

	// Type is the hierarchical event name, e.g. "workflow:step:failed".
	Type Type `json:"event_type"`

	// WorkflowType names the workflow that produced the event, e.g.
	// "monthly_close".
	WorkflowType string `json:"workflow_type"`

	// Source identifies the component that published the event.
	Source string `json:"source"`

	// Timestamp records when the event was created.
	Timestamp time.Time `json:"timestamp"`

	// Metadata holds free-form supplementary fields.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Payload is the category-specific variant; may be nil.
	Payload Payload `json:"payload,omitempty"`
}

// New creates an event envelope with a fresh ID and timestamp.
func New(t Type, workflowType, source string, payload Payload) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         t,
		WorkflowType: workflowType,
		Source:       source,
		Timestamp:    time.Now().UTC(),
		Payload:      payload,
	}
}

// eventJSON is the wire form of an Event with the payload held raw so the
// variant can be selected by the type's category on decode.
type eventJSON struct {
	ID           string          `json:"event_id"`
	Type         Type            `json:"event_type"`
	WorkflowType string          `json:"workflow_type"`
	Source       string          `json:"source"`
	Timestamp    time.Time       `json:"timestamp"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	raw := eventJSON{
		ID:           e.ID,
		Type:         e.Type,
		WorkflowType: e.WorkflowType,
		Source:       e.Source,
		Timestamp:    e.Timestamp,
		Metadata:     e.Metadata,
	}
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Payload.payloadCategory(), err)
		}
		raw.Payload = data
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler, selecting the payload variant
// from the event type's category segment.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.ID = raw.ID
	e.Type = raw.Type
	e.WorkflowType = raw.WorkflowType
	e.Source = raw.Source
	e.Timestamp = raw.Timestamp
	e.Metadata = raw.Metadata
	e.Payload = nil

	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		return nil
	}

	payload, err := decodePayload(raw.Type.Category(), raw.Payload)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}

func decodePayload(category string, data json.RawMessage) (Payload, error) {
	switch category {
	case "step":
		var p StepPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case "approval":
		var p ApprovalPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case "close":
		var p ClosePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case "forecast":
		var p ForecastPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case "variance":
		var p VariancePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case "rollback":
		var p RollbackPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown event payload category: %q", category)
	}
}
