package events

import (
	"encoding/json"
	"errors"
)

// ErrStop can be returned by an event callback to stop watching without an
// error.
var ErrStop = errors.New("stop watching events")

// Event name constants
const (
	SessionPhase    = "session.phase"
	SessionAction   = "session.action"
	ReferenceBuilt  = "reference.built"
	FrequencyTuned  = "frequency.tuned"
	SessionFinished = "session.finished"
)

// Event is a named JSON payload published by the daemon.
type Event struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// NewEvent marshals payload into an Event named name.
func NewEvent(name string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: b}, nil
}

// PhaseEvent is the payload of session.phase.
type PhaseEvent struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// ActionEvent is the payload of session.action.
type ActionEvent struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// ReferenceEvent is the payload of reference.built.
type ReferenceEvent struct {
	FrequencyHz        float64 `json:"frequencyHz"`
	ReferenceCurrentA  float64 `json:"referenceCurrentA"`
	MaxSafeAmplitudeUV float64 `json:"maxSafeAmplitudeUV"`
	Condition          string  `json:"condition,omitempty"`
	Points             int     `json:"points"`
	Ts                 int64   `json:"ts"`
}

// ProgressEvent is the payload of frequency.tuned.
type ProgressEvent struct {
	Step             int     `json:"step"`
	Total            int     `json:"total"`
	FrequencyHz      float64 `json:"frequencyHz"`
	TunedAmplitudeUV float64 `json:"tunedAmplitudeUV"`
	TransferFunction float64 `json:"transferFunction"`
	Iterations       int     `json:"iterations"`
	Converged        bool    `json:"converged"`
	Condition        string  `json:"condition,omitempty"`
	Ts               int64   `json:"ts"`
}

// FinishedEvent is the payload of session.finished.
type FinishedEvent struct {
	Samples int    `json:"samples"`
	Error   string `json:"error,omitempty"`
	Record  string `json:"record,omitempty"`
	Ts      int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.ProgressEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.Step, payload.TransferFunction)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
