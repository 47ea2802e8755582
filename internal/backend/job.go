package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pebble/pebble-agent/internal/result"
)

// JobID is an opaque job identifier. The backend may send it as a JSON
// string or number; it is echoed back in the same form.
type JobID struct {
	raw json.RawMessage
}

func StringJobID(id string) JobID {
	raw, _ := json.Marshal(id)
	return JobID{raw: raw}
}

func IntJobID(id int64) JobID {
	return JobID{raw: json.RawMessage(strconv.FormatInt(id, 10))}
}

func (id JobID) IsZero() bool {
	return len(id.raw) == 0
}

func (id JobID) String() string {
	if id.IsZero() {
		return ""
	}
	var text string
	if err := json.Unmarshal(id.raw, &text); err == nil {
		return text
	}
	return string(id.raw)
}

func (id JobID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *JobID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		id.raw = nil
		return nil
	}
	var value any
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return err
	}
	switch value.(type) {
	case string, float64:
	default:
		return fmt.Errorf("job id must be a string or number, got %s", trimmed)
	}
	id.raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

// Job is a unit of work handed out by the poll endpoint.
type Job struct {
	ID             JobID  `json:"id"`
	SQL            string `json:"sql"`
	DatabaseName   string `json:"database_name,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// UnmarshalJSON is strict only about the id. Once a job has an id the
// backend considers it claimed, so badly typed fields degrade instead of
// failing the decode: the job still reaches a worker and gets reported.
func (j *Job) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID             JobID           `json:"id"`
		SQL            json.RawMessage `json:"sql"`
		DatabaseName   json.RawMessage `json:"database_name"`
		TimeoutSeconds json.RawMessage `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*j = Job{
		ID:             wire.ID,
		SQL:            looseString(wire.SQL),
		DatabaseName:   looseString(wire.DatabaseName),
		TimeoutSeconds: looseSeconds(wire.TimeoutSeconds),
	}
	return nil
}

func looseString(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return ""
	}
	return text
}

// looseSeconds accepts a number or a numeric string and truncates it to
// whole seconds. Anything else is 0, which the executor treats as the default.
func looseSeconds(raw json.RawMessage) int {
	var seconds float64
	if err := json.Unmarshal(raw, &seconds); err != nil {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return 0
		}
		seconds = parsed
	}
	if seconds < 1 || seconds > math.MaxInt32 || math.IsNaN(seconds) {
		return 0
	}
	return int(seconds)
}

// Completion is the outcome of one job. A non-empty Error wins over Result.
type Completion struct {
	JobID         JobID
	Result        *result.ExecutionResult
	Error         string
	ExecutionTime time.Duration
}
