package journal

import (
	"encoding/json"
	"fmt"
	"time"
)

// record is the JSON form of an [Entry] shared by the file and redis stores.
type record struct {
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"session_id"`
	Role       Role      `json:"role"`
	Text       string    `json:"text,omitempty"`
	AudioBytes int       `json:"audio_bytes,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// MarshalEntry encodes e as a single-line JSON object. Timestamps are stored
// in UTC and durations at millisecond precision.
func MarshalEntry(e Entry) ([]byte, error) {
	data, err := json.Marshal(record{
		Timestamp:  e.Timestamp.UTC(),
		SessionID:  e.SessionID,
		Role:       e.Role,
		Text:       e.Text,
		AudioBytes: e.AudioBytes,
		DurationMS: e.Duration.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("journal: marshal: %w", err)
	}
	return data, nil
}

// UnmarshalEntry decodes data written by [MarshalEntry].
func UnmarshalEntry(data []byte) (Entry, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return Entry{}, fmt.Errorf("journal: unmarshal: %w", err)
	}
	return Entry{
		SessionID:  r.SessionID,
		Role:       r.Role,
		Text:       r.Text,
		AudioBytes: r.AudioBytes,
		Timestamp:  r.Timestamp,
		Duration:   time.Duration(r.DurationMS) * time.Millisecond,
	}, nil
}
