package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Log levels understood by the pipeline. Producers may send any casing;
// everything else normalizes to INFO.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// WireTimeLayout is the timestamp format used on queue payloads.
const WireTimeLayout = "2006-01-02 15:04:05.000"

// LogRecord is a normalized log event as stored by the aggregator.
type LogRecord struct {
	ID             int64          `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	Level          string         `json:"level"`
	URL            string         `json:"url"`
	CorrelationID  string         `json:"correlationId"`
	ServiceName    string         `json:"serviceName"`
	Message        string         `json:"message"`
	AdditionalData map[string]any `json:"additionalData"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// QueuePayload mirrors the JSON published to the broker, one object per log
// event. The six optional fields are request side-channel data; anything the
// producer sends outside this shape is ignored.
type QueuePayload struct {
	Timestamp     string `json:"timestamp"`
	Level         string `json:"level"`
	URL           string `json:"url"`
	CorrelationID string `json:"correlationId"`
	ServiceName   string `json:"serviceName"`
	Message       string `json:"message"`

	Method     any `json:"method,omitempty"`
	Path       any `json:"path,omitempty"`
	Query      any `json:"query,omitempty"`
	IP         any `json:"ip,omitempty"`
	StatusCode any `json:"statusCode,omitempty"`
	Duration   any `json:"duration,omitempty"`
}

// AdditionalData collects the non-empty side-channel fields. Returns nil when
// none are set so callers can omit the column entirely.
func (p *QueuePayload) AdditionalData() map[string]any {
	fields := []struct {
		key   string
		value any
	}{
		{"method", p.Method},
		{"path", p.Path},
		{"query", p.Query},
		{"ip", p.IP},
		{"statusCode", p.StatusCode},
		{"duration", p.Duration},
	}

	var data map[string]any
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		if data == nil {
			data = make(map[string]any)
		}
		data[f.key] = f.value
	}
	return data
}

// NormalizeLevel uppercases a producer-supplied level and maps anything
// outside {INFO, WARN, ERROR} to INFO.
func NormalizeLevel(level string) string {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// timestampLayouts are tried in order when parsing producer timestamps.
var timestampLayouts = []string{
	WireTimeLayout,
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
}

// ParseTimestamp parses a producer timestamp, falling back to receivedAt when
// the value is missing or unparsable. Layouts without a zone are read as UTC.
func ParseTimestamp(value string, receivedAt time.Time) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return receivedAt
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t
		}
	}
	return receivedAt
}

// ParseRecord decodes a queue message body into a LogRecord, normalizing the
// level, timestamp and defaulted fields. A decode failure means the message
// is malformed and should be requeued by the caller.
func ParseRecord(body []byte, receivedAt time.Time) (*LogRecord, error) {
	var payload QueuePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed log message: %w", err)
	}

	service := payload.ServiceName
	if service == "" {
		service = "unknown"
	}

	return &LogRecord{
		Timestamp:      ParseTimestamp(payload.Timestamp, receivedAt),
		Level:          NormalizeLevel(payload.Level),
		URL:            payload.URL,
		CorrelationID:  payload.CorrelationID,
		ServiceName:    service,
		Message:        payload.Message,
		AdditionalData: payload.AdditionalData(),
	}, nil
}

// EncodeEventPayload builds the wire JSON for one log event. Side-channel
// keys in extra are flattened into the top-level object, matching what the
// drain consumer partitions back out.
func EncodeEventPayload(timestamp time.Time, level, url, correlationID, service, message string, extra map[string]any) ([]byte, error) {
	event := map[string]any{
		"timestamp":     timestamp.UTC().Format(WireTimeLayout),
		"level":         NormalizeLevel(level),
		"url":           url,
		"correlationId": correlationID,
		"serviceName":   service,
		"message":       message,
	}
	for k, v := range extra {
		event[k] = v
	}
	return json.Marshal(event)
}
