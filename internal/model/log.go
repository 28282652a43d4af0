package model

import "time"

// Operation names of the caller-facing calls
const (
	OperationCompletion = "completion"
	OperationChat       = "chat"
)

// CallLog one caller-facing generation call
type CallLog struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	Model     string    `json:"model"`

	// Key that served (or last failed) the call, masked
	KeySuffix string `json:"key_suffix"`
	Attempts  int    `json:"attempts"`
	Failovers int    `json:"failovers"`

	Success   bool  `json:"success"`
	LatencyMs int64 `json:"latency_ms"`
	Tokens    int64 `json:"tokens"`

	Error string `json:"error,omitempty"`
}

// DailyStats per-day aggregate of call logs
type DailyStats struct {
	Date          string  `json:"date"`
	TotalRequests int     `json:"total_requests"`
	SuccessRate   float64 `json:"success_rate"`
	TotalTokens   int64   `json:"total_tokens"`
	AvgLatency    float64 `json:"avg_latency_ms"`
	Failovers     int     `json:"failovers"`
}

// KeyStats per-key aggregate of call logs
type KeyStats struct {
	KeySuffix    string  `json:"key_suffix"`
	RequestCount int     `json:"request_count"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatency   float64 `json:"avg_latency_ms"`
	TotalTokens  int64   `json:"total_tokens"`
}

// LogQuery filters for GET /api/logs
type LogQuery struct {
	RequestID string    `form:"request_id"`
	Operation string    `form:"operation"`
	Model     string    `form:"model"`
	KeySuffix string    `form:"key_suffix"`
	Success   *bool     `form:"success"`
	StartTime time.Time `form:"start_time"`
	EndTime   time.Time `form:"end_time"`
	Limit     int       `form:"limit"`
	Offset    int       `form:"offset"`
}
