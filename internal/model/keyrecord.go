package model

import "time"

// LimitKind names the quota a key ran into when it was deactivated.
type LimitKind string

const (
	LimitNone        LimitKind = ""
	LimitPerMinute   LimitKind = "MINUTE"
	LimitPerDay      LimitKind = "DAILY"
	LimitTokenBudget LimitKind = "TOKEN"
)

// ParseLimitKind maps a stored value back to a LimitKind. Unknown values map to LimitNone.
func ParseLimitKind(s string) LimitKind {
	switch LimitKind(s) {
	case LimitPerMinute, LimitPerDay, LimitTokenBudget:
		return LimitKind(s)
	default:
		return LimitNone
	}
}

// MinuteEntry one request in the sliding minute window
type MinuteEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
}

// DailyEntry usage for one calendar day, keyed by local midnight
type DailyEntry struct {
	Day          time.Time `json:"day"`
	RequestCount int       `json:"request_count"`
	TokenCount   int64     `json:"token_count"`
}

// KeyRecord persisted state of one provider credential.
type KeyRecord struct {
	Key                string        `json:"key"`
	Active             bool          `json:"active"`
	LimitKind          LimitKind     `json:"limit_kind"`
	LastStatusChangeAt time.Time     `json:"last_status_change_at"`
	UsageCount         int64         `json:"usage_count"`
	MinuteRequests     []MinuteEntry `json:"minute_requests"`
	DailyRequests      []DailyEntry  `json:"daily_requests"`
	CreatedAt          time.Time     `json:"created_at"`
}

// CoolingDown reports whether the key was deactivated for a known limit.
// An inactive key without a limit kind is idle, not cooling down.
func (k *KeyRecord) CoolingDown() bool {
	return !k.Active && k.LimitKind != LimitNone
}

// DailyEntryFor returns the entry for the calendar day starting at day, if any.
func (k *KeyRecord) DailyEntryFor(day time.Time) (DailyEntry, bool) {
	for _, e := range k.DailyRequests {
		if e.Day.Equal(day) {
			return e, true
		}
	}
	return DailyEntry{}, false
}

// KeyResponse admin view of a key (the credential itself is masked)
type KeyResponse struct {
	Key                string    `json:"key"`
	Active             bool      `json:"active"`
	LimitKind          LimitKind `json:"limit_kind,omitempty"`
	LastStatusChangeAt time.Time `json:"last_status_change_at,omitempty"`
	UsageCount         int64     `json:"usage_count"`
	MinuteCount        int       `json:"minute_count"`
	DailyCount         int       `json:"daily_count"`
	DailyTokens        int64     `json:"daily_tokens"`
	CreatedAt          time.Time `json:"created_at"`
}

// ToResponse converts the record for API output. Counts are taken as of now.
func (k *KeyRecord) ToResponse(now time.Time) KeyResponse {
	resp := KeyResponse{
		Key:                MaskKey(k.Key),
		Active:             k.Active,
		LimitKind:          k.LimitKind,
		LastStatusChangeAt: k.LastStatusChangeAt,
		UsageCount:         k.UsageCount,
		CreatedAt:          k.CreatedAt,
	}
	cutoff := now.Add(-time.Minute)
	for _, e := range k.MinuteRequests {
		if !e.Timestamp.Before(cutoff) {
			resp.MinuteCount += e.Count
		}
	}
	if e, ok := k.DailyEntryFor(StartOfDay(now)); ok {
		resp.DailyCount = e.RequestCount
		resp.DailyTokens = e.TokenCount
	}
	return resp
}

// BatchAddResult outcome of a bulk key insert
type BatchAddResult struct {
	AddedCount     int      `json:"added_count"`
	DuplicateCount int      `json:"duplicate_count"`
	InvalidCount   int      `json:"invalid_count"`
	ErrorMessages  []string `json:"error_messages"`
}

// PoolStatus key counts by state
type PoolStatus struct {
	Total       int `json:"total"`
	Active      int `json:"active"`
	Idle        int `json:"idle"`
	PerMinute   int `json:"inactive_minute"`
	PerDay      int `json:"inactive_daily"`
	TokenBudget int `json:"inactive_token"`
}

// Inactive number of keys cooling down.
func (s PoolStatus) Inactive() int {
	return s.PerMinute + s.PerDay + s.TokenBudget
}

// StartOfDay returns local midnight of t's calendar day.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// MaskKey hides all but the last four characters of a credential.
func MaskKey(s string) string {
	const suffixLength = 4
	if len(s) == 0 {
		return "[EMPTY]"
	}
	if len(s) > suffixLength {
		return "..." + s[len(s)-suffixLength:]
	}
	return "..." + s
}
