package core

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/xiaopang/keyrelay/internal/model"
	"github.com/xiaopang/keyrelay/internal/provider"
)

// Class groups provider failures by how the executor reacts to them.
type Class int

const (
	// ClassFatal not attributable to the key; retried on the same key
	ClassFatal Class = iota
	// ClassCapacity the key hit a quota or was rejected; rotated out
	ClassCapacity
	// ClassTransient upstream trouble; rotated out like a capacity error
	ClassTransient
)

func (c Class) String() string {
	switch c {
	case ClassCapacity:
		return "capacity"
	case ClassTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Outcome classification of one failed attempt.
type Outcome struct {
	Class Class
	Kind  model.LimitKind // cooldown kind applied on failover
	Auth  bool            // credential rejected rather than exhausted
}

// Failover reports whether the attempt should rotate to another key.
func (o Outcome) Failover() bool {
	return o.Class != ClassFatal
}

// reason metric label
func (o Outcome) reason() string {
	switch {
	case o.Auth:
		return "auth"
	case o.Class == ClassTransient:
		return "transient"
	default:
		return string(o.Kind)
	}
}

// limitMarkers are matched against whole words of an untyped error message.
var limitMarkers = []string{"429", "limit", "limits", "rate", "api key", "authentication"}

// Classify maps a provider error to an Outcome. Typed errors are inspected
// first; message matching is the fallback for untyped errors only.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{}
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}
	if errors.Is(err, provider.ErrInvalidRequest) {
		return Outcome{Class: ClassFatal}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Class: ClassTransient, Kind: model.LimitPerMinute}
	}
	if errors.Is(err, context.Canceled) {
		return Outcome{Class: ClassFatal}
	}
	if errors.Is(err, provider.ErrMalformedResponse) {
		return Outcome{Class: ClassTransient, Kind: model.LimitPerMinute}
	}

	// refused, reset or unreachable upstream; the url text never reaches
	// the message fallback
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Outcome{Class: ClassTransient, Kind: model.LimitPerMinute}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Outcome{Class: ClassTransient, Kind: model.LimitPerMinute}
	}

	if hasLimitMarker(err.Error()) {
		return Outcome{Class: ClassCapacity, Kind: model.LimitPerMinute}
	}
	return Outcome{Class: ClassFatal}
}

func hasLimitMarker(msg string) bool {
	words := strings.FieldsFunc(strings.ToLower(msg), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	joined := " " + strings.Join(words, " ") + " "
	for _, m := range limitMarkers {
		if strings.Contains(joined, " "+m+" ") {
			return true
		}
	}
	return false
}

func classifyAPIError(e *provider.APIError) Outcome {
	msg := strings.ToLower(e.Message)

	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return Outcome{Class: ClassCapacity, Kind: quotaKind(msg)}
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden:
		return Outcome{Class: ClassCapacity, Kind: model.LimitPerDay, Auth: true}
	case e.StatusCode == http.StatusBadRequest &&
		(e.Reason == "API_KEY_INVALID" || strings.Contains(msg, "api key not valid")):
		return Outcome{Class: ClassCapacity, Kind: model.LimitPerDay, Auth: true}
	case e.StatusCode >= 500:
		return Outcome{Class: ClassTransient, Kind: model.LimitPerMinute}
	default:
		return Outcome{Class: ClassFatal}
	}
}

// quotaKind infers which quota a 429 message refers to, e.g.
// "GenerateRequestsPerDayPerProjectPerModel-FreeTier".
func quotaKind(msg string) model.LimitKind {
	switch {
	case strings.Contains(msg, "per minute"), strings.Contains(msg, "perminute"):
		return model.LimitPerMinute
	case strings.Contains(msg, "token"):
		return model.LimitTokenBudget
	case strings.Contains(msg, "per day"), strings.Contains(msg, "perday"), strings.Contains(msg, "daily"):
		return model.LimitPerDay
	default:
		return model.LimitPerMinute
	}
}
