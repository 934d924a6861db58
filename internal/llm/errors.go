package llm

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// TimeoutError reports that the backend did not answer in time.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	if e.Err == nil {
		return "llm request timed out"
	}
	return fmt.Sprintf("llm request timed out: %v", e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// RateLimitError reports a 429 from the backend. Header and Body are
// kept so callers can extract retry hints.
type RateLimitError struct {
	Header http.Header
	Body   string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("llm rate limited: %s", truncate(e.Body, 200))
}

// DanglingToolCallError reports that the continuation holds tool calls
// that were never answered with an output item.
type DanglingToolCallError struct {
	CallIDs []string
	Body    string
}

func (e *DanglingToolCallError) Error() string {
	return fmt.Sprintf("llm continuation has unanswered tool calls: %s", strings.Join(e.CallIDs, ", "))
}

// APIError is any other non-success response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm API error %d: %s", e.StatusCode, truncate(e.Body, 500))
}

var danglingCallPattern = regexp.MustCompile(`(?i)no tool output found for function call`)

var callIDPattern = regexp.MustCompile(`\bcall_[A-Za-z0-9_-]+`)

// DanglingCallIDs extracts every unanswered call id named in an error
// body, deduplicated in order of appearance. It returns nil when body
// is not a dangling-call error.
func DanglingCallIDs(body string) []string {
	if !danglingCallPattern.MatchString(body) {
		return nil
	}
	var ids []string
	seen := make(map[string]bool)
	for _, id := range callIDPattern.FindAllString(body, -1) {
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// classifyStatus maps a non-2xx response onto the error taxonomy.
func classifyStatus(status int, header http.Header, body string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Header: header.Clone(), Body: body}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &TimeoutError{Err: fmt.Errorf("status %d", status)}
	case status == http.StatusBadRequest:
		if ids := DanglingCallIDs(body); len(ids) > 0 {
			return &DanglingToolCallError{CallIDs: ids, Body: body}
		}
	}
	return &APIError{StatusCode: status, Body: body}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
