package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// envelope is the response wrapper the gateway puts around every payload.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// Machine-readable error kinds carried in the envelope "code" field.
// Older gateway builds omit the field; classification then falls back to the
// HTTP status (409 → CodeConflict).
const (
	CodeConflict     = "CONFLICT"
	CodeNotFound     = "NOT_FOUND"
	CodeUnauthorized = "UNAUTHORIZED"
)

// APIError is a non-2xx or success=false gateway response. Message is the
// server's human-readable text and is surfaced to callers verbatim.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("gateway error: status %d", e.Status)
}

// IsConflict reports whether err is a benign already-done outcome (call
// already ended, already evaluated, already friends). Orchestration treats
// these as success.
func IsConflict(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == CodeConflict || ae.Status == http.StatusConflict
}

// MatchRequest enters the caller into the matching queue for one category.
type MatchRequest struct {
	CategoryID int `json:"categoryId"`
}

// MatchingStatus is the gateway's answer to a queue-join request.
type MatchingStatus struct {
	MatchingID       string `json:"matchingId"`
	Status           string `json:"status"`
	QueuePosition    int    `json:"queuePosition,omitempty"`
	EstimatedWaitSec int    `json:"estimatedWaitSeconds,omitempty"`
}

// Category is one interest category users can queue under.
type Category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Evaluation rates a finished call.
type Evaluation struct {
	CallID    string `json:"callId"`
	PartnerID string `json:"partnerId"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
}

// FriendRequestResult is the outcome of adding a former partner as a friend.
type FriendRequestResult struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}
