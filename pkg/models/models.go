package models

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Actor identifies the platform user a request is made on behalf of.
type Actor struct {
	Handle string `json:"handle"`
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	// Token is the raw bearer token, forwarded to platform services that
	// authenticate the actor (authorization endpoints, member directory).
	Token string `json:"-"`
}

// Valid reports whether the actor carries enough identity to act on the forum.
func (a Actor) Valid() bool {
	return strings.TrimSpace(a.Handle) != ""
}

// EntityRef identifies a platform object a discussion thread is attached to.
type EntityRef struct {
	Type string `json:"reference"`
	ID   string `json:"referenceId"`
}

func (r EntityRef) String() string {
	return r.Type + ":" + r.ID
}

// ResultEnvelope is the response wrapper used by platform services:
//
//	{"result": {"status": 200, "content": ...}}
type ResultEnvelope struct {
	Result *Result `json:"result"`
}

// Result is the inner part of a ResultEnvelope.
type Result struct {
	Status  int             `json:"status"`
	Content json.RawMessage `json:"content"`
}

// Succeeded reports whether the envelope carries status 200 and a truthy
// content value. Objects and arrays count as truthy even when empty; null,
// false, 0 and "" do not.
func (e *ResultEnvelope) Succeeded() bool {
	if e == nil || e.Result == nil || e.Result.Status != 200 {
		return false
	}
	return truthy(e.Result.Content)
}

func truthy(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 {
		return false
	}
	switch string(v) {
	case "null", "false", `""`, "0":
		return false
	}
	if v[0] == '-' || (v[0] >= '0' && v[0] <= '9') {
		var f float64
		if err := json.Unmarshal(v, &f); err == nil {
			return f != 0
		}
	}
	return true
}
