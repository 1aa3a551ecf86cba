// Package identity resolves platform handles to member profiles.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/topicbridge/pkg/models"
)

var ErrProfileUnavailable = errors.New("identity: profile unavailable")

// Profile is the canonical data needed to provision a forum account.
type Profile struct {
	Handle    string `json:"handle"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// FullName joins first and last name, falling back to the handle.
func (p Profile) FullName() string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name == "" {
		return p.Handle
	}
	return name
}

// Directory looks up member profiles using the caller's own token.
type Directory interface {
	Profile(ctx context.Context, handle, token string) (*Profile, error)
}

// LookupError carries the upstream diagnostics of a failed lookup.
type LookupError struct {
	Handle     string
	StatusCode int
	Body       string
	Err        error
}

func (e *LookupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("profile lookup for %s failed: %v", e.Handle, e.Err)
	}
	return fmt.Sprintf("profile lookup for %s failed with status %d", e.Handle, e.StatusCode)
}

// Unwrap exposes both ErrProfileUnavailable and the transport cause, so
// callers can tell a timeout from a rejected lookup.
func (e *LookupError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProfileUnavailable}
	}
	return []error{ErrProfileUnavailable, e.Err}
}

// HTTPDirectory reads profiles from the member service at
// {baseURL}/{handle}, which answers with a ResultEnvelope.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDirectory) Profile(ctx context.Context, handle, token string) (*Profile, error) {
	reqURL := d.baseURL + "/" + url.PathEscape(handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &LookupError{Handle: handle, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &LookupError{Handle: handle, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &LookupError{Handle: handle, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &LookupError{Handle: handle, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var env models.ResultEnvelope
	if err := json.Unmarshal(body, &env); err != nil || !env.Succeeded() {
		return nil, &LookupError{Handle: handle, StatusCode: resp.StatusCode, Body: string(body), Err: err}
	}
	var profile Profile
	if err := json.Unmarshal(env.Result.Content, &profile); err != nil {
		return nil, &LookupError{Handle: handle, StatusCode: resp.StatusCode, Body: string(body), Err: err}
	}
	if profile.Handle == "" {
		profile.Handle = handle
	}
	if strings.TrimSpace(profile.Email) == "" {
		return nil, &LookupError{Handle: handle, StatusCode: resp.StatusCode, Body: string(body), Err: errors.New("profile has no email")}
	}
	return &profile, nil
}
