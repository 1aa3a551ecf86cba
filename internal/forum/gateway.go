// Package forum is the client boundary for the remote discussion forum.
//
// Calls that act for a platform user take that user's forum username as the
// acting user, so the forum's audit trail attributes them correctly.
// Administrative calls (user creation, trust levels, access grants, thread
// deletion) run as the configured system identity.
package forum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound  = errors.New("forum: not found")
	ErrForbidden = errors.New("forum: forbidden")
)

// APIError is returned for any non-2xx forum response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("forum %s %s failed with status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Is maps 404 and 403 responses onto ErrNotFound and ErrForbidden.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == 404
	case ErrForbidden:
		return e.StatusCode == 403
	}
	return false
}

// StatusCode extracts the HTTP status from an error chain, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

type User struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	TrustLevel int    `json:"trust_level"`
}

type NewUser struct {
	Name     string
	Username string
	Email    string
	Password string
}

// CreateUserResult mirrors the forum's account-creation reply. Success can be
// false on an HTTP 200, in which case Message and Raw explain why.
type CreateUserResult struct {
	Success bool            `json:"success"`
	Active  bool            `json:"active"`
	Message string          `json:"message"`
	UserID  int64           `json:"user_id"`
	Raw     json.RawMessage `json:"-"`
}

type NewThread struct {
	Title           string
	Body            string
	TargetUsernames []string
}

type CreatedThread struct {
	ThreadID string `json:"thread_id"`
	PostID   int64  `json:"post_id"`
	Status   int    `json:"status"`
}

type Thread struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Slug         string    `json:"slug"`
	Archetype    string    `json:"archetype"`
	PostsCount   int       `json:"posts_count"`
	CreatedAt    time.Time `json:"created_at"`
	Participants []string  `json:"participants"`
	Posts        []Post    `json:"posts"`
}

type Post struct {
	ID                int64     `json:"id"`
	PostNumber        int       `json:"post_number"`
	Username          string    `json:"username"`
	Raw               string    `json:"raw,omitempty"`
	Cooked            string    `json:"cooked,omitempty"`
	ReplyToPostNumber int       `json:"reply_to_post_number,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type NewPost struct {
	ThreadID          string
	Body              string
	ReplyToPostNumber int
}

// Gateway exposes the forum operations this service needs.
type Gateway interface {
	GetUser(ctx context.Context, username string) (*User, error)
	CreateUser(ctx context.Context, u NewUser) (*CreateUserResult, error)
	ChangeTrustLevel(ctx context.Context, userID int64, level int) error

	CreateThread(ctx context.Context, actingUser string, t NewThread) (*CreatedThread, error)
	GetThread(ctx context.Context, actingUser, threadID string) (*Thread, error)
	GrantAccess(ctx context.Context, username, threadID string) error
	DeleteThread(ctx context.Context, threadID string) error

	CreatePost(ctx context.Context, actingUser string, p NewPost) (*Post, error)
	ListPosts(ctx context.Context, actingUser, threadID string, postIDs []int64) ([]Post, error)
	MarkRead(ctx context.Context, actingUser, threadID string, postNumbers []int) error
}
