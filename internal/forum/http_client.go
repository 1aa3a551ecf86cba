package forum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// HTTPConfig holds the shared defaults every forum request carries.
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	SystemUser string
	Timeout    time.Duration
	Rate       float64 // requests per second, 0 disables limiting
	Burst      int
	Client     *http.Client
}

// HTTPGateway talks to a Discourse-compatible forum API. It is immutable
// after construction and safe for concurrent use.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	systemUser string
	client     *http.Client
	limiter    *rate.Limiter
}

// NewHTTPGateway creates a forum client from cfg.
func NewHTTPGateway(cfg HTTPConfig) (*HTTPGateway, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("forum base url is required")
	}
	if cfg.SystemUser == "" {
		cfg.SystemUser = "system"
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}

	return &HTTPGateway{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		systemUser: cfg.SystemUser,
		client:     client,
		limiter:    limiter,
	}, nil
}

// SystemUser returns the identity used for administrative calls.
func (g *HTTPGateway) SystemUser() string { return g.systemUser }

// do executes a request as actingUser and decodes a 2xx JSON body into out.
// It returns the raw body so callers can keep it for diagnostics.
func (g *HTTPGateway) do(ctx context.Context, method, path string, query url.Values, actingUser string, payload, out interface{}) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("forum rate limiter: %w", err)
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	reqURL := g.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Api-Key", g.apiKey)
	req.Header.Set("Api-Username", actingUser)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forum %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read forum response: %w", err)
	}

	log.Debug().
		Str("method", method).
		Str("path", path).
		Str("acting_user", actingUser).
		Int("status", resp.StatusCode).
		Msg("forum request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return raw, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("failed to decode forum response from %s: %w", path, err)
		}
	}
	return raw, nil
}

func (g *HTTPGateway) GetUser(ctx context.Context, username string) (*User, error) {
	var resp struct {
		User *User `json:"user"`
	}
	path := "/users/" + url.PathEscape(username) + ".json"
	if _, err := g.do(ctx, http.MethodGet, path, nil, g.systemUser, nil, &resp); err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, &APIError{Method: http.MethodGet, Path: path, StatusCode: http.StatusNotFound, Body: "user missing from response"}
	}
	return resp.User, nil
}

func (g *HTTPGateway) CreateUser(ctx context.Context, u NewUser) (*CreateUserResult, error) {
	payload := map[string]interface{}{
		"name":     u.Name,
		"username": u.Username,
		"email":    u.Email,
		"password": u.Password,
		"active":   true,
		"approved": true,
	}
	var result CreateUserResult
	raw, err := g.do(ctx, http.MethodPost, "/users.json", nil, g.systemUser, payload, &result)
	result.Raw = json.RawMessage(raw)
	if err != nil {
		return &result, err
	}
	return &result, nil
}

func (g *HTTPGateway) ChangeTrustLevel(ctx context.Context, userID int64, level int) error {
	path := fmt.Sprintf("/admin/users/%d/trust_level.json", userID)
	_, err := g.do(ctx, http.MethodPut, path, nil, g.systemUser, map[string]int{"level": level}, nil)
	return err
}

func (g *HTTPGateway) CreateThread(ctx context.Context, actingUser string, t NewThread) (*CreatedThread, error) {
	payload := map[string]interface{}{
		"title":             t.Title,
		"raw":               t.Body,
		"archetype":         "private_message",
		"target_recipients": strings.Join(t.TargetUsernames, ","),
	}
	var resp struct {
		ID      int64 `json:"id"`
		TopicID int64 `json:"topic_id"`
	}
	if _, err := g.do(ctx, http.MethodPost, "/posts.json", nil, actingUser, payload, &resp); err != nil {
		return nil, err
	}
	if resp.TopicID == 0 {
		return nil, fmt.Errorf("forum created a post without a topic id")
	}
	return &CreatedThread{
		ThreadID: strconv.FormatInt(resp.TopicID, 10),
		PostID:   resp.ID,
		Status:   http.StatusOK,
	}, nil
}

// topicDocument is the wire shape of /t/{id}.json.
type topicDocument struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	Slug       string    `json:"slug"`
	Archetype  string    `json:"archetype"`
	PostsCount int       `json:"posts_count"`
	CreatedAt  time.Time `json:"created_at"`
	PostStream struct {
		Posts []Post `json:"posts"`
	} `json:"post_stream"`
	Details struct {
		AllowedUsers []struct {
			Username string `json:"username"`
		} `json:"allowed_users"`
	} `json:"details"`
}

func (d topicDocument) thread() *Thread {
	t := &Thread{
		ID:         strconv.FormatInt(d.ID, 10),
		Title:      d.Title,
		Slug:       d.Slug,
		Archetype:  d.Archetype,
		PostsCount: d.PostsCount,
		CreatedAt:  d.CreatedAt,
		Posts:      d.PostStream.Posts,
	}
	for _, u := range d.Details.AllowedUsers {
		t.Participants = append(t.Participants, u.Username)
	}
	return t
}

func (g *HTTPGateway) GetThread(ctx context.Context, actingUser, threadID string) (*Thread, error) {
	var doc topicDocument
	if _, err := g.do(ctx, http.MethodGet, "/t/"+url.PathEscape(threadID)+".json", nil, actingUser, nil, &doc); err != nil {
		return nil, err
	}
	return doc.thread(), nil
}

func (g *HTTPGateway) GrantAccess(ctx context.Context, username, threadID string) error {
	path := "/t/" + url.PathEscape(threadID) + "/invite.json"
	_, err := g.do(ctx, http.MethodPost, path, nil, g.systemUser, map[string]string{"user": username}, nil)
	return err
}

func (g *HTTPGateway) DeleteThread(ctx context.Context, threadID string) error {
	_, err := g.do(ctx, http.MethodDelete, "/t/"+url.PathEscape(threadID)+".json", nil, g.systemUser, nil, nil)
	return err
}

func (g *HTTPGateway) CreatePost(ctx context.Context, actingUser string, p NewPost) (*Post, error) {
	topicID, err := strconv.ParseInt(p.ThreadID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid thread id %q: %w", p.ThreadID, err)
	}
	payload := map[string]interface{}{
		"topic_id": topicID,
		"raw":      p.Body,
	}
	if p.ReplyToPostNumber > 0 {
		payload["reply_to_post_number"] = p.ReplyToPostNumber
	}
	var post Post
	if _, err := g.do(ctx, http.MethodPost, "/posts.json", nil, actingUser, payload, &post); err != nil {
		return nil, err
	}
	return &post, nil
}

func (g *HTTPGateway) ListPosts(ctx context.Context, actingUser, threadID string, postIDs []int64) ([]Post, error) {
	query := url.Values{}
	for _, id := range postIDs {
		query.Add("post_ids[]", strconv.FormatInt(id, 10))
	}
	var resp struct {
		PostStream struct {
			Posts []Post `json:"posts"`
		} `json:"post_stream"`
	}
	path := "/t/" + url.PathEscape(threadID) + "/posts.json"
	if _, err := g.do(ctx, http.MethodGet, path, query, actingUser, nil, &resp); err != nil {
		return nil, err
	}
	return resp.PostStream.Posts, nil
}

// MarkRead records read timings for the given post numbers.
func (g *HTTPGateway) MarkRead(ctx context.Context, actingUser, threadID string, postNumbers []int) error {
	topicID, err := strconv.ParseInt(threadID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid thread id %q: %w", threadID, err)
	}
	const readMillis = 1000
	timings := make(map[string]int, len(postNumbers))
	for _, n := range postNumbers {
		timings[strconv.Itoa(n)] = readMillis
	}
	payload := map[string]interface{}{
		"topic_id":   topicID,
		"topic_time": readMillis * len(postNumbers),
		"timings":    timings,
	}
	_, err = g.do(ctx, http.MethodPost, "/topics/timings", nil, actingUser, payload, nil)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
