package discussion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authzServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestCheckAccessWithoutRouteAllows(t *testing.T) {
	v := NewEntitlementVerifier(map[string]string{"project": "http://127.0.0.1:1/never/{id}"}, time.Second)

	assert.True(t, v.CheckAccess(context.Background(), "tok", "challenge", "7"))
	_, ok := v.Route("challenge")
	assert.False(t, ok)
}

func TestCheckAccess(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"empty object content", http.StatusOK, `{"result":{"status":200,"content":{}}}`, true},
		{"empty array content", http.StatusOK, `{"result":{"status":200,"content":[]}}`, true},
		{"true content", http.StatusOK, `{"result":{"status":200,"content":true}}`, true},
		{"missing content", http.StatusOK, `{"result":{"status":200}}`, false},
		{"null content", http.StatusOK, `{"result":{"status":200,"content":null}}`, false},
		{"false content", http.StatusOK, `{"result":{"status":200,"content":false}}`, false},
		{"inner status not 200", http.StatusOK, `{"result":{"status":403,"content":{}}}`, false},
		{"missing result", http.StatusOK, `{}`, false},
		{"malformed body", http.StatusOK, `not json`, false},
		{"http forbidden", http.StatusForbidden, `{"result":{"status":200,"content":{}}}`, false},
		{"http server error", http.StatusInternalServerError, ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, hits := authzServer(t, tt.status, tt.body)
			v := NewEntitlementVerifier(map[string]string{"project": srv.URL + "/projects/{id}"}, time.Second)

			assert.Equal(t, tt.want, v.CheckAccess(context.Background(), "tok", "project", "42"))
			assert.Equal(t, int32(1), atomic.LoadInt32(hits))
		})
	}
}

func TestCheckAccessSendsTokenAndEscapedID(t *testing.T) {
	var path, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.EscapedPath()
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"result":{"status":200,"content":{"allowed":true}}}`))
	}))
	defer srv.Close()

	v := NewEntitlementVerifier(map[string]string{"course": srv.URL + "/courses/{id}/access"}, time.Second)

	require.True(t, v.CheckAccess(context.Background(), "abc", "course", "a/b c"))
	assert.Equal(t, "/courses/a%2Fb%20c/access", path)
	assert.Equal(t, "Bearer abc", auth)
}

func TestCheckAccessTimeoutDenies(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	v := NewEntitlementVerifier(map[string]string{"project": srv.URL + "/{id}"}, 50*time.Millisecond)

	start := time.Now()
	assert.False(t, v.CheckAccess(context.Background(), "tok", "project", "1"))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCheckAccessUnreachableDenies(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	v := NewEntitlementVerifier(map[string]string{"project": url + "/{id}"}, time.Second)
	assert.False(t, v.CheckAccess(context.Background(), "tok", "project", "1"))
}

func TestNewEntitlementVerifierCopiesRoutes(t *testing.T) {
	routes := map[string]string{"project": "http://example.invalid/{id}"}
	v := NewEntitlementVerifier(routes, 0)
	delete(routes, "project")

	tmpl, ok := v.Route("project")
	require.True(t, ok)
	assert.Equal(t, "http://example.invalid/{id}", tmpl)
}

func TestCheckAccessEscapesQueryPlaceholder(t *testing.T) {
	var query url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		_, _ = w.Write([]byte(`{"result":{"status":200,"content":{}}}`))
	}))
	defer srv.Close()

	v := NewEntitlementVerifier(map[string]string{"project": srv.URL + "/access?projectId={id}"}, time.Second)

	require.True(t, v.CheckAccess(context.Background(), "abc", "project", "1&admin=true"))
	assert.Equal(t, url.Values{"projectId": {"1&admin=true"}}, query)
}

func TestExpandRoute(t *testing.T) {
	tests := []struct {
		tmpl, id, want string
	}{
		{"https://x/p/{id}/access", "a/b", "https://x/p/a%2Fb/access"},
		{"https://x/access?id={id}", "1&a=b", "https://x/access?id=1%26a%3Db"},
		{"https://x/p/{id}?check={id}", "a b", "https://x/p/a%20b?check=a+b"},
		{"https://x/static", "1", "https://x/static"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, expandRoute(tt.tmpl, tt.id), tt.tmpl)
	}
}
