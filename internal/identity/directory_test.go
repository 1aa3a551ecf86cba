package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileFullName(t *testing.T) {
	assert.Equal(t, "Tony Jefts", Profile{Handle: "tonyj", FirstName: "Tony", LastName: "Jefts"}.FullName())
	assert.Equal(t, "Tony", Profile{Handle: "tonyj", FirstName: " Tony "}.FullName())
	assert.Equal(t, "tonyj", Profile{Handle: "tonyj"}.FullName())
}

func TestHTTPDirectoryProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/members/tonyj", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"result":{"status":200,"content":{"handle":"tonyj","firstName":"Tony","lastName":"J","email":"tony@example.com"}}}`))
	}))
	defer srv.Close()

	dir := NewHTTPDirectory(srv.URL+"/members/", time.Second)
	p, err := dir.Profile(context.Background(), "tonyj", "tok")
	require.NoError(t, err)
	assert.Equal(t, "Tony J", p.FullName())
	assert.Equal(t, "tony@example.com", p.Email)
}

func TestHTTPDirectoryFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"non-200", http.StatusUnauthorized, `{"message":"nope"}`},
		{"bad envelope", http.StatusOK, `{"result":{"status":404,"content":null}}`},
		{"malformed", http.StatusOK, `not json`},
		{"missing email", http.StatusOK, `{"result":{"status":200,"content":{"handle":"tonyj"}}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewHTTPDirectory(srv.URL, time.Second).Profile(context.Background(), "tonyj", "tok")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProfileUnavailable))
			var lookupErr *LookupError
			require.True(t, errors.As(err, &lookupErr))
			assert.Equal(t, tc.status, lookupErr.StatusCode)
		})
	}
}

func TestHTTPDirectoryTimeoutKeepsCause(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := NewHTTPDirectory(srv.URL, time.Second).Profile(ctx, "tonyj", "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProfileUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
