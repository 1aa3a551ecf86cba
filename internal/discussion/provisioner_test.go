package discussion

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topicbridge/internal/forum"
	"github.com/topicbridge/internal/identity"
)

func TestEnsureUserReturnsExistingAccount(t *testing.T) {
	gw := forum.NewFakeGateway()
	existing := gw.AddUser(forum.User{Username: "alice", Email: "alice@example.com"})
	dir := &stubDirectory{}
	p := NewUserProvisioner(gw, dir, 0)

	u, err := p.EnsureUser(context.Background(), alice)
	require.NoError(t, err)

	assert.Equal(t, existing.ID, u.ID)
	assert.Equal(t, 0, dir.calls)
	assert.Equal(t, 0, gw.Calls("CreateUser"))
}

func TestEnsureUserCreatesAccountFromProfile(t *testing.T) {
	gw := forum.NewFakeGateway()
	var created forum.NewUser
	gw.OnCreateUser = func(u forum.NewUser) (*forum.CreateUserResult, error) {
		created = u
		return nil, nil
	}
	dir := &stubDirectory{profile: &identity.Profile{Handle: "alice", FirstName: "Alice", LastName: "Liddell", Email: "alice@example.com"}}
	p := NewUserProvisioner(gw, dir, 0)

	u, err := p.EnsureUser(context.Background(), alice)
	require.NoError(t, err)

	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, forum.NewUser{Name: "Alice Liddell", Username: "alice", Email: "alice@example.com", Password: SentinelPassword}, created)

	_, err = p.EnsureUser(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 1, gw.Calls("CreateUser"))
	assert.Equal(t, 1, dir.calls)
}

func TestEnsureUserProfileFailure(t *testing.T) {
	gw := forum.NewFakeGateway()
	dir := &stubDirectory{err: &identity.LookupError{Handle: "alice", StatusCode: http.StatusNotFound, Body: `{"result":{"status":404}}`, Err: errors.New("not found")}}
	p := NewUserProvisioner(gw, dir, 0)

	_, err := p.EnsureUser(context.Background(), alice)
	require.Error(t, err)

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, KindProfileResolution, e.Kind)
	assert.Contains(t, e.Upstream, "status 404")
	assert.ErrorIs(t, err, identity.ErrProfileUnavailable)
	assert.Equal(t, 0, gw.Calls("CreateUser"))
}

func TestEnsureUserRejectedCreation(t *testing.T) {
	gw := forum.NewFakeGateway()
	gw.OnCreateUser = func(u forum.NewUser) (*forum.CreateUserResult, error) {
		return &forum.CreateUserResult{Success: false, Message: "Email has already been taken", Raw: []byte(`{"success":false,"message":"Email has already been taken"}`)}, nil
	}
	p := NewUserProvisioner(gw, &stubDirectory{}, 0)

	_, err := p.EnsureUser(context.Background(), alice)
	require.Error(t, err)

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, KindProvisioning, e.Kind)
	assert.Contains(t, e.Upstream, "Email has already been taken")
}

func TestEnsureUserTransportFailure(t *testing.T) {
	gw := forum.NewFakeGateway()
	gw.OnCreateUser = func(u forum.NewUser) (*forum.CreateUserResult, error) {
		return nil, &forum.APIError{Method: http.MethodPost, Path: "/users.json", StatusCode: http.StatusInternalServerError, Body: "boom"}
	}
	p := NewUserProvisioner(gw, &stubDirectory{}, 0)

	_, err := p.EnsureUser(context.Background(), alice)
	require.Error(t, err)
	assert.Equal(t, KindProvisioning, KindOf(err))
}

func TestEnsureUserLookupFailureIsNotTreatedAsMissing(t *testing.T) {
	gw := forum.NewFakeGateway()
	gw.OnGetUser = func(username string) error {
		return &forum.APIError{Method: http.MethodGet, Path: "/users/" + username + ".json", StatusCode: http.StatusBadGateway}
	}
	dir := &stubDirectory{}
	p := NewUserProvisioner(gw, dir, 0)

	_, err := p.EnsureUser(context.Background(), alice)
	require.Error(t, err)
	assert.Equal(t, KindProvisioning, KindOf(err))
	assert.Equal(t, 0, dir.calls)
}

func TestEnsureUserSetsTrustLevel(t *testing.T) {
	gw := forum.NewFakeGateway()
	p := NewUserProvisioner(gw, &stubDirectory{}, 2)

	u, err := p.EnsureUser(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 2, u.TrustLevel)

	stored, err := gw.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.TrustLevel)
}

func TestEnsureUserTrustLevelFailureIsNotFatal(t *testing.T) {
	gw := forum.NewFakeGateway()
	gw.OnTrustLevel = func(userID int64, level int) error {
		return &forum.APIError{Method: http.MethodPut, StatusCode: http.StatusForbidden}
	}
	p := NewUserProvisioner(gw, &stubDirectory{}, 2)

	u, err := p.EnsureUser(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 0, u.TrustLevel)
	assert.Equal(t, 1, gw.Calls("ChangeTrustLevel"))
}

func TestEnsureUserConcurrentCallsCreateOnce(t *testing.T) {
	gw := forum.NewFakeGateway()
	p := NewUserProvisioner(gw, &stubDirectory{}, 0)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.EnsureUser(context.Background(), alice)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, gw.Calls("CreateUser"))
}

// gatedDirectory blocks Profile until release is closed or ctx ends.
type gatedDirectory struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *gatedDirectory) Profile(ctx context.Context, handle, token string) (*identity.Profile, error) {
	d.once.Do(func() { close(d.entered) })
	select {
	case <-d.release:
		return &identity.Profile{Handle: handle, FirstName: "Alice", Email: handle + "@example.com"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestEnsureUserCancelledCallerDoesNotFailOthers(t *testing.T) {
	gw := forum.NewFakeGateway()
	dir := &gatedDirectory{entered: make(chan struct{}), release: make(chan struct{})}
	p := NewUserProvisioner(gw, dir, 0)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.EnsureUser(firstCtx, alice)
		firstErr <- err
	}()
	<-dir.entered

	type outcome struct {
		user *forum.User
		err  error
	}
	second := make(chan outcome, 1)
	go func() {
		u, err := p.EnsureUser(context.Background(), alice)
		second <- outcome{u, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	err := <-firstErr
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, KindInternal, KindOf(err))

	close(dir.release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, "alice", got.user.Username)
	assert.Equal(t, 1, gw.Calls("CreateUser"))
}

func TestEnsureUserKeepsCallerDeadline(t *testing.T) {
	gw := forum.NewFakeGateway()
	dir := &gatedDirectory{entered: make(chan struct{}), release: make(chan struct{})}
	p := NewUserProvisioner(gw, dir, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := p.EnsureUser(ctx, alice)
	require.Error(t, err)
	assert.Equal(t, 0, gw.Calls("CreateUser"))

	// The shared call ends at the same deadline instead of leaking.
	time.Sleep(50 * time.Millisecond)
	close(dir.release)
	_, err = p.EnsureUser(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 1, gw.Calls("CreateUser"))
}
