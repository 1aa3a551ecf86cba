package forum

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// FakeGateway is an in-memory forum for tests. Threads are private: only
// participants can fetch them, everybody else gets a 403. Scripted hooks,
// when set, run before the in-memory behavior and win if they return a
// non-nil error.
type FakeGateway struct {
	mu      sync.Mutex
	users   map[string]*User
	threads map[string]*fakeThread
	nextID  int64
	calls   map[string]int
	now     func() time.Time

	OnGetUser      func(username string) error
	OnCreateUser   func(u NewUser) (*CreateUserResult, error)
	OnCreateThread func(actingUser string, t NewThread) error
	OnGetThread    func(actingUser, threadID string) error
	OnGrantAccess  func(username, threadID string) error
	OnTrustLevel   func(userID int64, level int) error

	// CreateThreadHook runs after a thread is stored but before CreateThread
	// returns, outside the fake's lock.
	CreateThreadHook func(threadID string)
}

type fakeThread struct {
	thread       Thread
	participants map[string]bool
	read         map[string]map[int]bool
	deleted      bool
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		users:   make(map[string]*User),
		threads: make(map[string]*fakeThread),
		nextID:  100,
		calls:   make(map[string]int),
		now:     time.Now,
	}
}

// Calls returns how many times op was invoked.
func (f *FakeGateway) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of gateway invocations of any kind.
func (f *FakeGateway) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// AddUser seeds an existing forum account.
func (f *FakeGateway) AddUser(u User) *User {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.ID == 0 {
		f.nextID++
		u.ID = f.nextID
	}
	cp := u
	f.users[u.Username] = &cp
	return &cp
}

// AddThread seeds an existing thread visible to participants.
func (f *FakeGateway) AddThread(id, title string, participants ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := &fakeThread{
		thread:       Thread{ID: id, Title: title, Archetype: "private_message", CreatedAt: f.now()},
		participants: make(map[string]bool),
		read:         make(map[string]map[int]bool),
	}
	for _, p := range participants {
		ft.participants[p] = true
	}
	f.threads[id] = ft
}

// ThreadIDs lists threads that have not been deleted.
func (f *FakeGateway) ThreadIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.threads))
	for id, t := range f.threads {
		if !t.deleted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// HasAccess reports whether username participates in threadID.
func (f *FakeGateway) HasAccess(username, threadID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[threadID]
	return ok && t.participants[username]
}

// ReadPosts returns the post numbers username marked read in threadID.
func (f *FakeGateway) ReadPosts(username, threadID string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[threadID]
	if !ok {
		return nil
	}
	var out []int
	for n := range t.read[username] {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func (f *FakeGateway) record(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func statusErr(method, path string, code int) error {
	return &APIError{Method: method, Path: path, StatusCode: code, Body: http.StatusText(code)}
}

func (f *FakeGateway) GetUser(ctx context.Context, username string) (*User, error) {
	f.record("GetUser")
	if f.OnGetUser != nil {
		if err := f.OnGetUser(username); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return nil, statusErr(http.MethodGet, "/users/"+username, http.StatusNotFound)
	}
	cp := *u
	return &cp, nil
}

func (f *FakeGateway) CreateUser(ctx context.Context, u NewUser) (*CreateUserResult, error) {
	f.record("CreateUser")
	if f.OnCreateUser != nil {
		if res, err := f.OnCreateUser(u); res != nil || err != nil {
			return res, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.users[u.Username]; exists {
		return &CreateUserResult{Success: false, Message: "Username must be unique", Raw: []byte(`{"success":false,"message":"Username must be unique"}`)}, nil
	}
	f.nextID++
	f.users[u.Username] = &User{ID: f.nextID, Username: u.Username, Name: u.Name, Email: u.Email}
	return &CreateUserResult{Success: true, Active: true, UserID: f.nextID, Message: "created"}, nil
}

func (f *FakeGateway) ChangeTrustLevel(ctx context.Context, userID int64, level int) error {
	f.record("ChangeTrustLevel")
	if f.OnTrustLevel != nil {
		if err := f.OnTrustLevel(userID, level); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ID == userID {
			u.TrustLevel = level
			return nil
		}
	}
	return statusErr(http.MethodPut, fmt.Sprintf("/admin/users/%d/trust_level", userID), http.StatusNotFound)
}

func (f *FakeGateway) CreateThread(ctx context.Context, actingUser string, t NewThread) (*CreatedThread, error) {
	f.record("CreateThread")
	if f.OnCreateThread != nil {
		if err := f.OnCreateThread(actingUser, t); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	f.nextID++
	id := strconv.FormatInt(f.nextID, 10)
	postID := f.nextID * 10
	ft := &fakeThread{
		thread: Thread{
			ID:         id,
			Title:      t.Title,
			Archetype:  "private_message",
			PostsCount: 1,
			CreatedAt:  f.now(),
			Posts:      []Post{{ID: postID, PostNumber: 1, Username: actingUser, Raw: t.Body, CreatedAt: f.now()}},
		},
		participants: map[string]bool{actingUser: true},
		read:         make(map[string]map[int]bool),
	}
	for _, u := range t.TargetUsernames {
		ft.participants[u] = true
	}
	f.threads[id] = ft
	hook := f.CreateThreadHook
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return &CreatedThread{ThreadID: id, PostID: postID, Status: http.StatusOK}, nil
}

func (f *FakeGateway) visible(actingUser, threadID, method string) (*fakeThread, error) {
	t, ok := f.threads[threadID]
	if !ok || t.deleted {
		return nil, statusErr(method, "/t/"+threadID, http.StatusNotFound)
	}
	if !t.participants[actingUser] {
		return nil, statusErr(method, "/t/"+threadID, http.StatusForbidden)
	}
	return t, nil
}

func (f *FakeGateway) GetThread(ctx context.Context, actingUser, threadID string) (*Thread, error) {
	f.record("GetThread")
	if f.OnGetThread != nil {
		if err := f.OnGetThread(actingUser, threadID); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.visible(actingUser, threadID, http.MethodGet)
	if err != nil {
		return nil, err
	}
	cp := t.thread
	cp.Posts = append([]Post(nil), t.thread.Posts...)
	for p := range t.participants {
		cp.Participants = append(cp.Participants, p)
	}
	sort.Strings(cp.Participants)
	return &cp, nil
}

func (f *FakeGateway) GrantAccess(ctx context.Context, username, threadID string) error {
	f.record("GrantAccess")
	if f.OnGrantAccess != nil {
		if err := f.OnGrantAccess(username, threadID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[threadID]
	if !ok || t.deleted {
		return statusErr(http.MethodPost, "/t/"+threadID+"/invite", http.StatusNotFound)
	}
	t.participants[username] = true
	return nil
}

func (f *FakeGateway) DeleteThread(ctx context.Context, threadID string) error {
	f.record("DeleteThread")
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[threadID]
	if !ok || t.deleted {
		return statusErr(http.MethodDelete, "/t/"+threadID, http.StatusNotFound)
	}
	t.deleted = true
	return nil
}

func (f *FakeGateway) CreatePost(ctx context.Context, actingUser string, p NewPost) (*Post, error) {
	f.record("CreatePost")
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.visible(actingUser, p.ThreadID, http.MethodPost)
	if err != nil {
		return nil, err
	}
	f.nextID++
	post := Post{
		ID:                f.nextID * 10,
		PostNumber:        len(t.thread.Posts) + 1,
		Username:          actingUser,
		Raw:               p.Body,
		ReplyToPostNumber: p.ReplyToPostNumber,
		CreatedAt:         f.now(),
	}
	t.thread.Posts = append(t.thread.Posts, post)
	t.thread.PostsCount = len(t.thread.Posts)
	return &post, nil
}

func (f *FakeGateway) ListPosts(ctx context.Context, actingUser, threadID string, postIDs []int64) ([]Post, error) {
	f.record("ListPosts")
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.visible(actingUser, threadID, http.MethodGet)
	if err != nil {
		return nil, err
	}
	want := make(map[int64]bool, len(postIDs))
	for _, id := range postIDs {
		want[id] = true
	}
	var out []Post
	for _, p := range t.thread.Posts {
		if len(want) == 0 || want[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *FakeGateway) MarkRead(ctx context.Context, actingUser, threadID string, postNumbers []int) error {
	f.record("MarkRead")
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.visible(actingUser, threadID, http.MethodPost)
	if err != nil {
		return err
	}
	if t.read[actingUser] == nil {
		t.read[actingUser] = make(map[int]bool)
	}
	for _, n := range postNumbers {
		t.read[actingUser][n] = true
	}
	return nil
}
