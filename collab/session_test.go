package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adwski/collab-sync/model"
	_switch "github.com/adwski/collab-sync/switch"
	"github.com/adwski/collab-sync/transport"
	"github.com/adwski/collab-sync/transport/memory"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mx        sync.Mutex
	connected bool
	handlers  map[string]transport.Handler
	published map[string][]any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		handlers:  make(map[string]transport.Handler),
		published: make(map[string][]any),
	}
}

func (f *fakeTransport) Subscribe(channel string, h transport.Handler) *transport.Subscription {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.handlers[channel] = h
	return &transport.Subscription{Channel: channel}
}

func (f *fakeTransport) Unsubscribe(channel string) {
	f.mx.Lock()
	defer f.mx.Unlock()
	delete(f.handlers, channel)
}

func (f *fakeTransport) Publish(channel string, payload any) bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	if !f.connected {
		return false
	}
	f.published[channel] = append(f.published[channel], payload)
	return true
}

func (f *fakeTransport) IsConnected() bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.connected
}

func (f *fakeTransport) deliver(t *testing.T, channel, payload string) {
	t.Helper()
	f.mx.Lock()
	h, ok := f.handlers[channel]
	f.mx.Unlock()
	require.True(t, ok, "no handler for %s", channel)
	h(json.RawMessage(payload))
}

type fakeAPI struct {
	mx         sync.Mutex
	profile    model.Profile
	profileErr error
	joinErr    error
	leaveErr   error
	online     []model.OnlineUser
	joined     []string
	left       int
}

func (a *fakeAPI) Profile(context.Context) (model.Profile, error) {
	return a.profile, a.profileErr
}

func (a *fakeAPI) JoinDocument(_ context.Context, _ model.ID, sessionID string) error {
	a.mx.Lock()
	defer a.mx.Unlock()
	a.joined = append(a.joined, sessionID)
	return a.joinErr
}

func (a *fakeAPI) LeaveDocument(context.Context, model.ID) error {
	a.mx.Lock()
	defer a.mx.Unlock()
	a.left++
	return a.leaveErr
}

func (a *fakeAPI) OnlineUsers(context.Context, model.ID) ([]model.OnlineUser, error) {
	return a.online, nil
}

type textEditor struct {
	content string
	writes  int
}

func (e *textEditor) Content() string { return e.content }

func (e *textEditor) SetContent(c string) {
	e.content = c
	e.writes++
}

func newSession(t *testing.T, tr Transport, api Collaborators) *Session {
	t.Helper()
	logger := zerolog.Nop()
	return NewSession(Config{
		Logger:        &logger,
		Clock:         clockwork.NewFakeClock(),
		Transport:     tr,
		Collaborators: api,
	})
}

func aliceAPI() *fakeAPI {
	return &fakeAPI{
		profile: model.Profile{UserID: "1", Username: "alice"},
		online:  []model.OnlineUser{{ID: "1", Username: "alice"}, {ID: "2", Username: "bob"}},
	}
}

func TestInitializeSubscribesAndLoadsPresence(t *testing.T) {
	tr, api := newFakeTransport(), aliceAPI()
	s := newSession(t, tr, api)

	require.NoError(t, s.Initialize(context.Background(), "7"))
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, model.ID("1"), s.LocalUser())
	require.Len(t, api.joined, 1)
	assert.Equal(t, s.SessionID(), api.joined[0])

	for _, ch := range []string{
		"/topic/document/7/content",
		"/topic/document/7/cursors",
		"/topic/document/7/users",
		"/topic/document/7/comments",
		"/topic/document/7/tasks",
		"/topic/user/1/queue/notifications",
	} {
		assert.Contains(t, tr.handlers, ch)
	}
	assert.Equal(t, 2, s.Presence().Len())

	assert.ErrorIs(t, s.Initialize(context.Background(), "7"), ErrAlreadyInitialized)
}

func TestContentEchoSuppression(t *testing.T) {
	tr, api := newFakeTransport(), aliceAPI()
	s := newSession(t, tr, api)
	require.NoError(t, s.Initialize(context.Background(), "7"))

	ed := &textEditor{}
	s.AttachEditor(ed, nil)

	tr.deliver(t, "/topic/document/7/content", `{"userId":2,"content":"X"}`)
	assert.Equal(t, "X", ed.content)

	tr.deliver(t, "/topic/document/7/content", `{"userId":1,"content":"Y"}`)
	assert.Equal(t, "X", s.Content())

	// identical content is not rewritten
	tr.deliver(t, "/topic/document/7/content", `{"userId":2,"content":"X"}`)
	assert.Equal(t, 1, ed.writes)
}

func TestContentCachedWithoutEditor(t *testing.T) {
	tr, api := newFakeTransport(), aliceAPI()
	var shown []string
	logger := zerolog.Nop()
	s := NewSession(Config{
		Logger:        &logger,
		Transport:     tr,
		Collaborators: api,
		OnContent:     func(c string) { shown = append(shown, c) },
	})
	require.NoError(t, s.Initialize(context.Background(), "7"))

	s.OnContentUpdate(model.ContentUpdate{UserID: "2", Content: "hello"})
	assert.Equal(t, "hello", s.Content())
	assert.Equal(t, []string{"hello"}, shown)
}

func TestSendContentUpdate(t *testing.T) {
	tr, api := newFakeTransport(), aliceAPI()
	s := newSession(t, tr, api)

	assert.False(t, s.SendContentUpdate("early"))

	require.NoError(t, s.Initialize(context.Background(), "7"))
	require.True(t, s.SendContentUpdate("draft"))
	assert.Equal(t, []any{model.ContentUpdate{UserID: "1", Content: "draft"}},
		tr.published["/app/document/7/content"])
	assert.Equal(t, "draft", s.Content())

	tr.connected = false
	assert.False(t, s.SendContentUpdate("offline"))
}

func TestCursorEchoSuppression(t *testing.T) {
	tr, api := newFakeTransport(), aliceAPI()
	s := newSession(t, tr, api)
	require.NoError(t, s.Initialize(context.Background(), "7"))

	tr.deliver(t, "/topic/document/7/cursors", `{"userId":1,"position":3}`)
	assert.Empty(t, s.Cursors().Indicators())

	tr.deliver(t, "/topic/document/7/cursors", `{"userId":2,"position":3}`)
	assert.Len(t, s.Cursors().Indicators(), 1)

	require.True(t, s.SendCursorUpdate(9))
	assert.Len(t, tr.published["/app/document/7/cursor"], 1)
}

func TestConsumersFanOut(t *testing.T) {
	tr, api := newFakeTransport(), aliceAPI()
	var comments, tasks, notes []string
	logger := zerolog.Nop()
	s := NewSession(Config{
		Logger:               &logger,
		Transport:            tr,
		Collaborators:        api,
		CommentConsumer:      func(p json.RawMessage) { comments = append(comments, string(p)) },
		TaskConsumer:         func(p json.RawMessage) { tasks = append(tasks, string(p)) },
		NotificationConsumer: func(p json.RawMessage) { notes = append(notes, string(p)) },
	})
	require.NoError(t, s.Initialize(context.Background(), "7"))

	tr.deliver(t, "/topic/document/7/comments", `{"id":1}`)
	tr.deliver(t, "/topic/document/7/tasks", `{"id":2}`)
	tr.deliver(t, "/topic/user/1/queue/notifications", `{"id":3}`)

	assert.Equal(t, []string{`{"id":1}`}, comments)
	assert.Equal(t, []string{`{"id":2}`}, tasks)
	assert.Equal(t, []string{`{"id":3}`}, notes)
}

func TestProfileFailureStaysInit(t *testing.T) {
	tr, api := newFakeTransport(), aliceAPI()
	api.profileErr = errors.New("boom")
	s := newSession(t, tr, api)

	require.Error(t, s.Initialize(context.Background(), "7"))
	assert.Equal(t, StateInit, s.State())
	assert.Empty(t, tr.handlers)
}

func TestJoinFailureStaysJoining(t *testing.T) {
	tr, api := newFakeTransport(), aliceAPI()
	api.joinErr = errors.New("boom")
	s := newSession(t, tr, api)

	require.Error(t, s.Initialize(context.Background(), "7"))
	assert.Equal(t, StateJoining, s.State())
	assert.Empty(t, tr.handlers)
	assert.False(t, s.SendCursorUpdate(1))
}

func TestLeaveIsIdempotent(t *testing.T) {
	tr, api := newFakeTransport(), aliceAPI()
	api.leaveErr = errors.New("best effort")
	s := newSession(t, tr, api)

	s.Leave(context.Background())
	assert.Zero(t, api.left)

	require.NoError(t, s.Initialize(context.Background(), "7"))
	tr.deliver(t, "/topic/document/7/cursors", `{"userId":2,"position":3}`)
	cursors := s.Cursors()

	s.Cleanup(context.Background())
	s.Leave(context.Background())

	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, 1, api.left)
	assert.Empty(t, tr.handlers)
	assert.Zero(t, s.Presence().Len())
	assert.Empty(t, cursors.Indicators())
	assert.False(t, s.SendContentUpdate("late"))
}

func TestTwoParticipantsOverMemoryBroker(t *testing.T) {
	logger := zerolog.Nop()
	dialer := memory.NewDialer(_switch.NewSwitch(&logger))

	open := func(api *fakeAPI) *Session {
		tr := transport.New(transport.Config{Logger: &logger, Dialer: dialer})
		tr.Connect(context.Background())
		t.Cleanup(tr.Shutdown)
		s := NewSession(Config{Logger: &logger, Transport: tr, Collaborators: api})
		require.NoError(t, s.Initialize(context.Background(), "7"))
		return s
	}

	alice := open(aliceAPI())
	bob := open(&fakeAPI{profile: model.Profile{UserID: "2", Username: "bob"}})

	require.True(t, alice.SendContentUpdate("shared text"))
	require.Eventually(t, func() bool { return bob.Content() == "shared text" },
		2*time.Second, 5*time.Millisecond)

	require.True(t, bob.SendContentUpdate("reply"))
	require.Eventually(t, func() bool { return alice.Content() == "reply" },
		2*time.Second, 5*time.Millisecond)
}
