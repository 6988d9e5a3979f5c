// Package collab implements the collaboration session of one open document:
// join/leave lifecycle, content echo suppression, presence and cursors, and
// fan-out of comment, task and notification messages.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/collab-sync/cursor"
	"github.com/adwski/collab-sync/model"
	"github.com/adwski/collab-sync/presence"
	"github.com/adwski/collab-sync/transport"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var ErrAlreadyInitialized = errors.New("session already initialized")

type State int

const (
	StateInit State = iota
	StateJoining
	StateActive
	StateLeaving
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

type (
	Transport interface {
		Subscribe(channel string, h transport.Handler) *transport.Subscription
		Unsubscribe(channel string)
		Publish(channel string, payload any) bool
		IsConnected() bool
	}

	Collaborators interface {
		Profile(ctx context.Context) (model.Profile, error)
		JoinDocument(ctx context.Context, documentID model.ID, sessionID string) error
		LeaveDocument(ctx context.Context, documentID model.ID) error
		OnlineUsers(ctx context.Context, documentID model.ID) ([]model.OnlineUser, error)
	}

	// Editor is the active document view's text content.
	Editor interface {
		Content() string
		SetContent(content string)
	}

	// Consumer receives raw payloads of a document side channel.
	Consumer func(payload json.RawMessage)

	Config struct {
		Logger        *zerolog.Logger
		Clock         clockwork.Clock
		Transport     Transport
		Collaborators Collaborators
		CursorDecay   time.Duration
		Overlay       cursor.Overlay

		OnPresence func(users []model.OnlineUser)
		OnCursor   func(ind cursor.Indicator)
		OnContent  func(content string)

		CommentConsumer      Consumer
		TaskConsumer         Consumer
		NotificationConsumer Consumer
	}

	Session struct {
		logger zerolog.Logger
		cfg    Config
		tr     Transport
		api    Collaborators

		presence *presence.Tracker

		mx         sync.Mutex
		state      State
		documentID model.ID
		localUser  model.ID
		sessionID  string
		channels   []string
		editor     Editor
		mapper     cursor.Mapper
		cache      string
		cursors    *cursor.Broadcaster
	}
)

func NewSession(cfg Config) *Session {
	s := &Session{
		logger: cfg.Logger.With().Str("component", "collab").Logger(),
		cfg:    cfg,
		tr:     cfg.Transport,
		api:    cfg.Collaborators,
	}
	s.presence = presence.NewTracker(presence.Config{
		Logger:   cfg.Logger,
		OnUpdate: cfg.OnPresence,
	})
	return s
}

// Initialize opens documentID. A failed profile fetch leaves the session in
// init, a failed join leaves it joining; neither is retried.
func (s *Session) Initialize(ctx context.Context, documentID model.ID) error {
	s.mx.Lock()
	if s.state != StateInit || !s.documentID.IsZero() {
		s.mx.Unlock()
		return ErrAlreadyInitialized
	}
	s.documentID = documentID
	s.logger = s.logger.With().Str("document", documentID.String()).Logger()
	s.mx.Unlock()

	profile, err := s.api.Profile(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to fetch profile")
		return err
	}

	s.mx.Lock()
	s.localUser = profile.UserID
	s.state = StateJoining
	s.sessionID = uuid.NewString()
	sessionID := s.sessionID
	s.mx.Unlock()

	if err = s.api.JoinDocument(ctx, documentID, sessionID); err != nil {
		s.logger.Error().Err(err).Msg("failed to join document")
		return err
	}

	cursors := cursor.NewBroadcaster(cursor.Config{
		Logger:     s.cfg.Logger,
		Clock:      s.cfg.Clock,
		Decay:      s.cfg.CursorDecay,
		DocumentID: documentID,
		Publisher:  s.tr,
		Directory:  s.presence,
		Gate:       s,
		Overlay:    s.cfg.Overlay,
		OnChange:   s.cfg.OnCursor,
	})
	cursors.SetLocalUser(profile.UserID)

	s.mx.Lock()
	cursors.SetMapper(s.mapper)
	s.cursors = cursors
	s.state = StateActive
	s.mx.Unlock()

	s.logger.Info().
		Str("user", profile.UserID.String()).
		Str("session", sessionID).
		Msg("joined document")

	s.subscribe(model.DocumentTopic(documentID, model.KindContent), s.HandleContentUpdate)
	s.subscribe(model.DocumentTopic(documentID, model.KindCursors), cursors.HandleRemoteUpdate)
	s.subscribe(model.DocumentTopic(documentID, model.KindUsers), s.presence.HandleSnapshot)
	s.subscribe(model.DocumentTopic(documentID, model.KindComments), s.consumer("comments", s.cfg.CommentConsumer))
	s.subscribe(model.DocumentTopic(documentID, model.KindTasks), s.consumer("tasks", s.cfg.TaskConsumer))
	s.subscribe(model.NotificationsTopic(profile.UserID), s.consumer("notifications", s.cfg.NotificationConsumer))

	// do not wait for the next broadcast
	users, err := s.api.OnlineUsers(ctx, documentID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load online users")
		return nil
	}
	s.presence.Replace(users)
	return nil
}

func (s *Session) subscribe(channel string, h transport.Handler) {
	s.mx.Lock()
	s.channels = append(s.channels, channel)
	s.mx.Unlock()
	s.tr.Subscribe(channel, h)
}

func (s *Session) consumer(name string, c Consumer) transport.Handler {
	return func(payload json.RawMessage) {
		if c == nil {
			s.logger.Trace().Str("consumer", name).Msg("no consumer attached, message dropped")
			return
		}
		c(payload)
	}
}

func (s *Session) HandleContentUpdate(payload json.RawMessage) {
	var u model.ContentUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		s.logger.Warn().Err(err).Msg("malformed content update")
		return
	}
	s.OnContentUpdate(u)
}

// OnContentUpdate applies a remote content update. Own updates echoed by the
// broker are dropped, identical content is not rewritten.
func (s *Session) OnContentUpdate(u model.ContentUpdate) {
	s.mx.Lock()
	if u.UserID == s.localUser {
		s.mx.Unlock()
		s.logger.Trace().Msg("own content update dropped")
		return
	}
	current := s.cache
	if s.editor != nil {
		current = s.editor.Content()
	}
	if current == u.Content {
		s.mx.Unlock()
		return
	}
	if s.editor != nil {
		s.editor.SetContent(u.Content)
	}
	s.cache = u.Content
	s.mx.Unlock()

	if s.cfg.OnContent != nil {
		s.cfg.OnContent(u.Content)
	}
}

// SendContentUpdate publishes the local content. It reports whether the
// update was handed to the transport.
func (s *Session) SendContentUpdate(content string) bool {
	s.mx.Lock()
	if s.state != StateActive || !s.tr.IsConnected() {
		s.mx.Unlock()
		return false
	}
	s.cache = content
	doc, local := s.documentID, s.localUser
	s.mx.Unlock()

	return s.tr.Publish(model.DocumentDestination(doc, model.KindContent), model.ContentUpdate{
		UserID:  local,
		Content: content,
	})
}

func (s *Session) SendCursorUpdate(position int) bool {
	s.mx.Lock()
	cursors := s.cursors
	s.mx.Unlock()
	if cursors == nil {
		return false
	}
	return cursors.SendCursorUpdate(position)
}

// AttachEditor switches the active document view. Either argument may be nil.
func (s *Session) AttachEditor(e Editor, m cursor.Mapper) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.editor = e
	s.mapper = m
	if s.cursors != nil {
		s.cursors.SetMapper(m)
	}
}

// Leave ends the collaboration. It is a no-op unless the session is active.
func (s *Session) Leave(ctx context.Context) {
	s.mx.Lock()
	if s.state != StateActive {
		s.mx.Unlock()
		return
	}
	s.state = StateLeaving
	doc := s.documentID
	channels := s.channels
	s.channels = nil
	cursors := s.cursors
	s.mx.Unlock()

	if err := s.api.LeaveDocument(ctx, doc); err != nil {
		s.logger.Warn().Err(err).Msg("failed to leave document")
	}
	for _, channel := range channels {
		s.tr.Unsubscribe(channel)
	}
	cursors.Reset()
	s.presence.Clear()

	s.mx.Lock()
	s.state = StateEnded
	s.mx.Unlock()
	s.logger.Info().Msg("left document")
}

func (s *Session) Cleanup(ctx context.Context) {
	s.Leave(ctx)
}

// Active reports whether the local user currently collaborates on the document.
func (s *Session) Active() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state == StateActive
}

func (s *Session) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

func (s *Session) LocalUser() model.ID {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.localUser
}

func (s *Session) SessionID() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.sessionID
}

// Content returns the active editor's content, or the last known content
// when no editor is attached.
func (s *Session) Content() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.editor != nil {
		return s.editor.Content()
	}
	return s.cache
}

func (s *Session) Presence() *presence.Tracker {
	return s.presence
}

// Cursors is nil until the session has joined.
func (s *Session) Cursors() *cursor.Broadcaster {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.cursors
}
