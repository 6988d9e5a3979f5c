// Package conference implements the conference session attached to an open
// document: create/join/leave lifecycle, roster reconciliation, chat, media
// toggles and screen sharing on top of the media pipeline.
package conference

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/adwski/collab-sync/api"
	"github.com/adwski/collab-sync/media"
	"github.com/adwski/collab-sync/model"
	"github.com/adwski/collab-sync/transport"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyInitialized = errors.New("conference session already initialized")
	ErrNotInitialized     = errors.New("conference session is not initialized")
	ErrBusy               = errors.New("conference attempt already in progress")
	ErrNotInConference    = errors.New("not in a conference")
)

type State int

const (
	StateIdle State = iota
	StateCreating
	StateJoining
	StateInConference
	StateLeaving
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreating:
		return "creating"
	case StateJoining:
		return "joining"
	case StateInConference:
		return "in-conference"
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

	// Collaborators are the REST resources the session drives.
	Collaborators interface {
		Profile(ctx context.Context) (model.Profile, error)
		DocumentConferences(ctx context.Context, documentID model.ID) ([]model.Conference, error)
		CreateConference(ctx context.Context, documentID model.ID, req api.CreateConferenceRequest) (model.Conference, error)
		JoinConference(ctx context.Context, conferenceID model.ID) error
		LeaveConference(ctx context.Context, conferenceID model.ID) error
		EndConference(ctx context.Context, conferenceID model.ID) error
		Participants(ctx context.Context, conferenceID model.ID) ([]model.Participant, error)
		MessageHistory(ctx context.Context, conferenceID model.ID) ([]model.ChatMessage, error)
		ToggleScreenSharing(ctx context.Context, conferenceID model.ID, sharing bool) error
		ToggleMedia(ctx context.Context, conferenceID model.ID, video, audio *bool) error
	}

	// Media is the part of the media pipeline the session controls.
	Media interface {
		Bind(conferenceID, localUser model.ID)
		AcquireLocal(ctx context.Context) error
		StartCapture()
		StopCapture()
		ReleaseLocal()
		Reset()
		TeardownRemote()
		Prune(keep map[model.ID]struct{}) []model.ID
		VideoEnabled() bool
		AudioEnabled() bool
		Sharing() bool
		SetVideoEnabled(enabled bool) bool
		SetAudioEnabled(enabled bool)
		StartScreenShare(ctx context.Context, onEnded func()) error
		StopScreenShare() error
		HandleVideoFrame(payload json.RawMessage)
		HandleAudioBlock(payload json.RawMessage)
	}

	// Config carries dependencies and redisplay hooks. Hooks are optional and
	// are never called with the session lock held.
	Config struct {
		Logger        *zerolog.Logger
		Transport     Transport
		Collaborators Collaborators
		Media         Media

		OnConferences  func([]model.Conference)
		OnParticipants func([]model.Participant)
		OnMessages     func([]model.ChatMessage)
		OnPreview      func(shown bool)
		OnShow         func(conferenceID model.ID)
		OnClear        func()
		OnHide         func()
		OnEnded        func(model.ConferenceEnded)
	}

	Session struct {
		logger zerolog.Logger
		tr     Transport
		api    Collaborators
		media  Media
		hooks  Config

		mx           sync.Mutex
		state        State
		documentID   model.ID
		localUser    model.ID
		conferenceID model.ID
		conferences  []model.Conference
		roster       []model.ID
		participants map[model.ID]model.Participant
		messages     []model.ChatMessage
		// subscribed maps dedup keys to the channels subscribed under them.
		subscribed map[string]string
	}
)

var _ Media = (*media.Pipeline)(nil)

func NewSession(cfg Config) *Session {
	return &Session{
		logger:       cfg.Logger.With().Str("component", "conference").Logger(),
		tr:           cfg.Transport,
		api:          cfg.Collaborators,
		media:        cfg.Media,
		hooks:        cfg,
		participants: make(map[model.ID]model.Participant),
		subscribed:   make(map[string]string),
	}
}

// Initialize fetches the local profile, watches the document's conference
// list and loads it once.
func (s *Session) Initialize(ctx context.Context, documentID model.ID) error {
	s.mx.Lock()
	if !s.documentID.IsZero() {
		s.mx.Unlock()
		return ErrAlreadyInitialized
	}
	s.mx.Unlock()

	profile, err := s.api.Profile(ctx)
	if err != nil {
		return err
	}

	s.mx.Lock()
	s.documentID = documentID
	s.localUser = profile.UserID
	s.mx.Unlock()

	s.tr.Subscribe(model.DocumentTopic(documentID, model.KindConferences), s.HandleConferences)

	list, err := s.api.DocumentConferences(ctx, documentID)
	if err != nil {
		s.logger.Warn().Err(err).Str("document", documentID.String()).Msg("failed to load conferences")
		return nil
	}
	s.ReplaceConferences(list)
	return nil
}

// Create creates a conference on the current document and enters it.
func (s *Session) Create(ctx context.Context, req api.CreateConferenceRequest) (model.ID, error) {
	doc, err := s.begin(StateCreating)
	if err != nil {
		return "", err
	}
	conf, err := s.api.CreateConference(ctx, doc, req)
	if err != nil {
		s.setState(StateIdle)
		return "", err
	}
	if err = s.enter(ctx, conf.ID); err != nil {
		return "", err
	}
	return conf.ID, nil
}

func (s *Session) Join(ctx context.Context, conferenceID model.ID) error {
	if _, err := s.begin(StateJoining); err != nil {
		return err
	}
	if err := s.api.JoinConference(ctx, conferenceID); err != nil {
		s.setState(StateIdle)
		return err
	}
	return s.enter(ctx, conferenceID)
}

func (s *Session) begin(next State) (model.ID, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.documentID.IsZero() {
		return "", ErrNotInitialized
	}
	if s.state != StateIdle && s.state != StateEnded {
		return "", ErrBusy
	}
	s.state = next
	return s.documentID, nil
}

func (s *Session) enter(ctx context.Context, conferenceID model.ID) error {
	s.mx.Lock()
	s.conferenceID = conferenceID
	local := s.localUser
	s.mx.Unlock()

	s.media.Bind(conferenceID, local)
	s.subscribeConference(conferenceID, local)

	if err := s.media.AcquireLocal(ctx); err != nil {
		s.abort(ctx, conferenceID)
		return err
	}
	call(s.hooks.OnPreview, true)

	s.loadConferenceData(ctx, conferenceID)

	s.setState(StateInConference)
	s.logger.Info().Str("conference", conferenceID.String()).Msg("entered conference")
	call(s.hooks.OnShow, conferenceID)

	s.media.StartCapture()
	return nil
}

// abort undoes a create/join attempt whose local media could not be acquired.
func (s *Session) abort(ctx context.Context, conferenceID model.ID) {
	s.logger.Warn().Str("conference", conferenceID.String()).Msg("local media unavailable, conference attempt aborted")
	s.media.TeardownRemote()
	s.media.ReleaseLocal()
	if err := s.api.LeaveConference(ctx, conferenceID); err != nil {
		s.logger.Warn().Err(err).Msg("failed to leave aborted conference")
	}
	s.reset(StateIdle)
}

func (s *Session) subscribeConference(conferenceID, local model.ID) {
	for _, sub := range []struct {
		kind string
		h    transport.Handler
	}{
		{model.KindParticipants, s.handlerFor(conferenceID, s.HandleRoster)},
		{model.KindMessages, s.handlerFor(conferenceID, s.HandleChatMessage)},
		{model.KindScreenSharing, s.handlerFor(conferenceID, s.HandleScreenSharing)},
		{model.KindMediaStatus, s.handlerFor(conferenceID, s.HandleMediaStatus)},
		{model.KindEnded, s.handlerFor(conferenceID, s.HandleEnded)},
	} {
		s.subscribeOnce(conferenceID.String()+"_"+sub.kind, model.ConferenceTopic(conferenceID, sub.kind), sub.h)
	}

	s.subscribeOnce("user_"+local.String()+"_"+model.KindVideoFrames,
		model.ConferenceTopic(conferenceID, model.KindVideoFrames), s.media.HandleVideoFrame)
	s.subscribeOnce("user_"+local.String()+"_"+model.KindAudioData,
		model.ConferenceTopic(conferenceID, model.KindAudioData), s.media.HandleAudioBlock)
}

func (s *Session) subscribeOnce(key, channel string, h transport.Handler) {
	s.mx.Lock()
	if _, ok := s.subscribed[key]; ok {
		s.mx.Unlock()
		return
	}
	s.subscribed[key] = channel
	s.mx.Unlock()

	s.tr.Subscribe(channel, h)
}

// handlerFor drops messages that arrive for a conference other than the
// current one.
func (s *Session) handlerFor(conferenceID model.ID, h transport.Handler) transport.Handler {
	return func(payload json.RawMessage) {
		s.mx.Lock()
		current := s.conferenceID == conferenceID
		s.mx.Unlock()
		if !current {
			return
		}
		h(payload)
	}
}

func (s *Session) loadConferenceData(ctx context.Context, conferenceID model.ID) {
	if roster, err := s.api.Participants(ctx, conferenceID); err != nil {
		s.logger.Warn().Err(err).Msg("failed to load participants")
	} else {
		s.ReplaceRoster(roster)
	}

	history, err := s.api.MessageHistory(ctx, conferenceID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load chat history")
		return
	}
	s.mx.Lock()
	s.messages = append([]model.ChatMessage(nil), history...)
	msgs := s.messagesLocked()
	s.mx.Unlock()
	call(s.hooks.OnMessages, msgs)
}

// Leave runs the teardown sequence. Local resources are released before any
// network call so they are freed even when the network is gone.
func (s *Session) Leave(ctx context.Context) {
	s.leave(ctx, StateIdle)
}

func (s *Session) leave(ctx context.Context, final State) {
	s.mx.Lock()
	if s.state != StateInConference {
		s.mx.Unlock()
		return
	}
	s.state = StateLeaving
	conferenceID := s.conferenceID
	s.mx.Unlock()

	s.media.StopCapture()
	s.media.TeardownRemote()
	s.media.ReleaseLocal()
	call(s.hooks.OnPreview, false)
	callNoArg(s.hooks.OnClear)

	if err := s.api.LeaveConference(ctx, conferenceID); err != nil {
		s.logger.Warn().Err(err).Str("conference", conferenceID.String()).Msg("failed to leave conference")
	}

	s.reset(final)
	callNoArg(s.hooks.OnHide)
	s.logger.Info().Str("conference", conferenceID.String()).Stringer("state", final).Msg("left conference")
}

// reset releases the conference subscriptions and clears in-memory state.
func (s *Session) reset(final State) {
	s.mx.Lock()
	channels := make([]string, 0, len(s.subscribed))
	for _, ch := range s.subscribed {
		channels = append(channels, ch)
	}
	s.subscribed = make(map[string]string)
	s.conferenceID = ""
	s.roster = nil
	s.participants = make(map[model.ID]model.Participant)
	s.messages = nil
	s.state = final
	s.mx.Unlock()

	for _, ch := range channels {
		s.tr.Unsubscribe(ch)
	}
	s.media.Reset()
}

// End asks the server to end the conference. The server's ended event
// drives the local teardown.
func (s *Session) End(ctx context.Context) error {
	conferenceID, err := s.current()
	if err != nil {
		return err
	}
	return s.api.EndConference(ctx, conferenceID)
}

// Cleanup leaves any conference and stops watching the document's
// conference list.
func (s *Session) Cleanup(ctx context.Context) {
	s.Leave(ctx)

	s.mx.Lock()
	doc := s.documentID
	s.mx.Unlock()
	if !doc.IsZero() {
		s.tr.Unsubscribe(model.DocumentTopic(doc, model.KindConferences))
	}
}

func (s *Session) HandleConferences(payload json.RawMessage) {
	var list []model.Conference
	if err := json.Unmarshal(payload, &list); err != nil {
		s.logger.Warn().Err(err).Msg("malformed conference list")
		return
	}
	s.ReplaceConferences(list)
}

func (s *Session) ReplaceConferences(list []model.Conference) {
	s.mx.Lock()
	s.conferences = append([]model.Conference(nil), list...)
	out := append([]model.Conference(nil), s.conferences...)
	s.mx.Unlock()
	call(s.hooks.OnConferences, out)
}

func (s *Session) HandleRoster(payload json.RawMessage) {
	var roster []model.Participant
	if err := json.Unmarshal(payload, &roster); err != nil {
		s.logger.Warn().Err(err).Msg("malformed participants snapshot")
		return
	}
	s.ReplaceRoster(roster)
}

// ReplaceRoster replaces the participant map wholesale, redisplays it and
// tears down remote media of everyone no longer present.
func (s *Session) ReplaceRoster(roster []model.Participant) {
	s.mx.Lock()
	s.roster = s.roster[:0]
	s.participants = make(map[model.ID]model.Participant, len(roster))
	keep := make(map[model.ID]struct{}, len(roster))
	for _, p := range roster {
		if _, ok := s.participants[p.UserID]; !ok {
			s.roster = append(s.roster, p.UserID)
		}
		s.participants[p.UserID] = p
		keep[p.UserID] = struct{}{}
	}
	out := s.participantsLocked()
	s.mx.Unlock()

	call(s.hooks.OnParticipants, out)

	if removed := s.media.Prune(keep); len(removed) > 0 {
		s.logger.Debug().Interface("users", removed).Msg("remote media of departed participants released")
	}
}

func (s *Session) HandleChatMessage(payload json.RawMessage) {
	var msg model.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn().Err(err).Msg("malformed chat message")
		return
	}
	s.AppendChatMessage(msg)
}

// AppendChatMessage adds msg to the chat log in receipt order.
func (s *Session) AppendChatMessage(msg model.ChatMessage) {
	s.mx.Lock()
	s.messages = append(s.messages, msg)
	out := s.messagesLocked()
	s.mx.Unlock()
	call(s.hooks.OnMessages, out)
}

func (s *Session) HandleScreenSharing(payload json.RawMessage) {
	var upd model.ScreenSharingUpdate
	if err := json.Unmarshal(payload, &upd); err != nil {
		s.logger.Warn().Err(err).Msg("malformed screen sharing update")
		return
	}
	s.ApplyScreenSharing(upd)
}

func (s *Session) ApplyScreenSharing(upd model.ScreenSharingUpdate) {
	s.patch(upd.UserID, func(p *model.Participant) {
		p.SharingScreen = upd.Sharing
	})
}

func (s *Session) HandleMediaStatus(payload json.RawMessage) {
	var upd model.MediaStatusUpdate
	if err := json.Unmarshal(payload, &upd); err != nil {
		s.logger.Warn().Err(err).Msg("malformed media status update")
		return
	}
	s.ApplyMediaStatus(upd)
}

// ApplyMediaStatus patches only the fields present in upd.
func (s *Session) ApplyMediaStatus(upd model.MediaStatusUpdate) {
	s.patch(upd.UserID, func(p *model.Participant) {
		if upd.VideoEnabled != nil {
			p.VideoEnabled = *upd.VideoEnabled
		}
		if upd.AudioEnabled != nil {
			p.AudioEnabled = *upd.AudioEnabled
		}
	})
}

func (s *Session) patch(userID model.ID, fn func(p *model.Participant)) {
	s.mx.Lock()
	p, ok := s.participants[userID]
	if !ok {
		s.mx.Unlock()
		s.logger.Trace().Str("user", userID.String()).Msg("update for unknown participant ignored")
		return
	}
	fn(&p)
	s.participants[userID] = p
	out := s.participantsLocked()
	s.mx.Unlock()
	call(s.hooks.OnParticipants, out)
}

func (s *Session) HandleEnded(payload json.RawMessage) {
	var ev model.ConferenceEnded
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.logger.Warn().Err(err).Msg("malformed conference ended event")
		return
	}
	s.OnConferenceEnded(ev)
}

// OnConferenceEnded tears the conference down and leaves the session in
// StateEnded.
func (s *Session) OnConferenceEnded(ev model.ConferenceEnded) {
	s.mx.Lock()
	in := s.state == StateInConference
	s.mx.Unlock()
	if !in {
		return
	}
	s.logger.Info().Str("message", ev.Message).Msg("conference ended")
	call(s.hooks.OnEnded, ev)
	s.leave(context.Background(), StateEnded)
}

// SendChatMessage publishes trimmed content. Empty content is ignored.
func (s *Session) SendChatMessage(content string) bool {
	content = strings.TrimSpace(content)
	if content == "" {
		return false
	}
	s.mx.Lock()
	conferenceID, local, in := s.conferenceID, s.localUser, s.state == StateInConference
	s.mx.Unlock()
	if !in {
		return false
	}
	return s.tr.Publish(model.ConferenceDestination(conferenceID, model.KindSendMessage),
		model.ChatRequest{UserID: local, Content: content})
}

// ToggleVideo flips camera video and returns the resulting state. Enabling
// video while the screen is shared is refused.
func (s *Session) ToggleVideo(ctx context.Context) (bool, error) {
	conferenceID, err := s.current()
	if err != nil {
		return false, err
	}
	enabled := !s.media.VideoEnabled()
	if !s.media.SetVideoEnabled(enabled) {
		return s.media.VideoEnabled(), nil
	}
	s.broadcastMedia(ctx, conferenceID, &enabled, nil)
	return enabled, nil
}

func (s *Session) ToggleAudio(ctx context.Context) (bool, error) {
	conferenceID, err := s.current()
	if err != nil {
		return false, err
	}
	enabled := !s.media.AudioEnabled()
	s.media.SetAudioEnabled(enabled)
	s.broadcastMedia(ctx, conferenceID, nil, &enabled)
	return enabled, nil
}

func (s *Session) broadcastMedia(ctx context.Context, conferenceID model.ID, video, audio *bool) {
	if err := s.api.ToggleMedia(ctx, conferenceID, video, audio); err != nil {
		s.logger.Warn().Err(err).Msg("failed to broadcast media state")
	}
}

// ToggleScreenSharing starts or stops sharing and returns whether the screen
// is shared afterwards.
func (s *Session) ToggleScreenSharing(ctx context.Context) (bool, error) {
	conferenceID, err := s.current()
	if err != nil {
		return false, err
	}
	if s.media.Sharing() {
		s.stopSharing(ctx, conferenceID)
		return false, nil
	}
	onEnded := func() {
		s.logger.Debug().Msg("screen source ended, sharing stopped")
		s.stopSharing(context.Background(), conferenceID)
	}
	if err = s.media.StartScreenShare(ctx, onEnded); err != nil {
		if errors.Is(err, media.ErrSharing) {
			return true, nil
		}
		return false, err
	}
	s.broadcastSharing(ctx, conferenceID, true)
	return true, nil
}

func (s *Session) stopSharing(ctx context.Context, conferenceID model.ID) {
	if err := s.media.StopScreenShare(); err != nil {
		return
	}
	s.broadcastSharing(ctx, conferenceID, false)
}

func (s *Session) broadcastSharing(ctx context.Context, conferenceID model.ID, sharing bool) {
	if err := s.api.ToggleScreenSharing(ctx, conferenceID, sharing); err != nil {
		s.logger.Warn().Err(err).Bool("sharing", sharing).Msg("failed to broadcast screen sharing state")
	}
}

func (s *Session) current() (model.ID, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state != StateInConference {
		return "", ErrNotInConference
	}
	return s.conferenceID, nil
}

func (s *Session) setState(st State) {
	s.mx.Lock()
	s.state = st
	s.mx.Unlock()
}

func (s *Session) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

func (s *Session) ConferenceID() model.ID {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.conferenceID
}

func (s *Session) LocalUser() model.ID {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.localUser
}

// IsHost reports whether the roster lists the local user as host.
func (s *Session) IsHost() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	p, ok := s.participants[s.localUser]
	return ok && p.IsHost()
}

// Participants returns the roster in snapshot order.
func (s *Session) Participants() []model.Participant {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.participantsLocked()
}

func (s *Session) Messages() []model.ChatMessage {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.messagesLocked()
}

func (s *Session) Conferences() []model.Conference {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]model.Conference(nil), s.conferences...)
}

// SubscriptionKeys lists the dedup keys of the current conference's
// subscriptions.
func (s *Session) SubscriptionKeys() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	keys := make([]string, 0, len(s.subscribed))
	for k := range s.subscribed {
		keys = append(keys, k)
	}
	return keys
}

func (s *Session) participantsLocked() []model.Participant {
	out := make([]model.Participant, 0, len(s.roster))
	for _, id := range s.roster {
		out = append(out, s.participants[id])
	}
	return out
}

func (s *Session) messagesLocked() []model.ChatMessage {
	return append([]model.ChatMessage(nil), s.messages...)
}

func call[T any](fn func(T), v T) {
	if fn != nil {
		fn(v)
	}
}

func callNoArg(fn func()) {
	if fn != nil {
		fn()
	}
}
