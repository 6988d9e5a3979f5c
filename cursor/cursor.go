// Package cursor propagates the local caret position to peers and keeps a
// time-boxed indicator for every remote collaborator's cursor.
package cursor

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adwski/collab-sync/model"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const defaultDecay = 2 * time.Second

var ErrNoEditor = errors.New("no active editor")

type (
	// Mapper is implemented by every document view variant. OffsetToRect
	// maps a character offset to a rectangle relative to the view, Bounds
	// is the view's own rectangle in screen space.
	Mapper interface {
		OffsetToRect(offset int) (model.Rect, error)
		Bounds() model.Rect
	}

	// Overlay is the container the indicators are drawn in.
	Overlay interface {
		Bounds() model.Rect
	}

	Publisher interface {
		Publish(channel string, payload any) bool
		IsConnected() bool
	}

	Directory interface {
		Lookup(id model.ID) (model.OnlineUser, bool)
	}

	// Gate reports whether the local user currently takes part in the document.
	Gate interface {
		Active() bool
	}

	Indicator struct {
		UserID   model.ID
		Username string
		Avatar   string
		Position int
		At       model.Point
		Visible  bool
	}

	Config struct {
		Logger     *zerolog.Logger
		Clock      clockwork.Clock
		Decay      time.Duration
		DocumentID model.ID
		Publisher  Publisher
		Directory  Directory
		Gate       Gate
		Overlay    Overlay
		// OnChange is called whenever an indicator is created, moved or hidden.
		OnChange func(Indicator)
	}

	Broadcaster struct {
		logger     zerolog.Logger
		clock      clockwork.Clock
		decay      time.Duration
		documentID model.ID
		pub        Publisher
		dir        Directory
		gate       Gate
		overlay    Overlay
		onChange   func(Indicator)

		mx        sync.Mutex
		localUser model.ID
		mapper    Mapper
		cursors   map[model.ID]*cursorState
	}

	cursorState struct {
		ind   Indicator
		timer clockwork.Timer
		gen   uint64
	}
)

func NewBroadcaster(cfg Config) *Broadcaster {
	b := &Broadcaster{
		logger:     cfg.Logger.With().Str("component", "cursor").Str("document", cfg.DocumentID.String()).Logger(),
		clock:      cfg.Clock,
		decay:      cfg.Decay,
		documentID: cfg.DocumentID,
		pub:        cfg.Publisher,
		dir:        cfg.Directory,
		gate:       cfg.Gate,
		overlay:    cfg.Overlay,
		onChange:   cfg.OnChange,
		cursors:    make(map[model.ID]*cursorState),
	}
	if b.clock == nil {
		b.clock = clockwork.NewRealClock()
	}
	if b.decay <= 0 {
		b.decay = defaultDecay
	}
	return b
}

func (b *Broadcaster) SetLocalUser(id model.ID) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.localUser = id
}

// SetMapper switches the active document view. Nil detaches it.
func (b *Broadcaster) SetMapper(m Mapper) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.mapper = m
}

// SendCursorUpdate publishes the local caret offset. It reports whether the
// update was handed to the transport.
func (b *Broadcaster) SendCursorUpdate(position int) bool {
	if b.gate != nil && !b.gate.Active() {
		return false
	}
	if !b.pub.IsConnected() {
		return false
	}
	b.mx.Lock()
	local := b.localUser
	b.mx.Unlock()

	return b.pub.Publish(model.DocumentDestination(b.documentID, model.KindCursor), model.CursorUpdate{
		UserID:   local,
		Position: position,
	})
}

func (b *Broadcaster) HandleRemoteUpdate(payload json.RawMessage) {
	var u model.CursorUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		b.logger.Warn().Err(err).Msg("malformed cursor update")
		return
	}
	b.OnRemoteCursorUpdate(u)
}

func (b *Broadcaster) OnRemoteCursorUpdate(u model.CursorUpdate) {
	b.mx.Lock()
	if u.UserID == b.localUser {
		b.mx.Unlock()
		return
	}
	user, ok := b.dir.Lookup(u.UserID)
	if !ok {
		b.mx.Unlock()
		b.logger.Trace().Str("user", u.UserID.String()).Msg("cursor of unknown user dropped")
		return
	}

	st, exists := b.cursors[u.UserID]
	if !exists {
		st = &cursorState{ind: Indicator{UserID: u.UserID}}
		b.cursors[u.UserID] = st
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.ind.Username = user.Username
	st.ind.Avatar = user.Avatar

	if at, err := b.locateLocked(u.Position); err != nil {
		b.logger.Debug().Err(err).Int("position", u.Position).Msg("cursor position not mapped")
	} else {
		st.ind.Position = u.Position
		st.ind.At = at
		st.ind.Visible = true
	}

	st.gen++
	gen, id := st.gen, u.UserID
	st.timer = b.clock.AfterFunc(b.decay, func() { b.hide(id, st, gen) })
	ind := st.ind
	b.mx.Unlock()

	b.notify(ind)
}

// locateLocked translates a character offset into overlay coordinates.
func (b *Broadcaster) locateLocked(offset int) (model.Point, error) {
	if b.mapper == nil {
		return model.Point{}, ErrNoEditor
	}
	rect, err := b.mapper.OffsetToRect(offset)
	if err != nil {
		return model.Point{}, err
	}
	view := b.mapper.Bounds()
	var overlay model.Rect
	if b.overlay != nil {
		overlay = b.overlay.Bounds()
	}
	return model.Point{
		Top:  rect.Top + (view.Top - overlay.Top),
		Left: rect.Left + (view.Left - overlay.Left),
	}, nil
}

func (b *Broadcaster) hide(id model.ID, st *cursorState, gen uint64) {
	b.mx.Lock()
	if b.cursors[id] != st || st.gen != gen || !st.ind.Visible {
		b.mx.Unlock()
		return
	}
	st.ind.Visible = false
	st.timer = nil
	ind := st.ind
	b.mx.Unlock()

	b.notify(ind)
}

// Reset cancels every decay timer and forgets all indicators.
func (b *Broadcaster) Reset() {
	b.mx.Lock()
	defer b.mx.Unlock()
	for _, st := range b.cursors {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	b.cursors = make(map[model.ID]*cursorState)
}

func (b *Broadcaster) Visible(id model.ID) bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	st, ok := b.cursors[id]
	return ok && st.ind.Visible
}

// Indicators returns all indicators ordered by user id.
func (b *Broadcaster) Indicators() []Indicator {
	b.mx.Lock()
	defer b.mx.Unlock()
	out := make([]Indicator, 0, len(b.cursors))
	for _, st := range b.cursors {
		out = append(out, st.ind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (b *Broadcaster) notify(ind Indicator) {
	if b.onChange != nil {
		b.onChange(ind)
	}
}
