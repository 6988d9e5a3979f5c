// Package presence tracks which users are online in one document.
package presence

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/adwski/collab-sync/model"
	"github.com/rs/zerolog"
)

type (
	Config struct {
		Logger *zerolog.Logger
		// OnUpdate is called after every snapshot with the full user list.
		OnUpdate func(users []model.OnlineUser)
	}

	// Tracker holds the latest presence snapshot. Snapshots replace the
	// previous state wholesale.
	Tracker struct {
		logger   zerolog.Logger
		onUpdate func([]model.OnlineUser)

		mx    sync.RWMutex
		users map[model.ID]model.OnlineUser
		order []model.OnlineUser
	}
)

func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		logger:   cfg.Logger.With().Str("component", "presence").Logger(),
		onUpdate: cfg.OnUpdate,
		users:    make(map[model.ID]model.OnlineUser),
	}
}

func (t *Tracker) Replace(users []model.OnlineUser) {
	t.mx.Lock()
	t.users = make(map[model.ID]model.OnlineUser, len(users))
	t.order = make([]model.OnlineUser, 0, len(users))
	for _, u := range users {
		if _, dup := t.users[u.ID]; !dup {
			t.order = append(t.order, u)
		}
		t.users[u.ID] = u
	}
	snapshot := t.snapshotLocked()
	t.mx.Unlock()

	t.logger.Trace().Int("users", len(snapshot)).Msg("presence replaced")
	if t.onUpdate != nil {
		t.onUpdate(snapshot)
	}
}

// HandleSnapshot decodes a snapshot message. Both a bare array and an
// object with a users field are accepted.
func (t *Tracker) HandleSnapshot(payload json.RawMessage) {
	var users []model.OnlineUser
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Users []model.OnlineUser `json:"users"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			t.logger.Warn().Err(err).Msg("malformed presence snapshot")
			return
		}
		users = wrapped.Users
	} else if err := json.Unmarshal(trimmed, &users); err != nil {
		t.logger.Warn().Err(err).Msg("malformed presence snapshot")
		return
	}
	t.Replace(users)
}

func (t *Tracker) Lookup(id model.ID) (model.OnlineUser, bool) {
	t.mx.RLock()
	defer t.mx.RUnlock()
	u, ok := t.users[id]
	return u, ok
}

// Users returns the users in snapshot order.
func (t *Tracker) Users() []model.OnlineUser {
	t.mx.RLock()
	defer t.mx.RUnlock()
	return t.snapshotLocked()
}

func (t *Tracker) Len() int {
	t.mx.RLock()
	defer t.mx.RUnlock()
	return len(t.users)
}

func (t *Tracker) Clear() {
	t.Replace(nil)
}

func (t *Tracker) snapshotLocked() []model.OnlineUser {
	out := make([]model.OnlineUser, len(t.order))
	for i, u := range t.order {
		// last occurrence wins for duplicated ids
		out[i] = t.users[u.ID]
	}
	return out
}
