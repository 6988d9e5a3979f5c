package model

// Participant roles.
const (
	RoleHost  = "HOST"
	RoleGuest = "GUEST"
)

// Conference states mirrored from the server.
const (
	ConferenceStateOpen  = "OPEN"
	ConferenceStateEnded = "ENDED"
)

type Profile struct {
	UserID    ID     `json:"userId"`
	Username  string `json:"username"`
	AvatarRef string `json:"avatarPath,omitempty"`
}

type OnlineUser struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar_path,omitempty"`
}

type ContentUpdate struct {
	UserID  ID     `json:"userId"`
	Content string `json:"content"`
}

type CursorUpdate struct {
	UserID   ID  `json:"userId"`
	Position int `json:"position"`
}

type Participant struct {
	UserID        ID     `json:"userId"`
	Username      string `json:"username"`
	Role          string `json:"role"`
	AvatarPath    string `json:"avatarPath,omitempty"`
	VideoEnabled  bool   `json:"isVideoEnabled"`
	AudioEnabled  bool   `json:"isAudioEnabled"`
	SharingScreen bool   `json:"isSharingScreen"`
}

func (p Participant) IsHost() bool {
	return p.Role == RoleHost
}

type VideoFrame struct {
	UserID    ID     `json:"userId"`
	FrameData string `json:"frameData"`
	Timestamp int64  `json:"timestamp"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type AudioBlock struct {
	UserID     ID     `json:"userId"`
	AudioData  string `json:"audioData"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// ChatMessage is an entry of the conference chat log. Messages without a
// sender are system messages.
type ChatMessage struct {
	UserID   ID        `json:"userId"`
	Username string    `json:"username,omitempty"`
	Content  string    `json:"content"`
	SentAt   Timestamp `json:"sentAt"`
}

func (m ChatMessage) IsSystem() bool {
	return m.UserID.IsZero()
}

type ChatRequest struct {
	UserID  ID     `json:"userId"`
	Content string `json:"content"`
}

type ScreenSharingUpdate struct {
	UserID  ID   `json:"userId"`
	Sharing bool `json:"isSharing"`
}

type MediaStatusUpdate struct {
	UserID       ID    `json:"userId"`
	VideoEnabled *bool `json:"videoEnabled,omitempty"`
	AudioEnabled *bool `json:"audioEnabled,omitempty"`
}

type ConferenceEnded struct {
	ConferenceID ID     `json:"conferenceId"`
	Message      string `json:"message"`
}

type ConferenceCreator struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
}

type Conference struct {
	ID              ID                `json:"conferenceId"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	MaxParticipants int               `json:"maxParticipants"`
	CreatedBy       ConferenceCreator `json:"createdBy"`
	State           string            `json:"status"`
	Participants    []Participant     `json:"participants,omitempty"`
}

// Rect is a rectangle in some view's pixel coordinate space.
type Rect struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
}

type Point struct {
	Top  float64
	Left float64
}
