// Package api is the HTTP client of the platform REST collaborators used by
// the sessions: user profile, document collaboration and video conferences.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adwski/collab-sync/model"
	"github.com/rs/zerolog"
)

const defaultTimeout = 10 * time.Second

var ErrRequest = errors.New("request failed")

type (
	Config struct {
		Logger  *zerolog.Logger
		BaseURL string
		Token   string
		Timeout time.Duration
		// HTTPClient overrides the default client, e.g. in tests.
		HTTPClient *http.Client
	}

	Client struct {
		logger  zerolog.Logger
		http    *http.Client
		baseURL string
		token   string
	}

	// Response is the envelope every endpoint answers with.
	Response struct {
		Success bool            `json:"success"`
		Message string          `json:"message,omitempty"`
		Data    json.RawMessage `json:"data,omitempty"`
	}

	CreateConferenceRequest struct {
		Title           string `json:"title"`
		Description     string `json:"description"`
		MaxParticipants int    `json:"maxParticipants"`
	}
)

func NewClient(cfg Config) *Client {
	c := &Client{
		logger:  cfg.Logger.With().Str("component", "api-client").Logger(),
		http:    cfg.HTTPClient,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	return c
}

func (c *Client) Profile(ctx context.Context) (model.Profile, error) {
	var p model.Profile
	err := c.do(ctx, http.MethodGet, "/user/get-profile", nil, &p)
	return p, err
}

func (c *Client) JoinDocument(ctx context.Context, documentID model.ID, sessionID string) error {
	body := struct {
		SessionID string `json:"sessionId"`
	}{sessionID}
	return c.do(ctx, http.MethodPost, "/collaboration/"+documentID.String()+"/join", body, nil)
}

func (c *Client) LeaveDocument(ctx context.Context, documentID model.ID) error {
	return c.do(ctx, http.MethodPost, "/collaboration/"+documentID.String()+"/leave", nil, nil)
}

func (c *Client) OnlineUsers(ctx context.Context, documentID model.ID) ([]model.OnlineUser, error) {
	var data struct {
		OnlineUsers []model.OnlineUser `json:"onlineUsers"`
	}
	err := c.do(ctx, http.MethodGet, "/collaboration/"+documentID.String()+"/online-users", nil, &data)
	return data.OnlineUsers, err
}

func (c *Client) CreateConference(
	ctx context.Context,
	documentID model.ID,
	req CreateConferenceRequest,
) (model.Conference, error) {
	var conf model.Conference
	err := c.do(ctx, http.MethodPost, "/video-conference/document/"+documentID.String(), req, &conf)
	return conf, err
}

func (c *Client) DocumentConferences(ctx context.Context, documentID model.ID) ([]model.Conference, error) {
	var list []model.Conference
	err := c.do(ctx, http.MethodGet, "/video-conference/document/"+documentID.String(), nil, &list)
	return list, err
}

func (c *Client) JoinConference(ctx context.Context, conferenceID model.ID) error {
	return c.do(ctx, http.MethodPost, conferencePath(conferenceID, "join"), nil, nil)
}

func (c *Client) LeaveConference(ctx context.Context, conferenceID model.ID) error {
	return c.do(ctx, http.MethodPost, conferencePath(conferenceID, "leave"), nil, nil)
}

func (c *Client) EndConference(ctx context.Context, conferenceID model.ID) error {
	return c.do(ctx, http.MethodPost, conferencePath(conferenceID, "end"), nil, nil)
}

func (c *Client) Participants(ctx context.Context, conferenceID model.ID) ([]model.Participant, error) {
	var list []model.Participant
	err := c.do(ctx, http.MethodGet, conferencePath(conferenceID, "participants"), nil, &list)
	return list, err
}

func (c *Client) MessageHistory(ctx context.Context, conferenceID model.ID) ([]model.ChatMessage, error) {
	var list []model.ChatMessage
	err := c.do(ctx, http.MethodGet, conferencePath(conferenceID, "messages"), nil, &list)
	return list, err
}

func (c *Client) ToggleScreenSharing(ctx context.Context, conferenceID model.ID, sharing bool) error {
	body := struct {
		Sharing bool `json:"sharing"`
	}{sharing}
	return c.do(ctx, http.MethodPost, conferencePath(conferenceID, "screen-sharing"), body, nil)
}

// ToggleMedia broadcasts the local media state. Nil fields are left unchanged.
func (c *Client) ToggleMedia(ctx context.Context, conferenceID model.ID, video, audio *bool) error {
	body := struct {
		VideoEnabled *bool `json:"videoEnabled"`
		AudioEnabled *bool `json:"audioEnabled"`
	}{video, audio}
	return c.do(ctx, http.MethodPost, conferencePath(conferenceID, "media"), body, nil)
}

func conferencePath(conferenceID model.ID, action string) string {
	return "/video-conference/" + conferenceID.String() + "/" + action
}

// do performs one request. Any transport failure, non-2xx status or
// unsuccessful envelope is reported as ErrRequest joined with the cause.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Join(ErrRequest, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Join(ErrRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Join(ErrRequest, err)
	}
	defer func() {
		if errC := resp.Body.Close(); errC != nil {
			c.logger.Debug().Err(errC).Msg("failed to close response body")
		}
	}()

	var env Response
	if err = json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errors.Join(ErrRequest, fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, err))
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices || !env.Success {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return errors.Join(ErrRequest, fmt.Errorf("%s %s: %s", method, path, msg))
	}

	c.logger.Trace().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("request done")

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err = json.Unmarshal(env.Data, out); err != nil {
		return errors.Join(ErrRequest, fmt.Errorf("%s %s: decode data: %w", method, path, err))
	}
	return nil
}
