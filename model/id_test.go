package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDAcceptsNumbersAndStrings(t *testing.T) {
	var v struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":17,"b":"conf-1","c":null}`), &v))
	assert.Equal(t, ID("17"), v.A)
	assert.Equal(t, ID("conf-1"), v.B)
	assert.True(t, v.C.IsZero())

	assert.ErrorIs(t, json.Unmarshal([]byte(`{"a":true}`), &v), ErrInvalidID)
}

func TestIDMarshal(t *testing.T) {
	b, err := json.Marshal(ChatRequest{UserID: "17", Content: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":17,"content":"hi"}`, string(b))

	b, err = json.Marshal(ChatMessage{Content: "joined"})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"userId":null`)

	b, err = json.Marshal(ID("abc"))
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, string(b))
}

func TestIDMarshalKeepsNonCanonicalDigitsQuoted(t *testing.T) {
	for id, want := range map[ID]string{
		"0":                    `0`,
		"-5":                   `-5`,
		"007":                  `"007"`,
		"+1":                   `"+1"`,
		"-0":                   `"-0"`,
		"99999999999999999999": `"99999999999999999999"`,
	} {
		b, err := json.Marshal(id)
		require.NoError(t, err, id)
		assert.Equal(t, want, string(b), id)
	}

	b, err := json.Marshal(ContentUpdate{UserID: "007", Content: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":"007","content":"x"}`, string(b))

	var back ContentUpdate
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, ID("007"), back.UserID)
}

func TestConferenceStates(t *testing.T) {
	var c Conference
	require.NoError(t, json.Unmarshal([]byte(`{"conferenceId":"conf_1700000000000_42","status":"ENDED"}`), &c))
	assert.Equal(t, ConferenceStateEnded, c.State)
	assert.NotEqual(t, ConferenceStateOpen, c.State)

	b, err := json.Marshal(ConferenceEnded{ConferenceID: c.ID, Message: "bye"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"conferenceId":"conf_1700000000000_42","message":"bye"}`, string(b))
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "/topic/document/7/cursors", DocumentTopic("7", KindCursors))
	assert.Equal(t, "/topic/conference/c1/video-frames", ConferenceTopic("c1", KindVideoFrames))
	assert.Equal(t, "/topic/user/3/queue/notifications", NotificationsTopic("3"))
	assert.Equal(t, "/app/document/7/content", DocumentDestination("7", KindContent))
	assert.Equal(t, "/app/conference/c1/send-message", ConferenceDestination("c1", KindSendMessage))
}

func TestTopicFor(t *testing.T) {
	for dest, topic := range map[string]string{
		"/app/document/7/content":         "/topic/document/7/content",
		"/app/document/7/cursor":          "/topic/document/7/cursors",
		"/app/conference/c1/send-message": "/topic/conference/c1/messages",
		"/app/conference/c1/video-frame":  "/topic/conference/c1/video-frames",
		"/app/conference/c1/audio-data":   "/topic/conference/c1/audio-data",
		"/app/conference/c1/unknown":      "/app/conference/c1/unknown",
		"/topic/document/7/content":       "/topic/document/7/content",
		"/app/bare":                       "/app/bare",
	} {
		assert.Equal(t, topic, TopicFor(dest), dest)
	}
}
