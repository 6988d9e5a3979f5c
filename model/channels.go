package model

import (
	"fmt"
	"strings"
)

// Broker destinations. Topics are subscribed to, app destinations are
// published to and re-broadcast by the backend on the matching topic.
const (
	topicDocument      = "/topic/document/%s/%s"
	topicConference    = "/topic/conference/%s/%s"
	topicNotifications = "/topic/user/%s/queue/notifications"
	appDocument        = "/app/document/%s/%s"
	appConference      = "/app/conference/%s/%s"
)

// Document channel kinds.
const (
	KindContent     = "content"
	KindCursors     = "cursors"
	KindUsers       = "users"
	KindComments    = "comments"
	KindTasks       = "tasks"
	KindConferences = "conferences"
)

// Conference channel kinds.
const (
	KindParticipants  = "participants"
	KindMessages      = "messages"
	KindScreenSharing = "screen-sharing"
	KindMediaStatus   = "media-status"
	KindEnded         = "ended"
	KindVideoFrames   = "video-frames"
	KindAudioData     = "audio-data"
)

// Publish kinds.
const (
	KindCursor      = "cursor"
	KindSendMessage = "send-message"
	KindVideoFrame  = "video-frame"
)

func DocumentTopic(documentID ID, kind string) string {
	return fmt.Sprintf(topicDocument, documentID, kind)
}

func ConferenceTopic(conferenceID ID, kind string) string {
	return fmt.Sprintf(topicConference, conferenceID, kind)
}

func NotificationsTopic(userID ID) string {
	return fmt.Sprintf(topicNotifications, userID)
}

func DocumentDestination(documentID ID, kind string) string {
	return fmt.Sprintf(appDocument, documentID, kind)
}

func ConferenceDestination(conferenceID ID, kind string) string {
	return fmt.Sprintf(appConference, conferenceID, kind)
}

// appRoutes maps the kind of an app destination to the topic kind the
// backend re-broadcasts it on.
var appRoutes = map[string]string{
	KindContent:     KindContent,
	KindCursor:      KindCursors,
	KindSendMessage: KindMessages,
	KindVideoFrame:  KindVideoFrames,
	KindAudioData:   KindAudioData,
}

// TopicFor returns the topic on which a message published to destination is
// delivered. Destinations that are not routed are returned unchanged.
func TopicFor(destination string) string {
	rest, ok := strings.CutPrefix(destination, "/app/")
	if !ok {
		return destination
	}
	i := strings.LastIndexByte(rest, '/')
	if i < 0 {
		return destination
	}
	kind, ok := appRoutes[rest[i+1:]]
	if !ok {
		return destination
	}
	return "/topic/" + rest[:i+1] + kind
}
