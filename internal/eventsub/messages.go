package eventsub

import "encoding/json"

// envelope is the outer shape every EventSub WebSocket frame shares.
type envelope struct {
	Metadata struct {
		MessageType string `json:"message_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type welcomePayload struct {
	Session struct {
		ID                      string `json:"id"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	} `json:"session"`
}

type reconnectPayload struct {
	Session struct {
		ID              string `json:"id"`
		ReconnectURL    string `json:"reconnect_url"`
	} `json:"session"`
}

// notificationPayload is the shape of a channel.chat.message
// notification; only the fields of §4.10.1's dispatch contract are
// decoded, and the rest of the payload is discarded.
type notificationPayload struct {
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
	Event struct {
		ChatterUserName     string `json:"chatter_user_name"`
		BroadcasterUserName string `json:"broadcaster_user_name"`
		Message             struct {
			Text string `json:"text"`
		} `json:"message"`
	} `json:"event"`
}

type challengeFrame struct {
	Challenge string `json:"challenge"`
}

type challengeResponse struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

// ChatMessage is the dispatch-contract payload handed to registered
// message/command handlers (§4.10.1). A message missing any of these
// required fields is dropped before a handler ever sees it.
type ChatMessage struct {
	ChatterUserName     string
	BroadcasterUserName string
	Text                string
}

// MessageHandler processes every well-formed channel.chat.message
// notification.
type MessageHandler func(ChatMessage)

// CommandHandler processes notifications whose text begins with "!",
// in addition to the unconditional MessageHandler call.
type CommandHandler func(ChatMessage)
