package eventsub

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/twitch-eventsub-runtime/internal/twitchapi"
)

type fakeSessionAPI struct {
	fakeSubAPI
	validateInfo *twitchapi.ValidateTokenInfo
	validateErr  error
}

func (f *fakeSessionAPI) ValidateToken(ctx context.Context, accessToken string) (*twitchapi.ValidateTokenInfo, error) {
	return f.validateInfo, f.validateErr
}

var _ APIClient = (*fakeSessionAPI)(nil)

func newTestSessionWithAPI(api *fakeSessionAPI) *Session {
	s := &Session{
		username:    "viewer1",
		clientID:    "cid",
		api:         api,
		accessToken: "access-token",
		logger:      zerolog.Nop(),
	}
	return s
}

func TestValidateScopes_AllPresentSucceeds(t *testing.T) {
	api := &fakeSessionAPI{validateInfo: &twitchapi.ValidateTokenInfo{
		Scopes: []string{"chat:read", "user:read:chat", "user:manage:chat_color", "extra:scope"},
	}}
	s := newTestSessionWithAPI(api)

	err := s.validateScopes(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, api.validateInfo.Scopes, s.scopes)
}

func TestValidateScopes_MissingScopeFails(t *testing.T) {
	api := &fakeSessionAPI{validateInfo: &twitchapi.ValidateTokenInfo{
		Scopes: []string{"chat:read"},
	}}
	s := newTestSessionWithAPI(api)

	err := s.validateScopes(context.Background())
	assert.Error(t, err)
}

func TestValidateScopes_RejectedTokenFails(t *testing.T) {
	api := &fakeSessionAPI{validateInfo: nil}
	s := newTestSessionWithAPI(api)

	err := s.validateScopes(context.Background())
	assert.Error(t, err)
}

func TestHandleNotification_DispatchesWellFormedChatMessage(t *testing.T) {
	var gotMessage, gotCommand ChatMessage
	var messageCalled, commandCalled bool

	s := &Session{
		logger: zerolog.Nop(),
		dispatcher: Dispatcher{
			Message: func(m ChatMessage) { messageCalled = true; gotMessage = m },
			Command: func(m ChatMessage) { commandCalled = true; gotCommand = m },
		},
	}

	payload := []byte(`{
		"subscription": {"type": "channel.chat.message"},
		"event": {
			"chatter_user_name": "alice",
			"broadcaster_user_name": "bob",
			"message": {"text": "hello there"}
		}
	}`)

	s.handleNotification(payload)
	assert.True(t, messageCalled)
	assert.False(t, commandCalled)
	assert.Equal(t, "alice", gotMessage.ChatterUserName)
	assert.Equal(t, "hello there", gotMessage.Text)
	_ = gotCommand
}

func TestHandleNotification_CommandPrefixInvokesBothHandlers(t *testing.T) {
	var messageCalled, commandCalled bool
	s := &Session{
		logger: zerolog.Nop(),
		dispatcher: Dispatcher{
			Message: func(m ChatMessage) { messageCalled = true },
			Command: func(m ChatMessage) { commandCalled = true },
		},
	}

	payload := []byte(`{
		"subscription": {"type": "channel.chat.message"},
		"event": {
			"chatter_user_name": "alice",
			"broadcaster_user_name": "bob",
			"message": {"text": "!color red"}
		}
	}`)

	s.handleNotification(payload)
	assert.True(t, messageCalled)
	assert.True(t, commandCalled)
}

func TestHandleNotification_MissingRequiredFieldDropsMessage(t *testing.T) {
	var called bool
	s := &Session{
		logger:     zerolog.Nop(),
		dispatcher: Dispatcher{Message: func(m ChatMessage) { called = true }},
	}

	payload := []byte(`{
		"subscription": {"type": "channel.chat.message"},
		"event": {
			"chatter_user_name": "",
			"broadcaster_user_name": "bob",
			"message": {"text": "hello"}
		}
	}`)

	s.handleNotification(payload)
	assert.False(t, called)
}

func TestHandleNotification_WrongSubscriptionTypeDropsMessage(t *testing.T) {
	var called bool
	s := &Session{
		logger:     zerolog.Nop(),
		dispatcher: Dispatcher{Message: func(m ChatMessage) { called = true }},
	}

	payload := []byte(`{
		"subscription": {"type": "channel.follow"},
		"event": {
			"chatter_user_name": "alice",
			"broadcaster_user_name": "bob",
			"message": {"text": "hello"}
		}
	}`)

	s.handleNotification(payload)
	assert.False(t, called)
}

func TestHandleNotification_HandlerPanicIsRecovered(t *testing.T) {
	s := &Session{
		logger: zerolog.Nop(),
		dispatcher: Dispatcher{
			Message: func(m ChatMessage) { panic("boom") },
		},
	}

	payload := []byte(`{
		"subscription": {"type": "channel.chat.message"},
		"event": {
			"chatter_user_name": "alice",
			"broadcaster_user_name": "bob",
			"message": {"text": "hello"}
		}
	}`)

	assert.NotPanics(t, func() { s.handleNotification(payload) })
}

func TestJoinLeaveChannel(t *testing.T) {
	s := &Session{joinedChannels: map[string]struct{}{"seed": {}}}
	s.JoinChannel("extra")
	assert.Contains(t, s.joinedChannels, "extra")

	s.LeaveChannel("seed")
	assert.NotContains(t, s.joinedChannels, "seed")
}
