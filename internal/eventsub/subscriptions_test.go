package eventsub

import (
	"context"
	"net/url"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/twitch-eventsub-runtime/internal/twitchapi"
)

type fakeSubAPI struct {
	responses []twitchapi.Response
	calls     int
	lastBody  any
}

func (f *fakeSubAPI) Request(ctx context.Context, method, endpoint, accessToken, clientID string, query url.Values, jsonBody any) (twitchapi.Response, error) {
	idx := f.calls
	f.calls++
	f.lastBody = jsonBody
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return twitchapi.Response{Status: 200, Body: map[string]any{}}, nil
}

func (f *fakeSubAPI) ValidateToken(ctx context.Context, accessToken string) (*twitchapi.ValidateTokenInfo, error) {
	return &twitchapi.ValidateTokenInfo{}, nil
}

func TestSubscriptionManager_SubscribeChannelChatSuccess(t *testing.T) {
	api := &fakeSubAPI{responses: []twitchapi.Response{
		{Status: 202, Body: map[string]any{"data": []any{map[string]any{"id": "sub-1"}}}},
	}}
	m := NewSubscriptionManager(api, "session-1", "token", "cid", 10, zerolog.Nop())

	ok, err := m.SubscribeChannelChat(context.Background(), "channel-1", "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"channel-1"}, m.ActiveChannelIDs())
}

func TestSubscriptionManager_SubscribeUnauthorizedReturnsAuthError(t *testing.T) {
	api := &fakeSubAPI{responses: []twitchapi.Response{{Status: 401}}}
	m := NewSubscriptionManager(api, "session-1", "token", "cid", 10, zerolog.Nop())

	_, err := m.SubscribeChannelChat(context.Background(), "channel-1", "user-1")
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestSubscriptionManager_SubscribeForbiddenReturnsSubscriptionError(t *testing.T) {
	api := &fakeSubAPI{responses: []twitchapi.Response{{Status: 403}}}
	m := NewSubscriptionManager(api, "session-1", "token", "cid", 10, zerolog.Nop())

	_, err := m.SubscribeChannelChat(context.Background(), "channel-1", "user-1")
	var subErr *SubscriptionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, 403, subErr.Status)
}

func TestSubscriptionManager_VerifySubscriptionsFiltersByTypeAndSession(t *testing.T) {
	api := &fakeSubAPI{responses: []twitchapi.Response{
		{Status: 202, Body: map[string]any{"data": []any{map[string]any{"id": "sub-1"}}}},
		{Status: 200, Body: map[string]any{"data": []any{
			map[string]any{
				"type":      "channel.chat.message",
				"transport": map[string]any{"session_id": "session-1"},
				"condition": map[string]any{"broadcaster_user_id": "channel-1"},
			},
			map[string]any{
				"type":      "channel.chat.message",
				"transport": map[string]any{"session_id": "some-other-session"},
				"condition": map[string]any{"broadcaster_user_id": "channel-2"},
			},
			map[string]any{
				"type":      "channel.follow",
				"transport": map[string]any{"session_id": "session-1"},
				"condition": map[string]any{"broadcaster_user_id": "channel-3"},
			},
		}}},
	}}
	m := NewSubscriptionManager(api, "session-1", "token", "cid", 10, zerolog.Nop())
	_, err := m.SubscribeChannelChat(context.Background(), "channel-1", "user-1")
	require.NoError(t, err)

	active, err := m.VerifySubscriptions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"channel-1"}, active)
}

func TestSubscriptionManager_UnsubscribeAllClearsMapEvenOnPartialFailure(t *testing.T) {
	api := &fakeSubAPI{responses: []twitchapi.Response{
		{Status: 202, Body: map[string]any{"data": []any{map[string]any{"id": "sub-1"}}}},
		{Status: 500},
	}}
	m := NewSubscriptionManager(api, "session-1", "token", "cid", 10, zerolog.Nop())
	_, err := m.SubscribeChannelChat(context.Background(), "channel-1", "user-1")
	require.NoError(t, err)

	err = m.UnsubscribeAll(context.Background())
	assert.Error(t, err)
	assert.Empty(t, m.ActiveChannelIDs())
}

func TestSubscriptionManager_SessionRotationUnsubscribesOldBeforeResubscribing(t *testing.T) {
	api := &fakeSubAPI{responses: []twitchapi.Response{
		{Status: 202, Body: map[string]any{"data": []any{map[string]any{"id": "sub-1"}}}}, // subscribe under session-1
		{Status: 204},                                                                      // unsubscribe sub-1 on rotation
		{Status: 202, Body: map[string]any{"data": []any{map[string]any{"id": "sub-2"}}}}, // resubscribe under session-2
		{Status: 200, Body: map[string]any{"data": []any{
			map[string]any{
				"type":      "channel.chat.message",
				"transport": map[string]any{"session_id": "session-2"},
				"condition": map[string]any{"broadcaster_user_id": "channel-1"},
			},
		}}},
	}}
	m := NewSubscriptionManager(api, "session-1", "token", "cid", 10, zerolog.Nop())

	_, err := m.SubscribeChannelChat(context.Background(), "channel-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"channel-1"}, m.ActiveChannelIDs())

	// session_reconnect: rotate to session-2, per §5 ordering guarantee 2
	// old-session subscriptions must be torn down before the new session
	// id takes effect and channels are resubscribed.
	require.NoError(t, m.UnsubscribeAll(context.Background()))
	assert.Empty(t, m.ActiveChannelIDs())
	m.UpdateSessionID("session-2")

	_, err = m.SubscribeChannelChat(context.Background(), "channel-1", "user-1")
	require.NoError(t, err)

	active, err := m.VerifySubscriptions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"channel-1"}, active, "only the session-2 subscription should remain, no duplicate left over from session-1")
}

func TestSubscriptionManager_UpdateSessionIDAffectsNewSubscriptions(t *testing.T) {
	api := &fakeSubAPI{responses: []twitchapi.Response{
		{Status: 202, Body: map[string]any{"data": []any{map[string]any{"id": "sub-1"}}}},
	}}
	m := NewSubscriptionManager(api, "session-1", "token", "cid", 10, zerolog.Nop())
	m.UpdateSessionID("session-2")

	_, err := m.SubscribeChannelChat(context.Background(), "channel-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "session-2", m.sessionID)

	body, ok := api.lastBody.(map[string]any)
	require.True(t, ok)
	transport, ok := body["transport"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "session-2", transport["session_id"])
}
