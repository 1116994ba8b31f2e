package eventsub

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/twitch-eventsub-runtime/internal/twitchapi"
)

const subscriptionsEndpoint = "eventsub/subscriptions"
const chatMessageType = "channel.chat.message"

// APIClient is the subset of the Helix client the Session Engine and
// SubscriptionManager depend on.
type APIClient interface {
	Request(ctx context.Context, method, endpoint, accessToken, clientID string, query url.Values, jsonBody any) (twitchapi.Response, error)
	ValidateToken(ctx context.Context, accessToken string) (*twitchapi.ValidateTokenInfo, error)
}

// SubscriptionManager owns {subscriptionId → channelId} for one
// session, bounding concurrent subscribe calls with a semaphore.
type SubscriptionManager struct {
	api      APIClient
	clientID string

	mu          sync.Mutex
	sessionID   string
	accessToken string
	active      map[string]string

	sem    chan struct{}
	logger zerolog.Logger
}

func NewSubscriptionManager(api APIClient, sessionID, accessToken, clientID string, maxConcurrent int, logger zerolog.Logger) *SubscriptionManager {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &SubscriptionManager{
		api:         api,
		clientID:    clientID,
		sessionID:   sessionID,
		accessToken: accessToken,
		active:      make(map[string]string),
		sem:         make(chan struct{}, maxConcurrent),
		logger:      logger.With().Str("component", "subscription_manager").Logger(),
	}
}

// SubscribeChannelChat creates a channel.chat.message subscription for
// channelID filtered to userID.
func (s *SubscriptionManager) SubscribeChannelChat(ctx context.Context, channelID, userID string) (bool, error) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	s.mu.Lock()
	sessionID, token := s.sessionID, s.accessToken
	s.mu.Unlock()

	body := map[string]any{
		"type":    chatMessageType,
		"version": "1",
		"condition": map[string]string{
			"broadcaster_user_id": channelID,
			"user_id":             userID,
		},
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}

	resp, err := s.api.Request(ctx, "POST", subscriptionsEndpoint, token, s.clientID, nil, body)
	if err != nil {
		return false, &SubscriptionError{Op: "subscribe", Err: err}
	}

	switch resp.Status {
	case 202:
		id := extractSubscriptionID(resp.Body)
		if id == "" {
			s.logger.Warn().Str("channel_id", channelID).Msg("subscription created but no id returned")
			return false, nil
		}
		s.mu.Lock()
		s.active[id] = channelID
		s.mu.Unlock()
		return true, nil
	case 401:
		return false, &AuthError{Op: "subscribe"}
	default:
		return false, &SubscriptionError{Op: "subscribe", Status: resp.Status}
	}
}

// VerifySubscriptions fetches the live subscription list from Helix,
// keeps only entries matching this session, and returns the channel
// ids still subscribed.
func (s *SubscriptionManager) VerifySubscriptions(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	sessionID, token := s.sessionID, s.accessToken
	s.mu.Unlock()

	resp, err := s.api.Request(ctx, "GET", subscriptionsEndpoint, token, s.clientID, nil, nil)
	if err != nil {
		return nil, &SubscriptionError{Op: "verify", Err: err}
	}
	if resp.Status == 401 {
		return nil, &AuthError{Op: "verify"}
	}
	if resp.Status != 200 {
		return nil, &SubscriptionError{Op: "verify", Status: resp.Status}
	}

	activeChannelIDs := extractActiveChannelIDs(resp.Body, sessionID)

	s.mu.Lock()
	activeSet := make(map[string]struct{}, len(activeChannelIDs))
	for _, id := range activeChannelIDs {
		activeSet[id] = struct{}{}
	}
	for subID, channelID := range s.active {
		if _, ok := activeSet[channelID]; !ok {
			delete(s.active, subID)
		}
	}
	s.mu.Unlock()

	return activeChannelIDs, nil
}

// UnsubscribeAll deletes every tracked subscription, aggregating
// per-id failures into a single error raised after the map is cleared.
func (s *SubscriptionManager) UnsubscribeAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	token := s.accessToken
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	var failures []string
	for _, id := range ids {
		if err := s.unsubscribeSingle(ctx, id, token); err != nil {
			s.logger.Warn().Err(err).Str("subscription_id", id).Msg("unsubscribe failed")
			failures = append(failures, id)
		}
	}

	s.mu.Lock()
	s.active = make(map[string]string)
	s.mu.Unlock()

	if len(failures) > 0 {
		return &SubscriptionError{Op: "unsubscribe", Err: fmt.Errorf("%d of %d deletions failed: %s", len(failures), len(ids), strings.Join(failures, ", "))}
	}
	return nil
}

func (s *SubscriptionManager) unsubscribeSingle(ctx context.Context, subID, token string) error {
	resp, err := s.api.Request(ctx, "DELETE", subscriptionsEndpoint+"?id="+subID, token, s.clientID, nil, nil)
	if err != nil {
		return &SubscriptionError{Op: "unsubscribe", Err: err}
	}
	switch resp.Status {
	case 204:
		return nil
	case 401:
		return &AuthError{Op: "unsubscribe"}
	case 404:
		s.logger.Warn().Str("subscription_id", subID).Msg("subscription already absent")
		return nil
	default:
		return &SubscriptionError{Op: "unsubscribe", Status: resp.Status}
	}
}

// ActiveChannelIDs returns the distinct channel ids currently tracked.
func (s *SubscriptionManager) ActiveChannelIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	out := make([]string, 0, len(s.active))
	for _, channelID := range s.active {
		if _, ok := seen[channelID]; ok {
			continue
		}
		seen[channelID] = struct{}{}
		out = append(out, channelID)
	}
	return out
}

// UpdateSessionID switches the session id used for new subscriptions.
// Cleanup of the old session's subscriptions must happen before this
// is called, per §5 ordering guarantee 2.
func (s *SubscriptionManager) UpdateSessionID(newSessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = newSessionID
}

// UpdateAccessToken swaps the token used for subsequent calls,
// following the Token Manager's update hook.
func (s *SubscriptionManager) UpdateAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = token
}

func extractSubscriptionID(data map[string]any) string {
	rows, ok := data["data"].([]any)
	if !ok || len(rows) == 0 {
		return ""
	}
	row, ok := rows[0].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := row["id"].(string)
	return id
}

func extractActiveChannelIDs(data map[string]any, sessionID string) []string {
	rows, ok := data["data"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, raw := range rows {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if entry["type"] != chatMessageType {
			continue
		}
		transport, ok := entry["transport"].(map[string]any)
		if !ok || transport["session_id"] != sessionID {
			continue
		}
		condition, ok := entry["condition"].(map[string]any)
		if !ok {
			continue
		}
		channelID, ok := condition["broadcaster_user_id"].(string)
		if !ok {
			continue
		}
		out = append(out, channelID)
	}
	return out
}
