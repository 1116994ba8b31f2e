package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/twitch-eventsub-runtime/internal/breaker"
	"github.com/adred-codev/twitch-eventsub-runtime/internal/metrics"
	"github.com/adred-codev/twitch-eventsub-runtime/internal/token"
)

// EngineState is the per-user session state machine of §4.10.
type EngineState int

const (
	StateInit EngineState = iota
	StateValidatingToken
	StateConnecting
	StateHandshaking
	StateResolvingChannels
	StateSubscribing
	StateListening
	StateReconnecting
	StateStopped
)

func (s EngineState) String() string {
	switch s {
	case StateValidatingToken:
		return "validating_token"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateResolvingChannels:
		return "resolving_channels"
	case StateSubscribing:
		return "subscribing"
	case StateListening:
		return "listening"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "init"
	}
}

var requiredScopes = []string{"chat:read", "user:read:chat", "user:manage:chat_color"}

// ChannelResolver is the subset of the channel resolver Session needs.
type ChannelResolver interface {
	ResolveUserIDs(ctx context.Context, logins []string, accessToken, clientID string) (map[string]string, error)
}

// Dispatcher forwards a fully-decoded chat message to external handlers.
type Dispatcher struct {
	Message MessageHandler
	Command CommandHandler
}

func (d Dispatcher) dispatch(logger zerolog.Logger, msg ChatMessage) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("message handler panic recovered")
		}
	}()
	if d.Message != nil {
		d.Message(msg)
	}
	if len(msg.Text) > 0 && msg.Text[0] == '!' && d.Command != nil {
		d.Command(msg)
	}
}

// Session is the per-user Session Engine (C10): it owns the WebSocket
// connection, the subscription set, and the inbound message loop,
// driving all of them through the §4.10 state machine.
type Session struct {
	username string
	userID   string
	clientID string

	tokens   *token.Manager
	resolver ChannelResolver
	subs     *SubscriptionManager
	api      APIClient

	connector   *Connector
	state       *StateManager
	transceiver *Transceiver
	reconnector *Reconnector

	dispatcher Dispatcher

	staleThreshold  time.Duration
	subCheckInterval time.Duration

	mu              sync.Mutex
	engineState     EngineState
	joinedChannels  map[string]struct{}
	scopes          []string
	accessToken     string

	stop   chan struct{}
	logger zerolog.Logger
}

// Config groups the fixed per-session inputs the caller must supply.
type Config struct {
	Username         string
	ClientID         string
	AccessToken      string
	PrimaryChannel   string
	WSURL            string
	Heartbeat        time.Duration
	MessageTimeout   time.Duration
	MaxBackoff       time.Duration
	StaleThreshold   time.Duration
	SubCheckInterval time.Duration
	MaxConcurrentSub int
}

// NewSession wires a Session from its collaborators. The breaker
// registry is shared process-wide; tokens/resolver/logger are
// dependency-injected rather than constructed here.
func NewSession(cfg Config, tokens *token.Manager, resolver ChannelResolver, api APIClient, breakers *breaker.Registry, breakerCfg breaker.Config, dispatcher Dispatcher, logger zerolog.Logger) *Session {
	log := logger.With().Str("component", "session_engine").Str("user", cfg.Username).Logger()

	connector := NewConnector(cfg.WSURL, cfg.ClientID, cfg.AccessToken, cfg.Heartbeat, log)
	state := NewStateManager(connector)
	transceiver := NewTransceiver(connector, state, cfg.MessageTimeout)
	reconnector := NewReconnector(connector, breakers, breakerCfg, cfg.MaxBackoff, log)
	subs := NewSubscriptionManager(api, "", cfg.AccessToken, cfg.ClientID, cfg.MaxConcurrentSub, log)

	s := &Session{
		username:         cfg.Username,
		clientID:         cfg.ClientID,
		tokens:           tokens,
		resolver:         resolver,
		subs:             subs,
		api:              api,
		connector:        connector,
		state:            state,
		transceiver:      transceiver,
		reconnector:      reconnector,
		dispatcher:       dispatcher,
		staleThreshold:   orDefault(cfg.StaleThreshold, 60*time.Second),
		subCheckInterval: orDefault(cfg.SubCheckInterval, 5*time.Minute),
		joinedChannels:   map[string]struct{}{cfg.PrimaryChannel: {}},
		accessToken:      cfg.AccessToken,
		stop:             make(chan struct{}),
		logger:           log,
	}

	tokens.RegisterUpdateHook(cfg.Username, s.onTokenUpdated)
	tokens.RegisterInvalidationHook(cfg.Username, s.onTokenInvalidated)

	return s
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Run drives the session through INIT→LISTENING and then loops
// reconnecting for as long as ctx is alive and Stop has not been
// called.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			return ctx.Err()
		case <-s.stop:
			s.setState(StateStopped)
			return nil
		default:
		}

		if err := s.connectAndSubscribe(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("session setup failed, entering reconnect")
			if !s.waitBeforeRetry(ctx) {
				return nil
			}
			continue
		}

		s.listen(ctx)

		s.setState(StateReconnecting)
		if !s.waitBeforeRetry(ctx) {
			return nil
		}
	}
}

// Stop requests the Run loop to exit at its next opportunity.
func (s *Session) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

func (s *Session) setState(st EngineState) {
	s.mu.Lock()
	s.engineState = st
	s.mu.Unlock()
	metrics.SetSessionState(s.username, st.String())
}

func (s *Session) State() EngineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engineState
}

func (s *Session) waitBeforeRetry(ctx context.Context) bool {
	delay := s.reconnector.NextBackoff()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.stop:
		return false
	case <-timer.C:
		return true
	}
}

// connectAndSubscribe runs INIT through SUBSCRIBING.
func (s *Session) connectAndSubscribe(ctx context.Context) error {
	s.setState(StateValidatingToken)
	outcome := s.tokens.EnsureFresh(ctx, s.username, false)
	if outcome == token.Failed {
		return fmt.Errorf("token validation failed for %s", s.username)
	}
	if err := s.validateScopes(ctx); err != nil {
		return err
	}

	s.setState(StateConnecting)
	ok, err := s.reconnector.Attempt(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if !ok {
		return fmt.Errorf("connect: circuit breaker open")
	}

	s.setState(StateHandshaking)
	if err := s.handshake(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	s.setState(StateResolvingChannels)
	userID, err := s.resolvePrimaryChannel(ctx)
	if err != nil {
		return fmt.Errorf("resolve channels: %w", err)
	}
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()

	s.setState(StateSubscribing)
	if err := s.subs.UnsubscribeAll(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to clean up subscriptions from prior session")
	}
	s.subs.UpdateSessionID(s.state.SessionID())
	return s.subscribeAll(ctx)
}

// validateScopes aborts session setup if the current access token is
// missing any of the requiredScopes (§4.10 INIT → VALIDATING_TOKEN).
func (s *Session) validateScopes(ctx context.Context) error {
	s.mu.Lock()
	accessToken := s.accessToken
	s.mu.Unlock()
	if accessToken == "" {
		return fmt.Errorf("no access token available for %s", s.username)
	}

	info, err := s.api.ValidateToken(ctx, accessToken)
	if err != nil {
		return fmt.Errorf("validate scopes: %w", err)
	}
	if info == nil {
		return fmt.Errorf("validate scopes: token rejected")
	}

	have := make(map[string]struct{}, len(info.Scopes))
	for _, sc := range info.Scopes {
		have[sc] = struct{}{}
	}
	for _, required := range requiredScopes {
		if _, ok := have[required]; !ok {
			return fmt.Errorf("missing required scope %q", required)
		}
	}

	s.mu.Lock()
	s.scopes = info.Scopes
	s.mu.Unlock()
	return nil
}

// handshake implements the §4.8 welcome protocol: await a TEXT frame,
// answer a pending challenge if present, then parse the welcome
// envelope and capture the session id.
func (s *Session) handshake() error {
	frame, err := s.transceiver.Receive()
	if err != nil {
		return err
	}
	if frame.Kind != FrameText {
		return &ConnectionError{Op: "welcome", Err: fmt.Errorf("unexpected frame kind %d", frame.Kind)}
	}

	if pending := s.state.PendingChallenge(); pending != "" {
		var challenge challengeFrame
		if err := json.Unmarshal(frame.Data, &challenge); err != nil || challenge.Challenge != pending {
			return &ConnectionError{Op: "welcome", Err: fmt.Errorf("challenge mismatch")}
		}
		if err := s.transceiver.SendJSON(challengeResponse{Type: "challenge_response", Challenge: challenge.Challenge}); err != nil {
			return err
		}
		s.state.SetPendingChallenge("")
		frame, err = s.transceiver.Receive()
		if err != nil {
			return err
		}
	}

	var env envelope
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		return &ConnectionError{Op: "welcome", Err: err}
	}
	if env.Metadata.MessageType != "session_welcome" {
		return &ConnectionError{Op: "welcome", Err: fmt.Errorf("unexpected message_type %q", env.Metadata.MessageType)}
	}
	var welcome welcomePayload
	if err := json.Unmarshal(env.Payload, &welcome); err != nil || welcome.Session.ID == "" {
		return &ConnectionError{Op: "welcome", Err: fmt.Errorf("missing session id in welcome payload")}
	}

	s.state.SetSessionID(welcome.Session.ID)
	s.state.SetState(Connected)
	s.state.Touch()
	return nil
}

func (s *Session) resolvePrimaryChannel(ctx context.Context) (string, error) {
	s.mu.Lock()
	channels := make([]string, 0, len(s.joinedChannels))
	for c := range s.joinedChannels {
		channels = append(channels, c)
	}
	accessToken := s.accessToken
	s.mu.Unlock()

	ids, err := s.resolver.ResolveUserIDs(ctx, channels, accessToken, s.clientID)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("no channels resolved")
	}
	for _, id := range ids {
		return id, nil
	}
	return "", fmt.Errorf("no channels resolved")
}

func (s *Session) subscribeAll(ctx context.Context) error {
	s.mu.Lock()
	channels := make([]string, 0, len(s.joinedChannels))
	for c := range s.joinedChannels {
		channels = append(channels, c)
	}
	accessToken, userID := s.accessToken, s.userID
	s.mu.Unlock()

	ids, err := s.resolver.ResolveUserIDs(ctx, channels, accessToken, s.clientID)
	if err != nil {
		return err
	}
	for _, channelID := range ids {
		if _, err := s.subs.SubscribeChannelChat(ctx, channelID, userID); err != nil {
			s.logger.Warn().Err(err).Str("channel_id", channelID).Msg("subscribe failed")
		}
	}
	metrics.SubscriptionsActive.WithLabelValues(s.username).Set(float64(len(s.subs.ActiveChannelIDs())))
	s.setState(StateListening)
	return nil
}

// listen runs the inbound loop of §4.10 until a disconnect, timeout,
// or shutdown signal ends it.
func (s *Session) listen(ctx context.Context) {
	idleSleep := 100 * time.Millisecond
	const idleCeiling = time.Second
	lastActivity := time.Now()
	lastVerify := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		if time.Since(lastVerify) >= s.subCheckInterval {
			s.verifyAndResubscribe(ctx)
			lastVerify = time.Now()
		}

		frame, err := s.transceiver.Receive()
		if err != nil {
			if frame.Kind == FrameError {
				s.logger.Info().Err(err).Msg("connection error, reconnecting")
				return
			}
			if time.Since(lastActivity) > s.staleThreshold {
				s.logger.Warn().Msg("stale connection detected, reconnecting")
				return
			}
			continue
		}

		switch frame.Kind {
		case FrameClosed, FrameError:
			s.logger.Info().Msg("connection closed by peer, reconnecting")
			return
		case FrameText:
			lastActivity = time.Now()
			idleSleep = 100 * time.Millisecond
			if s.handleTextFrame(ctx, frame.Data) {
				return // server-directed reconnect requested
			}
		}

		if time.Since(lastActivity) > 30*time.Second {
			idleSleep *= 2
			if idleSleep > idleCeiling {
				idleSleep = idleCeiling
			}
			time.Sleep(idleSleep)
		}
	}
}

// handleTextFrame decodes one TEXT frame and dispatches it per §4.10;
// returns true if the session must be torn down and reconnected.
func (s *Session) handleTextFrame(ctx context.Context, data []byte) bool {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn().Err(err).Msg("failed to decode frame")
		return false
	}

	switch env.Metadata.MessageType {
	case "session_keepalive":
		s.state.Touch()
		return false
	case "session_reconnect":
		var payload reconnectPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.logger.Warn().Err(err).Msg("malformed session_reconnect payload")
			return false
		}
		s.logger.Info().Str("reconnect_url", payload.Session.ReconnectURL).Msg("server requested reconnect")
		s.connector.UpdateURL(payload.Session.ReconnectURL)
		return true
	case "notification":
		s.handleNotification(env.Payload)
		return false
	case "revocation":
		s.logger.Warn().Msg("subscription revoked by server")
		return false
	default:
		return false
	}
}

// handleNotification implements the §4.10.1 message dispatch contract.
func (s *Session) handleNotification(payload json.RawMessage) {
	var n notificationPayload
	if err := json.Unmarshal(payload, &n); err != nil {
		return
	}
	if n.Subscription.Type != chatMessageType {
		metrics.MessagesDropped.WithLabelValues(s.username).Inc()
		return
	}
	if n.Event.ChatterUserName == "" || n.Event.BroadcasterUserName == "" || n.Event.Message.Text == "" {
		metrics.MessagesDropped.WithLabelValues(s.username).Inc()
		return
	}
	msg := ChatMessage{
		ChatterUserName:     n.Event.ChatterUserName,
		BroadcasterUserName: n.Event.BroadcasterUserName,
		Text:                n.Event.Message.Text,
	}
	metrics.MessagesReceived.WithLabelValues(s.username).Inc()
	s.dispatcher.dispatch(s.logger, msg)
}

func (s *Session) verifyAndResubscribe(ctx context.Context) {
	active, err := s.subs.VerifySubscriptions(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("subscription verification failed")
		return
	}
	activeSet := make(map[string]struct{}, len(active))
	for _, id := range active {
		activeSet[id] = struct{}{}
	}

	s.mu.Lock()
	userID := s.userID
	accessToken := s.accessToken
	channels := make([]string, 0, len(s.joinedChannels))
	for c := range s.joinedChannels {
		channels = append(channels, c)
	}
	s.mu.Unlock()

	ids, err := s.resolver.ResolveUserIDs(ctx, channels, accessToken, s.clientID)
	if err != nil {
		return
	}
	for _, channelID := range ids {
		if _, ok := activeSet[channelID]; !ok {
			if _, err := s.subs.SubscribeChannelChat(ctx, channelID, userID); err != nil {
				s.logger.Warn().Err(err).Str("channel_id", channelID).Msg("resubscribe failed")
			}
		}
	}
	metrics.SubscriptionsActive.WithLabelValues(s.username).Set(float64(len(s.subs.ActiveChannelIDs())))
}

// JoinChannel adds login to the joined set; it takes effect on the
// next resubscribe pass.
func (s *Session) JoinChannel(login string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinedChannels[login] = struct{}{}
}

// LeaveChannel removes login from the joined set.
func (s *Session) LeaveChannel(login string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joinedChannels, login)
}

func (s *Session) onTokenUpdated(snap token.Snapshot) {
	s.mu.Lock()
	s.accessToken = snap.AccessToken
	s.mu.Unlock()
	s.connector.UpdateToken(snap.AccessToken)
	s.subs.UpdateAccessToken(snap.AccessToken)
}

func (s *Session) onTokenInvalidated(username string) {
	s.logger.Error().Str("user", username).Msg("token invalidated, stopping session")
	s.Stop()
}

// IsHealthy reports whether the underlying connection is open, in the
// Connected state, with a session id and recent activity. Satisfies
// supervisor.Engine.
func (s *Session) IsHealthy() bool {
	return s.state.IsHealthy()
}

// HasBackend reports whether a WebSocket connection currently exists.
// Satisfies supervisor.Engine.
func (s *Session) HasBackend() bool {
	return s.state.IsConnected()
}

// ForceReconnect tears down the current connection and rebuilds it
// through handshake and subscription, bypassing the Run loop's normal
// backoff wait. Satisfies supervisor.Engine.
func (s *Session) ForceReconnect(ctx context.Context) error {
	s.setState(StateReconnecting)
	s.connector.Disconnect()
	return s.connectAndSubscribe(ctx)
}

// HealthFields reports the per-field diagnostics the supervisor logs
// on unhealthy detection: time since last activity, connected flag,
// and whether the engine is currently in its listening state.
func (s *Session) HealthFields() map[string]any {
	return map[string]any{
		"since_last_activity": time.Since(s.state.LastActivity()).String(),
		"connected":           s.state.IsConnected(),
		"running":             s.State() == StateListening,
	}
}
