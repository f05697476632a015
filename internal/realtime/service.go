package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/adred-codev/parkdog_dm/internal/bus"
	"github.com/adred-codev/parkdog_dm/internal/delivery"
	"github.com/adred-codev/parkdog_dm/internal/limits"
	"github.com/adred-codev/parkdog_dm/internal/monitoring"
	"github.com/adred-codev/parkdog_dm/internal/presence"
	"github.com/adred-codev/parkdog_dm/internal/protocol"
	"github.com/adred-codev/parkdog_dm/internal/sanitize"
	"github.com/adred-codev/parkdog_dm/internal/social"
	"github.com/adred-codev/parkdog_dm/internal/store"
)

// DefaultPresenceTTL is the lease on presence and viewing records. Pumps
// refresh it well inside the window.
const DefaultPresenceTTL = 60 * time.Second

// Enqueuer hands persisted messages to the delivery pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, job delivery.Job) error
}

type Deps struct {
	Store     store.Store
	Social    social.Checker
	Presence  presence.Registry
	Limiter   limits.Limiter
	Sanitizer *sanitize.Sanitizer
	Bus       bus.Bus
	Delivery  Enqueuer
	Logger    zerolog.Logger
}

type Options struct {
	PresenceTTL time.Duration
	// HideInternalErrors withholds error detail from INTERNAL_ERROR frames.
	HideInternalErrors bool
}

// Service implements the chat protocol on top of the store, presence and
// bus. It owns no sockets; the Server feeds it frames.
type Service struct {
	store     store.Store
	social    social.Checker
	presence  presence.Registry
	limiter   limits.Limiter
	sanitizer *sanitize.Sanitizer
	bus       bus.Bus
	delivery  Enqueuer
	validate  *validator.Validate
	hub       *Hub
	logger    zerolog.Logger
	opts      Options

	routes map[string]*route
	invoke Invoker
}

func NewService(d Deps, opts Options) *Service {
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = DefaultPresenceTTL
	}
	logger := d.Logger.With().Str("component", "realtime").Logger()

	s := &Service{
		store:     d.Store,
		social:    d.Social,
		presence:  d.Presence,
		limiter:   d.Limiter,
		sanitizer: d.Sanitizer,
		bus:       d.Bus,
		delivery:  d.Delivery,
		validate:  sanitize.NewValidator(),
		hub:       NewHub(d.Logger),
		logger:    logger,
		opts:      opts,
	}
	s.routes = s.buildRoutes()
	s.invoke = chain(dispatch,
		s.recoverer,
		s.instrument,
		s.requireSession,
		s.rateLimit,
		s.decode,
		s.touchPresence,
	)
	return s
}

// Hub exposes the local fan-out so the bus can be wired to it.
func (s *Service) Hub() *Hub { return s.hub }

// Connect registers a freshly authenticated connection: socket binding,
// presence lease, personal channel and an online announcement.
func (s *Service) Connect(ctx context.Context, c *Client) {
	ttl := s.opts.PresenceTTL
	if err := s.presence.Bind(ctx, c.id, c.userID, ttl); err != nil {
		s.logger.Warn().Err(err).Str("conn_id", c.id).Msg("Socket binding failed")
	}
	if err := s.presence.SetOnline(ctx, c.userID, c.id, ttl); err != nil {
		s.logger.Warn().Err(err).Str("user_id", c.userID).Msg("Presence update failed")
	}

	s.hub.Subscribe(c, bus.UserChannel(c.userID))

	s.publish(ctx, protocol.EventOnline, protocol.Presence{UserID: c.userID, Online: true}, c.id,
		bus.PresenceChannel(c.userID))
}

// Disconnect releases everything Connect and join acquired. It runs once per
// connection from the read pump's exit path.
func (s *Service) Disconnect(ctx context.Context, c *Client) {
	c.leaseMu.Lock()
	c.close()
	c.leaseMu.Unlock()

	s.hub.Remove(c)

	for conv := range c.joinedConversations() {
		if err := s.presence.ClearViewing(ctx, c.userID, conv, c.id); err != nil {
			s.logger.Debug().Err(err).Str("conversation_id", conv).Msg("Clear viewing failed")
		}
	}
	if err := s.presence.Unbind(ctx, c.id); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Unbind failed")
	}

	stillOnline, err := s.presence.Disconnect(ctx, c.userID, c.id)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", c.userID).Msg("Presence disconnect failed")
		return
	}
	if stillOnline {
		return
	}

	now := time.Now().UTC()
	s.publish(ctx, protocol.EventOffline, protocol.Presence{UserID: c.userID, Online: false, LastSeen: &now}, "",
		bus.PresenceChannel(c.userID))
}

// Refresh extends the presence and viewing leases of a live connection.
func (s *Service) Refresh(ctx context.Context, c *Client) {
	c.leaseMu.Lock()
	defer c.leaseMu.Unlock()
	if c.closed() {
		return
	}

	ttl := s.opts.PresenceTTL
	if err := s.presence.Touch(ctx, c.userID, c.id, ttl); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Presence refresh failed")
	}
	for conv := range c.joinedConversations() {
		if err := s.presence.SetViewing(ctx, c.userID, conv, c.id, ttl); err != nil {
			s.logger.Debug().Err(err).Str("conversation_id", conv).Msg("Viewing refresh failed")
		}
	}
}

// publish sends an envelope on the bus. Failures are logged; live fan-out is
// best effort and the delivery pipeline covers missed messages.
func (s *Service) publish(ctx context.Context, eventType string, data any, origin string, channels ...string) error {
	env, err := bus.NewEnvelope(eventType, data, origin, channels...)
	if err == nil {
		err = s.bus.Publish(ctx, env)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("type", eventType).Strs("channels", channels).Msg("Bus publish failed")
	}
	return err
}

// authorize runs the membership, block and match checks in that order and
// returns the peer.
func (s *Service) authorize(ctx context.Context, userID string, conv *store.Conversation) (string, error) {
	if !conv.HasParticipant(userID) {
		return "", errNotParticipant
	}
	peer := conv.Peer(userID)
	if err := s.checkPair(ctx, userID, peer); err != nil {
		return "", err
	}
	return peer, nil
}

func (s *Service) checkPair(ctx context.Context, userID, peer string) error {
	blocked, err := s.social.IsBlocked(ctx, userID, peer)
	if err != nil {
		return err
	}
	if blocked {
		return errBlocked
	}
	matched, err := s.social.IsMutualMatch(ctx, userID, peer)
	if err != nil {
		return err
	}
	if !matched {
		return errNoMatch
	}
	return nil
}

func (s *Service) loadConversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errConversationNotFound
	}
	return conv, err
}

// member loads a conversation and checks only membership.
func (s *Service) member(ctx context.Context, userID, conversationID string) (*store.Conversation, error) {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, errNotParticipant
	}
	return conv, nil
}

func (s *Service) join(ctx context.Context, c *Client, req *protocol.JoinRequest) error {
	var (
		conv *store.Conversation
		peer string
		err  error
	)
	switch {
	case req.ConversationID != "":
		if conv, err = s.loadConversation(ctx, req.ConversationID); err != nil {
			return err
		}
		if peer, err = s.authorize(ctx, c.userID, conv); err != nil {
			return err
		}
	case req.PeerID != "":
		if req.PeerID == c.userID {
			return newError(protocol.CodeInvalidData, "cannot open a conversation with yourself")
		}
		if err = s.checkPair(ctx, c.userID, req.PeerID); err != nil {
			return err
		}
		if conv, err = s.store.GetOrCreateConversation(ctx, c.userID, req.PeerID); err != nil {
			return err
		}
		peer = req.PeerID
	default:
		return newError(protocol.CodeInvalidData, "conversationId or peerId is required")
	}

	page, err := s.store.ListMessages(ctx, conv.ID, store.DefaultPageSize, "")
	if err != nil {
		return err
	}
	messages := make([]*store.Message, len(page))
	for i := range page {
		messages[len(page)-1-i] = &page[i]
	}
	var cursor *string
	if len(page) == store.DefaultPageSize {
		oldest := messages[0].ID
		cursor = &oldest
	}

	unread, err := s.store.UnreadCount(ctx, conv.ID, c.userID)
	if err != nil {
		return err
	}
	peerOnline, err := s.presence.IsOnline(ctx, peer)
	if err != nil {
		s.logger.Debug().Err(err).Str("user_id", peer).Msg("Peer presence lookup failed")
		peerOnline = false
	}

	c.markJoined(conv.ID, peer)
	s.hub.Subscribe(c, bus.ConversationChannel(conv.ID), bus.PresenceChannel(peer))
	if err := s.presence.SetViewing(ctx, c.userID, conv.ID, c.id, s.opts.PresenceTTL); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("Set viewing failed")
	}

	s.hub.Reply(c, protocol.EventJoined, protocol.Joined{
		ConversationID: conv.ID,
		PeerID:         peer,
		Messages:       messages,
		Cursor:         cursor,
		KeyVersion:     conv.KeyVersion,
		PeerOnline:     peerOnline,
		UnreadCount:    unread,
	})
	return nil
}

func (s *Service) send(ctx context.Context, c *Client, req *protocol.SendRequest) error {
	conv, err := s.loadConversation(ctx, req.ConversationID)
	if err != nil {
		return err
	}
	peer, err := s.authorize(ctx, c.userID, conv)
	if err != nil {
		return err
	}

	clean, err := s.sanitizer.Clean(req.Text)
	if err != nil {
		return wrapError(protocol.CodeInvalidMessage, err.Error(), err)
	}
	if len(clean.Warnings) > 0 {
		s.logger.Debug().Strs("warnings", clean.Warnings).Str("user_id", c.userID).Msg("Message text sanitized")
	}

	msg, created, err := s.store.AppendMessage(ctx, store.AppendParams{
		ConversationID: conv.ID,
		SenderID:       c.userID,
		Text:           clean.Text,
		ClientToken:    req.TempID,
	})
	if err != nil {
		return wrapError(protocol.CodeMessageFailed, "failed to save message", err)
	}
	monitoring.RecordMessagePersisted(created)

	s.hub.Reply(c, protocol.EventAck, protocol.Ack{
		TempID:         req.TempID,
		ServerID:       msg.ID,
		Timestamp:      msg.CreatedAt,
		ConversationID: conv.ID,
		Duplicate:      !created,
	})
	if !created {
		return nil
	}

	pubErr := s.publish(ctx, protocol.EventNew, protocol.NewMessage{ConversationID: conv.ID, Message: msg}, c.id,
		bus.ConversationChannel(conv.ID),
		bus.UserChannel(c.userID),
		bus.UserChannel(peer),
	)

	job := delivery.Job{
		MessageID:      msg.ID,
		ReceiverID:     peer,
		ConversationID: conv.ID,
		Broadcasted:    pubErr == nil,
	}
	if err := s.delivery.Enqueue(ctx, job); err != nil {
		// The message is stored and acknowledged; the receiver sees it on the
		// next join even if live delivery is lost.
		monitoring.RecordError("delivery_enqueue")
		s.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to enqueue delivery job")
	}
	return nil
}

func (s *Service) read(ctx context.Context, c *Client, req *protocol.ReadRequest) error {
	_, err := s.MarkRead(ctx, c.userID, req.ConversationID, req.UpToMessageID)
	return err
}

// MarkRead moves the caller's watermark and notifies the peer. It backs both
// the dm:read event and the REST endpoint.
func (s *Service) MarkRead(ctx context.Context, userID, conversationID, upToMessageID string) (*protocol.ReadReceipt, error) {
	conv, err := s.member(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	msg, err := s.store.GetMessage(ctx, upToMessageID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && msg.ConversationID != conv.ID) {
		return nil, newError(protocol.CodeInvalidData, "message does not belong to this conversation")
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateWatermark(ctx, conv.ID, userID, upToMessageID); err != nil {
		return nil, err
	}

	receipt := &protocol.ReadReceipt{
		ConversationID: conv.ID,
		UserID:         userID,
		UpToMessageID:  upToMessageID,
		Timestamp:      time.Now().UTC(),
	}
	s.publish(ctx, protocol.EventReadReceipt, receipt, "", bus.UserChannel(conv.Peer(userID)))
	return receipt, nil
}

// typing errors never reach the client; the route is marked silent.
func (s *Service) typing(ctx context.Context, c *Client, req *protocol.TypingRequest) error {
	conv, err := s.member(ctx, c.userID, req.ConversationID)
	if err != nil {
		return err
	}
	peer := conv.Peer(c.userID)
	blocked, err := s.social.IsBlocked(ctx, c.userID, peer)
	if err != nil {
		return err
	}
	if blocked {
		return errBlocked
	}

	s.publish(ctx, protocol.EventPeerTyping, protocol.Typing{
		ConversationID: conv.ID,
		UserID:         c.userID,
		IsTyping:       req.IsTyping,
	}, c.id, bus.UserChannel(peer))
	return nil
}

func (s *Service) leave(ctx context.Context, c *Client, req *protocol.LeaveRequest) error {
	peer, ok := c.markLeft(req.ConversationID)
	if !ok {
		return nil
	}
	s.hub.Unsubscribe(c, bus.ConversationChannel(req.ConversationID), bus.PresenceChannel(peer))
	if err := s.presence.ClearViewing(ctx, c.userID, req.ConversationID, c.id); err != nil {
		s.logger.Debug().Err(err).Str("conversation_id", req.ConversationID).Msg("Clear viewing failed")
	}

	s.publish(ctx, protocol.EventPeerLeft, protocol.Left{
		ConversationID: req.ConversationID,
		UserID:         c.userID,
	}, c.id, bus.UserChannel(peer))
	return nil
}

type pingRequest struct{}

func (s *Service) ping(_ context.Context, c *Client, _ *pingRequest) error {
	s.hub.Reply(c, protocol.EventPong, protocol.Pong{Timestamp: time.Now().UTC()})
	return nil
}
