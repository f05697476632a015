// Package delivery moves persisted messages to their receivers after the
// send has been acknowledged: a bus broadcast for live connections and a
// push notification when the receiver is away from the conversation.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/adred-codev/parkdog_dm/internal/bus"
	"github.com/adred-codev/parkdog_dm/internal/monitoring"
	"github.com/adred-codev/parkdog_dm/internal/presence"
	"github.com/adred-codev/parkdog_dm/internal/protocol"
	"github.com/adred-codev/parkdog_dm/internal/push"
	"github.com/adred-codev/parkdog_dm/internal/queue"
	"github.com/adred-codev/parkdog_dm/internal/store"
)

// Job is the payload of the messages queue. Broadcasted is set when the
// realtime handler already published dm:new itself.
type Job struct {
	MessageID      string `json:"messageId"`
	ReceiverID     string `json:"receiverId"`
	ConversationID string `json:"conversationId"`
	Broadcasted    bool   `json:"broadcasted"`
}

// PushJob is the payload of the notifications queue.
type PushJob struct {
	UserID   string            `json:"userId"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data"`
	ThreadID string            `json:"threadId,omitempty"`
}

const pushTitle = "New message"

var errAllPushesFailed = errors.New("push: every device failed")

type Pipeline struct {
	store         store.Store
	presence      presence.Registry
	bus           bus.Bus
	messages      queue.Queue
	notifications queue.Queue
	devices       push.DeviceRegistry
	gateway       push.Gateway
	logger        zerolog.Logger
}

type Deps struct {
	Store         store.Store
	Presence      presence.Registry
	Bus           bus.Bus
	Messages      queue.Queue
	Notifications queue.Queue
	Devices       push.DeviceRegistry
	Gateway       push.Gateway
	Logger        zerolog.Logger
}

func NewPipeline(d Deps) *Pipeline {
	return &Pipeline{
		store:         d.Store,
		presence:      d.Presence,
		bus:           d.Bus,
		messages:      d.Messages,
		notifications: d.Notifications,
		devices:       d.Devices,
		gateway:       d.Gateway,
		logger:        d.Logger.With().Str("component", "delivery").Logger(),
	}
}

// Enqueue schedules delivery of a freshly persisted message.
func (p *Pipeline) Enqueue(ctx context.Context, job Job) error {
	id, err := p.messages.Enqueue(ctx, job)
	if err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	p.logger.Debug().Str("job_id", id).Str("message_id", job.MessageID).Msg("Delivery job enqueued")
	return nil
}

// HandleDelivery runs one messages-queue job. A returned error makes the
// queue retry it.
func (p *Pipeline) HandleDelivery(ctx context.Context, job Job) error {
	msg, err := p.store.GetMessage(ctx, job.MessageID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && msg.IsDeleted) {
		p.logger.Debug().Str("message_id", job.MessageID).Msg("Message gone, skipping delivery")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}

	if !job.Broadcasted {
		env, err := bus.NewEnvelope(protocol.EventNew,
			protocol.NewMessage{ConversationID: msg.ConversationID, Message: msg}, "",
			bus.ConversationChannel(msg.ConversationID),
			bus.UserChannel(msg.SenderID),
			bus.UserChannel(job.ReceiverID),
		)
		if err != nil {
			return err
		}
		if err := p.bus.Publish(ctx, env); err != nil {
			return fmt.Errorf("broadcast message: %w", err)
		}
	}

	if !p.shouldPush(ctx, job.ReceiverID, msg.ConversationID) {
		return nil
	}

	_, err = p.notifications.Enqueue(ctx, PushJob{
		UserID: job.ReceiverID,
		Title:  pushTitle,
		Body:   push.TruncateBody(msg.Text, push.MaxBodyRunes),
		Data: map[string]string{
			"type":            "new_message",
			"conversation_id": msg.ConversationID,
			"message_id":      msg.ID,
			"sender_id":       msg.SenderID,
		},
		ThreadID: msg.ConversationID,
	})
	if err != nil {
		return fmt.Errorf("enqueue push: %w", err)
	}
	return nil
}

// shouldPush is true when the receiver has no live connection or none of
// their connections has the conversation open. Presence errors count as
// offline; a spare notification is cheaper than a missed one.
func (p *Pipeline) shouldPush(ctx context.Context, userID, conversationID string) bool {
	online, err := p.presence.IsOnline(ctx, userID)
	if err != nil {
		p.logger.Warn().Err(err).Str("user_id", userID).Msg("Presence lookup failed, assuming offline")
		return true
	}
	if !online {
		return true
	}

	viewing, err := p.presence.IsViewing(ctx, userID, conversationID)
	if err != nil {
		p.logger.Warn().Err(err).Str("user_id", userID).Msg("Viewing lookup failed, assuming away")
		return true
	}
	return !viewing
}

// HandlePush runs one notifications-queue job.
func (p *Pipeline) HandlePush(ctx context.Context, job PushJob) error {
	tokens, err := p.devices.ActiveTokens(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("load device tokens: %w", err)
	}
	if len(tokens) == 0 {
		p.logger.Debug().Str("user_id", job.UserID).Msg("No active devices, skipping push")
		return nil
	}

	res, err := p.gateway.Send(ctx, push.Notification{
		UserID:   job.UserID,
		Tokens:   tokens,
		Title:    job.Title,
		Body:     job.Body,
		Data:     job.Data,
		ThreadID: job.ThreadID,
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	monitoring.RecordPush(res.SuccessCount, res.FailureCount)

	if len(res.InvalidTokens) > 0 {
		if err := p.devices.Deactivate(ctx, res.InvalidTokens); err != nil {
			p.logger.Warn().Err(err).Int("tokens", len(res.InvalidTokens)).Msg("Failed to deactivate invalid tokens")
		}
	}

	// Retrying only helps when some failure was not a dead token.
	if res.SuccessCount == 0 && res.FailureCount > len(res.InvalidTokens) {
		return errAllPushesFailed
	}
	return nil
}

// DeliveryHandler adapts HandleDelivery to a queue worker.
func (p *Pipeline) DeliveryHandler() Handler {
	return func(ctx context.Context, j *queue.Job) error {
		var job Job
		if err := j.Decode(&job); err != nil {
			p.logger.Error().Err(err).Str("job_id", j.ID).Msg("Undecodable delivery job, dropping")
			return nil
		}
		return p.HandleDelivery(ctx, job)
	}
}

// PushHandler adapts HandlePush to a queue worker.
func (p *Pipeline) PushHandler() Handler {
	return func(ctx context.Context, j *queue.Job) error {
		var job PushJob
		if err := j.Decode(&job); err != nil {
			p.logger.Error().Err(err).Str("job_id", j.ID).Msg("Undecodable push job, dropping")
			return nil
		}
		return p.HandlePush(ctx, job)
	}
}
