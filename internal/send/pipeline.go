// Package send implements optimistic message submission: a placeholder is
// shown immediately and later reconciled with, or rolled back from, the
// server's answer.
package send

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/aguaportal/conversation-engine/internal/conversation"
	"github.com/aguaportal/conversation-engine/internal/model"
	"github.com/aguaportal/conversation-engine/internal/transport"
	"github.com/aguaportal/conversation-engine/pkg/async"
	"github.com/aguaportal/conversation-engine/pkg/clock"
	"github.com/aguaportal/conversation-engine/pkg/logger"
	"github.com/aguaportal/conversation-engine/pkg/metrics"
	"github.com/aguaportal/conversation-engine/pkg/tracing"
)

// ErrEmptyMessage is returned for a blank submission.
var ErrEmptyMessage = errors.New("message is empty")

// Store is the part of the conversation store the pipeline uses.
type Store interface {
	InsertPending(msg model.Message)
	RemovePending(conversationID, tempID string) bool
	ApplyIncoming(msg model.Message) conversation.Outcome
	Lookup(conversationID, key string) (model.Message, bool)
	Conversation(conversationID string) (model.Conversation, bool)
}

// Validator gates content before it leaves the client.
type Validator interface {
	Validate(text string) error
}

// Typing ends the local typing burst.
type Typing interface {
	Stop(conversationID string)
}

// Sender performs request/response exchanges.
type Sender interface {
	Send(ctx context.Context, channel string, payload, out any) error
}

// Options configures the pipeline.
type Options struct {
	// Timeout bounds a submission. It starts when the request is sent and
	// is independent of the caller's context.
	Timeout time.Duration
}

// DefaultOptions returns the default pipeline options.
func DefaultOptions() Options {
	return Options{Timeout: 15 * time.Second}
}

// Pipeline runs submissions. Any number may be in flight at once.
type Pipeline struct {
	store     Store
	validator Validator
	typing    Typing
	sender    Sender
	self      model.Session
	opts      Options
	clock     clock.Clock
	logger    *logger.Logger

	mu     sync.Mutex
	drafts map[string]string
}

// NewPipeline wires a pipeline for the session's user.
func NewPipeline(store Store, validator Validator, typing Typing, sender Sender, self model.Session, opts Options, clk clock.Clock, log *logger.Logger) *Pipeline {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Pipeline{
		store:     store,
		validator: validator,
		typing:    typing,
		sender:    sender,
		self:      self,
		opts:      opts,
		clock:     clk,
		logger:    logger.OrNop(log).Named("send"),
		drafts:    make(map[string]string),
	}
}

// SetDraft records the unsent text of a conversation.
func (p *Pipeline) SetDraft(conversationID, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if text == "" {
		delete(p.drafts, conversationID)
		return
	}
	p.drafts[conversationID] = text
}

// Draft returns the unsent text of a conversation.
func (p *Pipeline) Draft(conversationID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drafts[conversationID]
}

// Send submits content and waits for the outcome. The returned message is
// the confirmed message, or the placeholder if the server acknowledged
// without echoing one; a push will confirm it later.
//
// Errors are *model.ValidationError when blocked locally and
// *model.SubmissionError once the message was handed to the transport. The
// submission is not cancelled by ctx; it is bounded by Options.Timeout.
func (p *Pipeline) Send(ctx context.Context, conversationID, content, replyTo string) (model.Message, error) {
	if c, ok := p.store.Conversation(conversationID); ok && c.IsClosed() {
		return model.Message{}, &model.SubmissionError{
			ConversationID: conversationID,
			Draft:          content,
			Err:            model.ErrConversationClosed,
		}
	}
	if strings.TrimSpace(content) == "" {
		return model.Message{}, &model.ValidationError{Reason: "message is empty", Err: ErrEmptyMessage}
	}
	if err := p.validator.Validate(content); err != nil {
		p.logger.Info("message blocked by moderation", zap.String("conversation_id", conversationID), zap.Error(err))
		metrics.RecordSend("blocked", 0)
		return model.Message{}, err
	}

	tempID := "tmp-" + uuid.Must(uuid.NewV7()).String()
	placeholder := model.Message{
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       p.self.UserID,
		SenderRole:     p.self.Role,
		Content:        content,
		ReplyTo:        replyTo,
		CreatedAt:      p.clock.Now(),
		DeliveryState:  model.DeliveryPending,
	}
	p.store.InsertPending(placeholder)
	p.SetDraft(conversationID, "")
	p.typing.Stop(conversationID)

	return p.submit(context.WithoutCancel(ctx), placeholder)
}

// SendAsync is Send without blocking the caller.
func (p *Pipeline) SendAsync(ctx context.Context, conversationID, content, replyTo string) *async.Future[model.Message] {
	return async.Go(context.WithoutCancel(ctx), func(ctx context.Context) (model.Message, error) {
		return p.Send(ctx, conversationID, content, replyTo)
	})
}

func (p *Pipeline) submit(ctx context.Context, placeholder model.Message) (model.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	ctx, span := tracing.Tracer().Start(ctx, "send.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", placeholder.ConversationID),
		attribute.String("message.temp_id", placeholder.TempID),
	)

	log := p.logger.WithConversation(placeholder.ConversationID).With(zap.String("temp_id", placeholder.TempID))
	start := time.Now()

	req := model.SendMessageRequest{
		ConversationID: placeholder.ConversationID,
		Content:        placeholder.Content,
		ReplyTo:        placeholder.ReplyTo,
		TempID:         placeholder.TempID,
	}
	var confirmed model.Message
	err := p.sender.Send(ctx, transport.SendMessageSubject, req, &confirmed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return p.rollback(log, placeholder, err, time.Since(start))
	}

	if confirmed.ID == "" {
		log.Debug("send acknowledged without message, waiting for push")
		metrics.RecordSend("acknowledged", time.Since(start).Seconds())
		return placeholder, nil
	}
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = placeholder.ConversationID
	}
	// The reply answers this request, so it correlates even if the server
	// does not echo the id.
	confirmed.TempID = placeholder.TempID

	outcome := p.store.ApplyIncoming(confirmed)
	metrics.RecordSend("confirmed", time.Since(start).Seconds())
	log.Debug("message confirmed", zap.String("message_id", confirmed.ID), zap.String("outcome", string(outcome)))

	if m, ok := p.store.Lookup(placeholder.ConversationID, placeholder.TempID); ok {
		return m, nil
	}
	confirmed.DeliveryState = model.DeliveryConfirmed
	return confirmed, nil
}

func (p *Pipeline) rollback(log *logger.Logger, placeholder model.Message, cause error, took time.Duration) (model.Message, error) {
	if !p.store.RemovePending(placeholder.ConversationID, placeholder.TempID) {
		// A push confirmed the message while the reply was lost.
		if m, ok := p.store.Lookup(placeholder.ConversationID, placeholder.TempID); ok && !m.IsPending() {
			log.Info("send reply failed but message was already confirmed", zap.Error(cause))
			metrics.RecordSend("confirmed", took.Seconds())
			return m, nil
		}
	}

	p.mu.Lock()
	if _, typed := p.drafts[placeholder.ConversationID]; !typed {
		p.drafts[placeholder.ConversationID] = placeholder.Content
	}
	p.mu.Unlock()

	log.Warn("send failed, draft restored", zap.Error(cause))
	metrics.RecordSend("failed", took.Seconds())
	return model.Message{}, &model.SubmissionError{
		ConversationID: placeholder.ConversationID,
		TempID:         placeholder.TempID,
		Draft:          placeholder.Content,
		Err:            cause,
	}
}
