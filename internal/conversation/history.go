package conversation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/aguaportal/conversation-engine/internal/connection"
	"github.com/aguaportal/conversation-engine/internal/model"
	"github.com/aguaportal/conversation-engine/internal/transport"
	"github.com/aguaportal/conversation-engine/pkg/metrics"
	"github.com/aguaportal/conversation-engine/pkg/tracing"
)

// Page is the result of a history fetch.
type Page struct {
	ConversationID string
	// Messages are the messages this fetch added, oldest first.
	Messages []model.Message
	// Prepended is len(Messages); callers use it to keep scroll position.
	Prepended int
	HasMore   bool
}

func (s *Store) fetchPage(ctx context.Context, kind, conversationID string, offset int) (model.ListMessagesResponse, error) {
	ctx, span := tracing.Tracer().Start(ctx, "conversation.fetch_page")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("page.kind", kind),
		attribute.Int("page.offset", offset),
	)

	req := model.ListMessagesRequest{
		ConversationID: conversationID,
		Limit:          s.opts.PageSize,
		Offset:         offset,
	}
	var resp model.ListMessagesResponse
	if err := s.conn.Send(ctx, transport.ListMessagesSubject, req, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.PageFetchesTotal.WithLabelValues(kind, "error").Inc()
		return resp, &model.PaginationError{ConversationID: conversationID, Offset: offset, Err: err}
	}
	metrics.PageFetchesTotal.WithLabelValues(kind, "success").Inc()
	span.SetAttributes(attribute.Int("page.size", len(resp.Messages)))
	return resp, nil
}

// insertPageLocked adds the page's messages that are not already held and
// returns them in server order.
func (s *Store) insertPageLocked(t *thread, conversationID string, msgs []model.Message) []model.Message {
	var added []*model.Message
	for i := range msgs {
		m := msgs[i]
		if m.ID == "" {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		m.DeliveryState = model.DeliveryConfirmed
		if t.insertLocked(&m) {
			added = append(added, &m)
		}
	}
	out := make([]model.Message, 0, len(added))
	for _, m := range t.confirmed {
		for _, a := range added {
			if a == m {
				out = append(out, *m)
				break
			}
		}
	}
	return out
}

// LoadInitial fetches the newest page. On a conversation that already holds
// history it merges the page in; if the page shares nothing with what is
// held the confirmed history is replaced, because the gap cannot be bridged.
func (s *Store) LoadInitial(ctx context.Context, conversationID string) (Page, error) {
	s.mu.Lock()
	gen := s.threadLocked(conversationID).gen
	s.mu.Unlock()

	resp, err := s.fetchPage(ctx, "initial", conversationID, 0)
	if err != nil {
		return Page{ConversationID: conversationID}, err
	}

	s.mu.Lock()
	t := s.threadLocked(conversationID)
	if t.gen != gen {
		page := Page{ConversationID: conversationID, HasMore: t.hasMore}
		s.mu.Unlock()
		return page, nil
	}

	replaced := false
	if t.loaded && len(t.confirmed) > 0 && len(resp.Messages) > 0 && !overlaps(t, resp.Messages) {
		t.confirmed = nil
		t.ids = make(map[string]struct{})
		t.gen++
		replaced = true
	}

	added := s.insertPageLocked(t, conversationID, resp.Messages)
	if !t.loaded || replaced {
		t.cursor = len(resp.Messages)
		t.hasMore = resp.HasMore
	} else {
		t.cursor += len(added)
	}
	t.loaded = true

	page := Page{
		ConversationID: conversationID,
		Messages:       added,
		Prepended:      len(added),
		HasMore:        t.hasMore,
	}
	s.logger.Debug("loaded newest page",
		zap.String("conversation_id", conversationID),
		zap.Int("added", len(added)),
		zap.Bool("replaced", replaced),
		zap.Int("cursor", t.cursor),
	)
	if len(added) > 0 || replaced {
		s.emitLocked(Change{Kind: ChangeMessages, ConversationID: conversationID})
	} else {
		s.mu.Unlock()
	}
	return page, nil
}

func overlaps(t *thread, msgs []model.Message) bool {
	for _, m := range msgs {
		if _, ok := t.ids[m.ID]; ok {
			return true
		}
	}
	return false
}

// LoadOlder fetches the next older page and prepends it. It is a no-op while
// another LoadOlder for the conversation is in flight or when no older
// history remains. On failure held history is untouched and the call can be
// retried.
func (s *Store) LoadOlder(ctx context.Context, conversationID string) (Page, error) {
	s.mu.Lock()
	t := s.threadLocked(conversationID)
	if !t.loaded {
		s.mu.Unlock()
		return s.LoadInitial(ctx, conversationID)
	}
	if t.loadingOlder || !t.hasMore {
		page := Page{ConversationID: conversationID, HasMore: t.hasMore}
		s.mu.Unlock()
		return page, nil
	}
	t.loadingOlder = true
	offset, gen := t.cursor, t.gen
	s.mu.Unlock()

	resp, err := s.fetchPage(ctx, "older", conversationID, offset)

	s.mu.Lock()
	t.loadingOlder = false
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("failed to load older messages",
			zap.String("conversation_id", conversationID),
			zap.Int("offset", offset),
			zap.Error(err),
		)
		return Page{ConversationID: conversationID, HasMore: true}, err
	}
	if s.threads[conversationID] != t || t.gen != gen {
		page := Page{ConversationID: conversationID, HasMore: t.hasMore}
		s.mu.Unlock()
		return page, nil
	}

	added := s.insertPageLocked(t, conversationID, resp.Messages)
	t.cursor += len(resp.Messages)
	t.hasMore = resp.HasMore
	page := Page{
		ConversationID: conversationID,
		Messages:       added,
		Prepended:      len(added),
		HasMore:        t.hasMore,
	}
	if len(added) > 0 || !t.hasMore {
		s.emitLocked(Change{Kind: ChangeMessages, ConversationID: conversationID})
	} else {
		s.mu.Unlock()
	}
	return page, nil
}

func (s *Store) onState(c connection.StateChange) {
	if c.To != model.StateConnected {
		return
	}
	type target struct {
		id     string
		loaded bool
	}
	s.mu.Lock()
	var targets []target
	for id, t := range s.threads {
		if t.open {
			targets = append(targets, target{id: id, loaded: t.loaded})
		}
	}
	s.mu.Unlock()

	// The state listener runs under the manager's transition lock, so the
	// requests go out from their own goroutines.
	for _, tg := range targets {
		go s.resync(tg.id, tg.loaded)
	}
}

// resync rejoins a conversation after a connect and fetches the newest page
// so pushes missed while disconnected are filled in.
func (s *Store) resync(conversationID string, loaded bool) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.SyncTimeout)
	defer cancel()

	start := time.Now()
	if err := s.join(ctx, conversationID); err != nil {
		s.logger.Warn("failed to rejoin conversation", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	if !loaded {
		return
	}
	if _, err := s.LoadInitial(ctx, conversationID); err != nil {
		s.logger.Warn("failed to resync conversation", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	s.logger.Debug("conversation resynced",
		zap.String("conversation_id", conversationID),
		zap.Duration("took", time.Since(start)),
	)
}
