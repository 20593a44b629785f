package send

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aguaportal/conversation-engine/internal/connection"
	"github.com/aguaportal/conversation-engine/internal/conversation"
	"github.com/aguaportal/conversation-engine/internal/model"
	"github.com/aguaportal/conversation-engine/internal/moderation"
	"github.com/aguaportal/conversation-engine/internal/transport"
	"github.com/aguaportal/conversation-engine/internal/transport/transporttest"
	"github.com/aguaportal/conversation-engine/internal/typing"
	"github.com/aguaportal/conversation-engine/pkg/async"
	"github.com/aguaportal/conversation-engine/pkg/clock"
)

var me = model.Session{UserID: "cust-1", UserName: "Ana", Role: model.RoleCustomer}

// chatServer assigns ids and sequences to submitted messages.
type chatServer struct {
	net *transporttest.Network

	mu       sync.Mutex
	seq      int
	requests []model.SendMessageRequest
	// before runs ahead of the reply; returning an error fails the request.
	before  func(m model.Message) error
	noEcho  bool
	noReply bool
}

func (s *chatServer) handle(raw json.RawMessage) (any, error) {
	var req model.SendMessageRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.seq++
	s.requests = append(s.requests, req)
	m := model.Message{
		ID:             fmt.Sprintf("m-%d", s.seq),
		ConversationID: req.ConversationID,
		SenderID:       me.UserID,
		SenderRole:     me.Role,
		Content:        req.Content,
		ReplyTo:        req.ReplyTo,
		CreatedAt:      time.Now(),
		Sequence:       uint64(s.seq),
	}
	if !s.noEcho {
		m.TempID = req.TempID
	}
	before, noReply := s.before, s.noReply
	s.mu.Unlock()

	if before != nil {
		if err := before(m); err != nil {
			return nil, err
		}
	}
	if noReply {
		return struct{}{}, nil
	}
	return m, nil
}

func (s *chatServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type fixture struct {
	net      *transporttest.Network
	server   *chatServer
	manager  *connection.Manager
	store    *conversation.Store
	filter   *moderation.Filter
	typing   *typing.Coordinator
	pipeline *Pipeline
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{net: transporttest.NewNetwork()}
	f.server = &chatServer{net: f.net}
	f.net.HandleJSON(transport.SendMessageSubject, f.server.handle)
	f.net.HandleJSON(transport.JoinConversationSubject, func(json.RawMessage) (any, error) { return nil, nil })

	f.manager = connection.NewManager(f.net, connection.Options{
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		RequestTimeout: time.Second,
	}, nil)
	clk := clock.Real()
	f.store = conversation.NewStore(f.manager, me, conversation.DefaultOptions(), clk, nil)
	f.filter = moderation.NewFilter(moderation.Options{FailMode: moderation.FailClosed, RevealTerm: true}, nil)
	f.filter.Replace([]model.ExcludedTerm{{ID: "t1", Term: "política", Reason: "off-topic", IsActive: true}})
	f.typing = typing.NewCoordinator(f.manager, me, typing.DefaultOptions(), clk, nil)
	f.pipeline = NewPipeline(f.store, f.filter, f.typing, f.manager, me, opts, clk, nil)

	t.Cleanup(func() {
		f.typing.Close()
		f.store.Close()
		f.manager.Disconnect()
	})
	return f
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, f.manager.Connect(context.Background(), "tok"))
}

func TestSendConfirms(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)
	f.pipeline.SetDraft("c1", "Hola")

	m, err := f.pipeline.Send(context.Background(), "c1", "Hola", "")
	require.NoError(t, err)
	assert.Equal(t, "m-1", m.ID)
	assert.Equal(t, model.DeliveryConfirmed, m.DeliveryState)
	assert.Contains(t, m.TempID, "tmp-")
	assert.Empty(t, f.pipeline.Draft("c1"))

	msgs := f.store.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, m.TempID, msgs[0].Key())
	assert.Equal(t, m.TempID, f.server.requests[0].TempID)
}

func TestSendWithoutEchoedCorrelationID(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)
	f.server.noEcho = true

	m, err := f.pipeline.Send(context.Background(), "c1", "Hola", "")
	require.NoError(t, err)
	assert.Equal(t, "m-1", m.ID)
	assert.Len(t, f.store.Messages("c1"), 1)
}

func TestModerationBlocksWithoutNetwork(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)
	f.pipeline.SetDraft("c1", "hablemos de política hoy")

	_, err := f.pipeline.Send(context.Background(), "c1", "hablemos de POLÍTICA hoy", "")
	var vErr *model.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "política", vErr.Term)
	assert.Contains(t, err.Error(), "política")

	assert.Zero(t, f.server.count())
	assert.Empty(t, f.store.Messages("c1"))
	assert.Equal(t, "hablemos de política hoy", f.pipeline.Draft("c1"))
}

func TestInactiveTermAllowsSend(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)
	f.filter.Replace([]model.ExcludedTerm{{ID: "t1", Term: "política", IsActive: false}})

	_, err := f.pipeline.Send(context.Background(), "c1", "hablemos de política hoy", "")
	require.NoError(t, err)
}

func TestSendWhileDisconnected(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	draft := "  Mi factura llegó dos veces  "
	f.pipeline.SetDraft("c1", draft)

	_, err := f.pipeline.Send(context.Background(), "c1", draft, "")
	var subErr *model.SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, draft, subErr.Draft)
	assert.ErrorIs(t, err, model.ErrNotConnected)
	assert.True(t, model.IsRetryable(err))

	assert.Empty(t, f.store.Messages("c1"))
	assert.Equal(t, draft, f.pipeline.Draft("c1"))
}

func TestPushBeforeReplyReconcilesOnce(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)
	require.NoError(t, f.store.Open(context.Background(), "c1"))

	f.server.before = func(m model.Message) error {
		echo := m
		echo.TempID = ""
		f.net.PushJSON(transport.MessageSubject("c1"), model.NewMessageEvent{Message: echo})
		return nil
	}

	m, err := f.pipeline.Send(context.Background(), "c1", "Hola", "")
	require.NoError(t, err)

	msgs := f.store.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-1", msgs[0].ID)
	assert.Equal(t, "Hola", msgs[0].Content)
	assert.Equal(t, model.DeliveryConfirmed, msgs[0].DeliveryState)
	assert.Equal(t, m.TempID, msgs[0].Key())
}

func TestLostReplyAfterEchoCountsAsSent(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)
	require.NoError(t, f.store.Open(context.Background(), "c1"))

	f.server.before = func(m model.Message) error {
		f.net.PushJSON(transport.MessageSubject("c1"), model.NewMessageEvent{Message: m})
		return &model.RemoteError{Code: "timeout", Message: "upstream timed out"}
	}

	m, err := f.pipeline.Send(context.Background(), "c1", "Hola", "")
	require.NoError(t, err)
	assert.Equal(t, "m-1", m.ID)
	assert.Len(t, f.store.Messages("c1"), 1)
	assert.Empty(t, f.pipeline.Draft("c1"))
}

func TestRemoteRejectionRollsBack(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)
	f.server.before = func(model.Message) error {
		return &model.RemoteError{Code: "forbidden", Message: "conversation locked"}
	}

	_, err := f.pipeline.Send(context.Background(), "c1", "Hola", "")
	var subErr *model.SubmissionError
	require.ErrorAs(t, err, &subErr)
	var remote *model.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.False(t, model.IsRetryable(err))
	assert.Empty(t, f.store.Messages("c1"))
	assert.Equal(t, "Hola", f.pipeline.Draft("c1"))
}

func TestSendTimesOut(t *testing.T) {
	f := newFixture(t, Options{Timeout: 30 * time.Millisecond})
	f.connect(t)
	release := make(chan struct{})
	defer close(release)
	f.server.before = func(model.Message) error {
		<-release
		return nil
	}

	_, err := f.pipeline.Send(context.Background(), "c1", "Hola", "")
	var subErr *model.SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.store.Messages("c1"))
}

func TestCallerCancellationDoesNotCancelSend(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)
	f.server.before = func(model.Message) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	fut := f.pipeline.SendAsync(ctx, "c1", "Hola", "")
	cancel()

	m, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m-1", m.ID)
	assert.Len(t, f.store.Messages("c1"), 1)
}

func TestAcknowledgedWithoutMessageStaysPending(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)
	f.server.noReply = true

	m, err := f.pipeline.Send(context.Background(), "c1", "Hola", "")
	require.NoError(t, err)
	assert.True(t, m.IsPending())

	f.store.ApplyIncoming(model.Message{ID: "m-1", ConversationID: "c1", SenderID: me.UserID, Content: "Hola", Sequence: 1})
	msgs := f.store.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, m.TempID, msgs[0].Key())
	assert.False(t, msgs[0].IsPending())
}

func TestConcurrentSends(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)

	const n = 8
	var futures []*async.Future[model.Message]
	for i := 0; i < n; i++ {
		futures = append(futures, f.pipeline.SendAsync(context.Background(), "c1", "same text", ""))
	}
	seen := make(map[string]bool)
	for _, fut := range futures {
		m, err := fut.Wait(context.Background())
		require.NoError(t, err)
		seen[m.TempID] = true
	}
	assert.Len(t, seen, n)

	msgs := f.store.Messages("c1")
	require.Len(t, msgs, n)
	for _, m := range msgs {
		assert.False(t, m.IsPending())
	}
}

func TestClosedConversationFailsLocally(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)
	f.store.ApplyConversationUpdate(model.Conversation{ID: "c1", Status: model.ConversationClosed})

	_, err := f.pipeline.Send(context.Background(), "c1", "Hola", "")
	require.ErrorIs(t, err, model.ErrConversationClosed)
	assert.False(t, model.IsRetryable(err))
	assert.Zero(t, f.server.count())
}

func TestEmptyMessageRejected(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	_, err := f.pipeline.Send(context.Background(), "c1", "   ", "")
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSendStopsTyping(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)

	f.typing.InputChanged("c1", "Hol")
	_, err := f.pipeline.Send(context.Background(), "c1", "Hola", "")
	require.NoError(t, err)

	published := f.net.Published(transport.TypingSubject("c1"))
	require.Len(t, published, 2)
	var last model.TypingEvent
	require.NoError(t, json.Unmarshal(published[1], &last))
	assert.False(t, last.IsTyping)
}
