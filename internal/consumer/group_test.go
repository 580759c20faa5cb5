package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession 只实现 ConsumeClaim 用到的方法
type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx context.Context

	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newClaim(offsets ...int64) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(offsets))
	for _, offset := range offsets {
		ch <- &sarama.ConsumerMessage{Topic: "visit.completed", Offset: offset}
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

// scriptedHandler 按 offset 返回预设的错误序列
type scriptedHandler struct {
	mu     sync.Mutex
	script map[int64][]error
	calls  map[int64]int
}

func (h *scriptedHandler) Handle(_ context.Context, msg *sarama.ConsumerMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.calls == nil {
		h.calls = map[int64]int{}
	}
	n := h.calls[msg.Offset]
	h.calls[msg.Offset]++

	errs := h.script[msg.Offset]
	if n < len(errs) {
		return errs[n]
	}
	return nil
}

var errInfra = errors.New("db down")

func TestGroupHandler_MarksHandledMessages(t *testing.T) {
	handler := &scriptedHandler{script: map[int64][]error{
		1: {fmt.Errorf("%w: bad json", ErrMalformedEvent)},
		2: {errInfra, errInfra},
	}}
	g := NewGroupHandler(handler, 3, time.Millisecond)
	session := &fakeSession{ctx: context.Background()}

	err := g.ConsumeClaim(session, newClaim(0, 1, 2, 3))
	require.NoError(t, err)

	// 格式错误的消息也要确认，避免卡住分区
	assert.Equal(t, []int64{0, 1, 2, 3}, session.marked)
	assert.Equal(t, 1, handler.calls[1])
	assert.Equal(t, 3, handler.calls[2])
}

func TestGroupHandler_StopsWithoutMarkingWhenRetriesExhausted(t *testing.T) {
	handler := &scriptedHandler{script: map[int64][]error{
		1: {errInfra, errInfra, errInfra},
	}}
	g := NewGroupHandler(handler, 2, time.Millisecond)
	session := &fakeSession{ctx: context.Background()}

	err := g.ConsumeClaim(session, newClaim(0, 1, 2))
	assert.ErrorIs(t, err, errInfra)

	assert.Equal(t, []int64{0}, session.marked)
	assert.Equal(t, 3, handler.calls[1])
	assert.Equal(t, 0, handler.calls[2])
}

func TestGroupHandler_CancelledSessionDuringBackoff(t *testing.T) {
	handler := &scriptedHandler{script: map[int64][]error{
		0: {errInfra, errInfra, errInfra, errInfra},
	}}
	g := NewGroupHandler(handler, 10, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	session := &fakeSession{ctx: ctx}

	done := make(chan error, 1)
	go func() { done <- g.ConsumeClaim(session, newClaim(0)) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("ConsumeClaim 没有响应取消")
	}
	assert.Empty(t, session.marked)
}
