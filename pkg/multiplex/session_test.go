package multiplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irwin/switchboard/pkg/agent"
)

const testWait = 2 * time.Second

// fakeConn is a scriptable agent connection. Tests observe emitted prompts
// on the prompts channel and feed inbound messages through the emit helpers.
type fakeConn struct {
	mu       sync.Mutex
	closed   bool
	messages chan agent.Message
	prompts  chan agent.Prompt
	models   []string
	modes    []string
	opts     agent.Options
}

func newFakeConn(opts agent.Options) *fakeConn {
	return &fakeConn{
		messages: make(chan agent.Message, 64),
		prompts:  make(chan agent.Prompt, 16),
		opts:     opts,
	}
}

func (c *fakeConn) Messages() <-chan agent.Message { return c.messages }

func (c *fakeConn) Prompt(ctx context.Context, p agent.Prompt) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.prompts <- p
	return nil
}

func (c *fakeConn) SetModel(ctx context.Context, model string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = append(c.models, model)
	return nil
}

func (c *fakeConn) SetPermissionMode(ctx context.Context, mode string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modes = append(c.modes, mode)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.messages)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) emit(msg agent.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.messages <- msg
	}
}

func (c *fakeConn) emitInit(identity string) {
	c.emit(agent.Message{Kind: agent.KindInit, SessionID: identity})
}

func (c *fakeConn) emitText(text string) {
	c.emit(agent.Message{Kind: agent.KindAssistant, Text: text})
}

func (c *fakeConn) emitToolCall(id, name string) {
	c.emit(agent.Message{Kind: agent.KindAssistant, ToolCalls: []agent.ToolCall{{ID: id, Name: name}}})
}

func (c *fakeConn) emitToolResult(id, content string, isError bool) {
	c.emit(agent.Message{Kind: agent.KindToolResult, ToolResults: []agent.ToolResult{{CallID: id, Content: content, IsError: isError}}})
}

func (c *fakeConn) emitResult(res agent.TurnResult) {
	c.emit(agent.Message{Kind: agent.KindResult, Result: &res})
}

// fakeFactory hands out fakeConns and records every Open.
type fakeFactory struct {
	mu       sync.Mutex
	failWith error
	conns    []*fakeConn
	opened   chan *fakeConn
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{opened: make(chan *fakeConn, 16)}
}

func (f *fakeFactory) Open(ctx context.Context, opts agent.Options) (agent.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	c := newFakeConn(opts)
	f.conns = append(f.conns, c)
	f.opened <- c
	return c, nil
}

func (f *fakeFactory) setFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

func (f *fakeFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// recordSink captures every event a turn forwards.
type recordSink struct {
	mu       sync.Mutex
	texts    []string
	thinking []string
	notices  []string
	started  []string
	done     []ToolStatus
	usages   []agent.Usage
}

func (r *recordSink) Text(t string)     { r.mu.Lock(); r.texts = append(r.texts, t); r.mu.Unlock() }
func (r *recordSink) Thinking(t string) { r.mu.Lock(); r.thinking = append(r.thinking, t); r.mu.Unlock() }
func (r *recordSink) ToolStarted(id, name string, _ json.RawMessage) {
	r.mu.Lock()
	r.started = append(r.started, name)
	r.mu.Unlock()
}
func (r *recordSink) ToolCompleted(_, _, _ string, status ToolStatus) {
	r.mu.Lock()
	r.done = append(r.done, status)
	r.mu.Unlock()
}
func (r *recordSink) Usage(u agent.Usage) { r.mu.Lock(); r.usages = append(r.usages, u); r.mu.Unlock() }
func (r *recordSink) Notice(t string)     { r.mu.Lock(); r.notices = append(r.notices, t); r.mu.Unlock() }

func (r *recordSink) noticeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

// flipDetector reports drift once per arm.
type flipDetector struct {
	mu        sync.Mutex
	dirty     bool
	snapshots int
}

func (d *flipDetector) HasChanges() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

func (d *flipDetector) TakeSnapshot() {
	d.mu.Lock()
	d.dirty = false
	d.snapshots++
	d.mu.Unlock()
}

func (d *flipDetector) markDirty() {
	d.mu.Lock()
	d.dirty = true
	d.mu.Unlock()
}

func testSession(t *testing.T, factory agent.Factory, detect Detector) *Session {
	t.Helper()
	return newSession("test", SessionConfig{Model: "base-model"}, factory, detect, nil, Hooks{}, zerolog.Nop())
}

func waitConn(t *testing.T, f *fakeFactory) *fakeConn {
	t.Helper()
	select {
	case c := <-f.opened:
		return c
	case <-time.After(testWait):
		t.Fatal("timed out waiting for connection open")
		return nil
	}
}

func waitPrompt(t *testing.T, c *fakeConn) agent.Prompt {
	t.Helper()
	select {
	case p := <-c.prompts:
		return p
	case <-time.After(testWait):
		t.Fatal("timed out waiting for prompt")
		return agent.Prompt{}
	}
}

func waitTicket(t *testing.T, ticket *Ticket) error {
	t.Helper()
	select {
	case <-ticket.Done():
		return ticket.Err()
	case <-time.After(testWait):
		t.Fatal("timed out waiting for ticket")
		return nil
	}
}

func submitText(t *testing.T, s *Session, text string, sink Sink) *Ticket {
	t.Helper()
	ticket, err := s.Submit(context.Background(), Request{
		Prompt: agent.Prompt{Text: text},
		Sink:   sink,
	})
	require.NoError(t, err)
	return ticket
}

func TestSubmitStartsConnectionAndCompletesTurn(t *testing.T) {
	factory := newFakeFactory()
	s := testSession(t, factory, nil)

	sink := &recordSink{}
	ticket := submitText(t, s, "hello", sink)

	conn := waitConn(t, factory)
	conn.emitInit("sess-1")
	p := waitPrompt(t, conn)
	assert.Equal(t, "hello", p.Text)

	conn.emitText("hi there")
	conn.emitResult(agent.TurnResult{Usage: &agent.Usage{InputTokens: 10, OutputTokens: 4}})

	require.NoError(t, waitTicket(t, ticket))
	assert.False(t, ticket.Cancelled())
	assert.Equal(t, []string{"hi there"}, sink.texts)
	assert.Len(t, sink.usages, 1)
	assert.Equal(t, "sess-1", s.Identity())
	assert.Equal(t, StateActive, s.State())
}

func TestCompletionsResolveInSubmissionOrder(t *testing.T) {
	factory := newFakeFactory()
	s := testSession(t, factory, nil)

	const n = 5
	tickets := make([]*Ticket, n)
	for i := 0; i < n; i++ {
		tickets[i] = submitText(t, s, fmt.Sprintf("turn-%d", i), nil)
	}

	conn := waitConn(t, factory)
	for i := 0; i < n; i++ {
		p := waitPrompt(t, conn)
		assert.Equal(t, fmt.Sprintf("turn-%d", i), p.Text, "prompts must be emitted FIFO")

		// Later submissions must still be pending while an earlier turn is
		// in flight.
		for j := i; j < n; j++ {
			assert.NoError(t, tickets[j].Err())
			select {
			case <-tickets[j].Done():
				t.Fatalf("ticket %d resolved before its turn-result", j)
			default:
			}
		}

		conn.emitResult(agent.TurnResult{})
		require.NoError(t, waitTicket(t, tickets[i]))
	}
}

func TestAtMostOneActiveTurn(t *testing.T) {
	factory := newFakeFactory()
	s := testSession(t, factory, nil)

	first := submitText(t, s, "first", nil)
	second := submitText(t, s, "second", nil)

	conn := waitConn(t, factory)
	waitPrompt(t, conn)

	// The second turn must not be emitted while the first is in flight.
	select {
	case p := <-conn.prompts:
		t.Fatalf("second prompt %q emitted during active turn", p.Text)
	case <-time.After(100 * time.Millisecond):
	}

	conn.emitResult(agent.TurnResult{})
	require.NoError(t, waitTicket(t, first))

	p := waitPrompt(t, conn)
	assert.Equal(t, "second", p.Text)
	conn.emitResult(agent.TurnResult{})
	require.NoError(t, waitTicket(t, second))
}

func TestSubmitUnblocksParkedProducer(t *testing.T) {
	factory := newFakeFactory()
	s := testSession(t, factory, nil)

	first := submitText(t, s, "first", nil)
	conn := waitConn(t, factory)
	waitPrompt(t, conn)
	conn.emitResult(agent.TurnResult{})
	require.NoError(t, waitTicket(t, first))

	// The producer is now parked on an empty queue. A single submission must
	// wake it; nothing may wait for a second one.
	second := submitText(t, s, "second", nil)
	p := waitPrompt(t, conn)
	assert.Equal(t, "second", p.Text)
	conn.emitResult(agent.TurnResult{})
	require.NoError(t, waitTicket(t, second))
}

func TestTurnErrorDoesNotFailSiblings(t *testing.T) {
	factory := newFakeFactory()
	s := testSession(t, factory, nil)

	sink := &recordSink{}
	first := submitText(t, s, "first", sink)
	second := submitText(t, s, "second", nil)

	conn := waitConn(t, factory)
	waitPrompt(t, conn)
	conn.emitResult(agent.TurnResult{IsError: true, Text: "execution blew up"})

	err := waitTicket(t, first)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution blew up")
	assert.False(t, first.Cancelled())
	require.GreaterOrEqual(t, sink.noticeCount(), 1)

	// The connection stays Active and serves the next turn.
	waitPrompt(t, conn)
	conn.emitResult(agent.TurnResult{})
	require.NoError(t, waitTicket(t, second))
	assert.Equal(t, StateActive, s.State())
}

func TestMaxTurnsIsProgressNotError(t *testing.T) {
	factory := newFakeFactory()
	s := testSession(t, factory, nil)

	sink := &recordSink{}
	ticket := submitText(t, s, "long job", sink)

	conn := waitConn(t, factory)
	waitPrompt(t, conn)
	conn.emitResult(agent.TurnResult{IsError: true, Subtype: "error_max_turns"})

	require.NoError(t, waitTicket(t, ticket))
	assert.GreaterOrEqual(t, sink.noticeCount(), 1)
}

func TestUnmatchedToolResultDropped(t *testing.T) {
	factory := newFakeFactory()
	s := testSession(t, factory, nil)

	sink := &recordSink{}
	ticket := submitText(t, s, "use tools", sink)

	conn := waitConn(t, factory)
	waitPrompt(t, conn)

	// A result the router never saw start must be dropped silently and must
	// not stop the stream.
	conn.emitToolResult("ghost", "output", false)
	conn.emitToolCall("real", "read_file")
	conn.emitToolResult("real", "contents", false)
	conn.emitResult(agent.TurnResult{})

	require.NoError(t, waitTicket(t, ticket))
	assert.Equal(t, []string{"read_file"}, sink.started)
	assert.Equal(t, []ToolStatus{ToolOK}, sink.done)
}

func TestDeniedToolResultMarked(t *testing.T) {
	factory := newFakeFactory()
	s := testSession(t, factory, nil)

	sink := &recordSink{}
	ticket := submitText(t, s, "use tools", sink)

	conn := waitConn(t, factory)
	waitPrompt(t, conn)
	conn.emitToolCall("tc-1", "run_shell")
	conn.emitToolResult("tc-1", agent.DeniedMessage, true)
	conn.emitResult(agent.TurnResult{})

	require.NoError(t, waitTicket(t, ticket))
	assert.Equal(t, []ToolStatus{ToolDenied}, sink.done)
}

func TestDisposeFailsQueuedExactlyOnceAndIsIdempotent(t *testing.T) {
	factory := newFakeFactory()
	s := testSession(t, factory, nil)

	first := submitText(t, s, "first", nil)
	second := submitText(t, s, "second", nil)

	conn := waitConn(t, factory)
	waitPrompt(t, conn)

	s.Dispose()
	s.Dispose() // must not double-fail or panic

	require.ErrorIs(t, waitTicket(t, first), ErrSessionEnded)
	require.ErrorIs(t, waitTicket(t, second), ErrSessionEnded)
	assert.True(t, conn.isClosed())
	assert.Equal(t, StateTerminated, s.State())

	_, err := s.Submit(context.Background(), Request{Prompt: agent.Prompt{Text: "late"}})
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestUnexpectedStreamTerminationFailsAllThenRevives(t *testing.T) {
	factory := newFakeFactory()
	s := testSession(t, factory, nil)

	first := submitText(t, s, "first", nil)
	second := submitText(t, s, "second", nil)

	conn := waitConn(t, factory)
	conn.emitInit("sess-9")
	waitPrompt(t, conn)

	// The stream dies without a turn-result.
	conn.Close()

	require.ErrorIs(t, waitTicket(t, first), ErrSessionEnded)
	require.ErrorIs(t, waitTicket(t, second), ErrSessionEnded)
	assert.Equal(t, StateTerminated, s.State())

	// The session is not wedged: a new submission starts a fresh connection
	// that resumes the assigned identity.
	third := submitText(t, s, "third", nil)
	conn2 := waitConn(t, factory)
	assert.Equal(t, "sess-9", conn2.opts.ResumeID)
	waitPrompt(t, conn2)
	conn2.emitResult(agent.TurnResult{})
	require.NoError(t, waitTicket(t, third))
	assert.Equal(t, 2, factory.openCount())
}

func TestConnectionStartFailure(t *testing.T) {
	factory := newFakeFactory()
	factory.setFailure(errors.New("no such binary"))
	s := testSession(t, factory, nil)

	ticket := submitText(t, s, "first", nil)
	err := waitTicket(t, ticket)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection start failed")

	// The session returned to Uninitialized; a later submit may retry.
	assert.Eventually(t, func() bool {
		return s.State() == StateUninitialized
	}, testWait, 10*time.Millisecond)

	factory.setFailure(nil)
	retry := submitText(t, s, "again", nil)
	conn := waitConn(t, factory)
	waitPrompt(t, conn)
	conn.emitResult(agent.TurnResult{})
	require.NoError(t, waitTicket(t, retry))
}

func TestDriftRestartPreservesQueuedRequests(t *testing.T) {
	factory := newFakeFactory()
	detect := &flipDetector{}
	s := testSession(t, factory, detect)

	first := submitText(t, s, "first", nil)
	conn := waitConn(t, factory)
	conn.emitInit("sess-5")
	waitPrompt(t, conn)
	conn.emitResult(agent.TurnResult{})
	require.NoError(t, waitTicket(t, first))

	detect.markDirty()
	second := submitText(t, s, "second", nil)

	conn2 := waitConn(t, factory)
	assert.Equal(t, "sess-5", conn2.opts.ResumeID, "restart must resume the assigned identity")
	p := waitPrompt(t, conn2)
	assert.Equal(t, "second", p.Text, "queued request must survive the restart")
	conn2.emitResult(agent.TurnResult{})
	require.NoError(t, waitTicket(t, second))

	assert.Equal(t, 2, factory.openCount())
	assert.False(t, detect.HasChanges(), "snapshot must be retaken on start")
}

func TestCancelQueuedRequestLeavesConnectionAlone(t *testing.T) {
	factory := newFakeFactory()
	s := testSession(t, factory, nil)

	first := submitText(t, s, "first", nil)
	ctx, cancel := context.WithCancel(context.Background())
	second, err := s.Submit(ctx, Request{Prompt: agent.Prompt{Text: "second"}})
	require.NoError(t, err)
	third := submitText(t, s, "third", nil)

	conn := waitConn(t, factory)
	waitPrompt(t, conn)

	cancel()
	require.ErrorIs(t, waitTicket(t, second), context.Canceled)
	assert.True(t, second.Cancelled())
	assert.False(t, conn.isClosed())

	conn.emitResult(agent.TurnResult{})
	require.NoError(t, waitTicket(t, first))

	// The cancelled entry is gone; the third turn follows directly.
	p := waitPrompt(t, conn)
	assert.Equal(t, "third", p.Text)
	conn.emitResult(agent.TurnResult{})
	require.NoError(t, waitTicket(t, third))
}

func TestCancelActiveTurnAbortsGeneration(t *testing.T) {
	factory := newFakeFactory()
	s := testSession(t, factory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first, err := s.Submit(ctx, Request{Prompt: agent.Prompt{Text: "first"}})
	require.NoError(t, err)
	second := submitText(t, s, "second", nil)

	conn := waitConn(t, factory)
	waitPrompt(t, conn)

	cancel()

	require.ErrorIs(t, waitTicket(t, first), context.Canceled)
	assert.True(t, first.Cancelled())

	// Requests queued behind the aborted generation fail too.
	require.ErrorIs(t, waitTicket(t, second), ErrGenerationAborted)
	assert.False(t, second.Cancelled())

	assert.Eventually(t, conn.isClosed, testWait, 10*time.Millisecond)
	assert.Equal(t, StateTerminated, s.State())
}

func TestPerRequestModelOverride(t *testing.T) {
	factory := newFakeFactory()
	s := testSession(t, factory, nil)

	first, err := s.Submit(context.Background(), Request{
		Prompt: agent.Prompt{Text: "first"},
		Model:  "bigger-model",
	})
	require.NoError(t, err)

	conn := waitConn(t, factory)
	waitPrompt(t, conn)
	conn.emitResult(agent.TurnResult{})
	require.NoError(t, waitTicket(t, first))

	conn.mu.Lock()
	models := append([]string(nil), conn.models...)
	conn.mu.Unlock()
	assert.Equal(t, []string{"bigger-model"}, models)

	// Same value again is a no-op on the connection.
	second, err := s.Submit(context.Background(), Request{
		Prompt: agent.Prompt{Text: "second"},
		Model:  "bigger-model",
	})
	require.NoError(t, err)
	waitPrompt(t, conn)
	conn.emitResult(agent.TurnResult{})
	require.NoError(t, waitTicket(t, second))

	conn.mu.Lock()
	models = append([]string(nil), conn.models...)
	conn.mu.Unlock()
	assert.Equal(t, []string{"bigger-model"}, models)
}

func TestTurnReportHook(t *testing.T) {
	factory := newFakeFactory()
	reports := make(chan TurnReport, 4)
	s := newSession("test", SessionConfig{}, factory, nil, nil, Hooks{
		OnTurn: func(r TurnReport) { reports <- r },
	}, zerolog.Nop())

	ticket := submitText(t, s, "hello", nil)
	conn := waitConn(t, factory)
	conn.emitInit("sess-2")
	waitPrompt(t, conn)
	conn.emitResult(agent.TurnResult{Usage: &agent.Usage{InputTokens: 7}})
	require.NoError(t, waitTicket(t, ticket))

	select {
	case report := <-reports:
		assert.Equal(t, "test", report.SessionKey)
		assert.Equal(t, ticket.RequestID, report.RequestID)
		assert.Equal(t, "success", report.Status)
		assert.Equal(t, int64(7), report.Usage.InputTokens)
	case <-time.After(testWait):
		t.Fatal("timed out waiting for turn report")
	}
}
