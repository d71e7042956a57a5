package agent_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pizzapal-backend/internal/agent"
	"pizzapal-backend/internal/dialogue"
	"pizzapal-backend/internal/extract"
	"pizzapal-backend/internal/order"
	"pizzapal-backend/internal/session"
	"pizzapal-backend/internal/store"
)

const dialogueFile = "../../configs/dialogue.yaml"

type engineCall struct {
	instruction string
	history     []dialogue.Turn
	message     string
}

type fakeEngine struct {
	mu       sync.Mutex
	calls    []engineCall
	respond  func(ctx context.Context, call engineCall) (string, error)
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeEngine) GenerateReply(ctx context.Context, instruction string, history []dialogue.Turn, msg string) (string, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	call := engineCall{instruction: instruction, history: history, message: msg}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return f.respond(ctx, call)
}

func (f *fakeEngine) Calls() []engineCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engineCall(nil), f.calls...)
}

func replies(rs ...string) func(context.Context, engineCall) (string, error) {
	var mu sync.Mutex
	i := 0
	return func(context.Context, engineCall) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		r := rs[i%len(rs)]
		i++
		return r, nil
	}
}

type fakeTranscriber struct {
	text   string
	err    error
	calls  int
	onCall func()
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	f.calls++
	if f.onCall != nil {
		f.onCall()
	}
	return f.text, f.err
}

type recordingSink struct {
	mu     sync.Mutex
	orders []*order.Record
	err    error
}

func (s *recordingSink) SaveOrder(ctx context.Context, sessionID string, rec *order.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, rec)
	return s.err
}

type harness struct {
	ctrl     *agent.Controller
	engine   *fakeEngine
	tr       *fakeTranscriber
	sink     *recordingSink
	sessions *store.MemoryStore
	logs     *logtest.Hook
}

func newHarness(t *testing.T, variant string, respond func(context.Context, engineCall) (string, error)) *harness {
	t.Helper()
	cfg, err := dialogue.LoadConfig(dialogueFile, variant)
	require.NoError(t, err)
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	h := &harness{
		engine:   &fakeEngine{respond: respond},
		tr:       &fakeTranscriber{},
		sink:     &recordingSink{},
		sessions: store.NewMemoryStore(0),
		logs:     hook,
	}
	h.ctrl, err = agent.New(agent.Deps{
		Dialogue:    cfg,
		Engine:      h.engine,
		Transcriber: h.tr,
		Extractor:   extract.Permissive{},
		Sessions:    h.sessions,
		Sinks:       []agent.OrderSink{h.sink},
		Log:         log,
	}, agent.Options{EngineTimeout: time.Second, TranscribeTimeout: time.Second, SinkTimeout: time.Second})
	require.NoError(t, err)
	return h
}

const (
	fencedOrder = "Great choice! ```json\n{\"pizza\":\"Margherita\",\"address\":\"1 Main St\"}\n```\n Enjoy!"
	bareOrder   = `{"pizza":"Pepperoni","address":"2 Oak Ave"}`
)

func TestSubmitText_CollectingTurn(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies("Sure, what size would you like?"))
	ctx := context.Background()

	resp, err := h.ctrl.SubmitText(ctx, "s1", "  I want a pizza  ")
	require.NoError(t, err)
	assert.Equal(t, "Sure, what size would you like?", resp.Reply)
	assert.Nil(t, resp.Order)
	assert.False(t, resp.Recorded)
	assert.Equal(t, session.StateCollecting, resp.State)
	assert.Empty(t, resp.Error)

	hist := h.ctrl.History("s1")
	require.Len(t, hist, 2)
	assert.Equal(t, dialogue.Turn{Role: dialogue.RoleUser, Text: "I want a pizza"}, hist[0])
	assert.Equal(t, dialogue.RoleAssistant, hist[1].Role)
	assert.Nil(t, h.ctrl.CurrentOrder("s1"))
}

func TestSubmitText_EngineGetsPriorHistoryAndNewMessage(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies("Ciao!", "Which pizza?"))
	ctx := context.Background()

	_, err := h.ctrl.SubmitText(ctx, "s1", "hi")
	require.NoError(t, err)
	_, err = h.ctrl.SubmitText(ctx, "s1", "a pizza please")
	require.NoError(t, err)

	calls := h.engine.Calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].history)
	assert.Equal(t, "hi", calls[0].message)
	assert.Equal(t, []dialogue.Turn{
		{Role: dialogue.RoleUser, Text: "hi"},
		{Role: dialogue.RoleAssistant, Text: "Ciao!"},
	}, calls[1].history)
	assert.Equal(t, "a pizza please", calls[1].message)
	assert.Equal(t, h.ctrl.Dialogue().SystemInstruction(), calls[1].instruction)
}

func TestSubmitText_FencedOrderCompletes(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies(fencedOrder))

	resp, err := h.ctrl.SubmitText(context.Background(), "s1", "1 Main St")
	require.NoError(t, err)
	require.NotNil(t, resp.Order)
	assert.True(t, resp.Recorded)
	assert.Equal(t, session.StateCompleted, resp.State)
	assert.True(t, strings.HasPrefix(resp.Reply, fencedOrder))
	assert.Contains(t, resp.Reply, "Order Complete!")
	assert.Equal(t, "Margherita", resp.Order.Primary()[0].Name)
	assert.Equal(t, "7.5", resp.Order.Primary()[0].Price.String())
	assert.Equal(t, "1 Main St", resp.Order.DeliveryAddress)

	hist := h.ctrl.History("s1")
	require.Len(t, hist, 2)
	assert.Equal(t, fencedOrder, hist[1].Text, "stored turn is the raw reply")

	require.Len(t, h.sink.orders, 1)
	assert.Equal(t, resp.Order.ID, h.sink.orders[0].ID)
}

func TestSubmitText_BareOrderCompletes(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies(bareOrder))

	resp, err := h.ctrl.SubmitText(context.Background(), "s1", "2 Oak Ave")
	require.NoError(t, err)
	require.NotNil(t, resp.Order)
	assert.Equal(t, "Pepperoni", resp.Order.Primary()[0].Name)
	assert.Equal(t, "2 Oak Ave", h.ctrl.CurrentOrder("s1").DeliveryAddress)
}

func TestSubmitText_BlankIsNoOp(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies(bareOrder))
	ctx := context.Background()
	_, err := h.ctrl.SubmitText(ctx, "s1", "order")
	require.NoError(t, err)
	before := h.ctrl.CurrentOrder("s1")

	resp, err := h.ctrl.SubmitText(ctx, "s1", " \t\n ")
	require.NoError(t, err)
	assert.Len(t, h.engine.Calls(), 1)
	assert.Len(t, h.ctrl.History("s1"), 2)
	assert.Equal(t, before, resp.Order)
	assert.Empty(t, resp.Reply)
}

func TestSubmitText_EngineFailureLeavesHistoryUnchanged(t *testing.T) {
	fail := true
	h := newHarness(t, "pizzapal-voice-lite", func(context.Context, engineCall) (string, error) {
		if fail {
			return "", &dialogue.EngineError{Kind: dialogue.EngineQuota, Err: errors.New("429")}
		}
		return "What pizza?", nil
	})
	ctx := context.Background()

	resp, err := h.ctrl.SubmitText(ctx, "s1", "hi")
	require.NoError(t, err)
	assert.Equal(t, agent.ErrEngine, resp.Error)
	assert.Contains(t, resp.Reply, "Sorry")
	assert.Empty(t, h.ctrl.History("s1"))
	assert.Equal(t, session.StateCollecting, resp.State)

	fail = false
	resp, err = h.ctrl.SubmitText(ctx, "s1", "hi")
	require.NoError(t, err)
	assert.Empty(t, resp.Error)
	assert.Len(t, h.ctrl.History("s1"), 2)
}

func TestSubmitText_EngineFailureKeepsCompletedOrder(t *testing.T) {
	calls := 0
	h := newHarness(t, "pizzapal-voice-lite", func(context.Context, engineCall) (string, error) {
		calls++
		if calls == 1 {
			return bareOrder, nil
		}
		return "", &dialogue.EngineError{Kind: dialogue.EngineTransport, Err: errors.New("reset by peer")}
	})
	ctx := context.Background()
	first, err := h.ctrl.SubmitText(ctx, "s1", "order")
	require.NoError(t, err)

	resp, err := h.ctrl.SubmitText(ctx, "s1", "thanks")
	require.NoError(t, err)
	assert.Equal(t, agent.ErrEngine, resp.Error)
	assert.Equal(t, session.StateCompleted, resp.State)
	assert.Equal(t, first.Order.ID, resp.Order.ID)
	assert.Len(t, h.ctrl.History("s1"), 2)
}

func TestSubmitText_CancelledCallAppendsNoAssistantTurn(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", func(ctx context.Context, _ engineCall) (string, error) {
		<-ctx.Done()
		return "", &dialogue.EngineError{Kind: dialogue.EngineCanceled, Err: ctx.Err()}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	resp, err := h.ctrl.SubmitText(ctx, "s1", "hi")
	require.NoError(t, err)
	assert.Equal(t, agent.ErrEngine, resp.Error)
	assert.Empty(t, h.ctrl.History("s1"))
}

func TestSubmitText_BlankReplyIsAnEngineError(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies("   "))
	resp, err := h.ctrl.SubmitText(context.Background(), "s1", "hi")
	require.NoError(t, err)
	assert.Equal(t, agent.ErrEngine, resp.Error)
	assert.Empty(t, h.ctrl.History("s1"))
}

func TestSubmitText_SecondOrderReplacesFirst(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies(
		`{"pizza":"Margherita","address":"1 Main St","dietary_notes":"vegan"}`,
		bareOrder,
	))
	ctx := context.Background()
	_, err := h.ctrl.SubmitText(ctx, "s1", "first")
	require.NoError(t, err)
	_, err = h.ctrl.SubmitText(ctx, "s1", "actually")
	require.NoError(t, err)

	got := h.ctrl.CurrentOrder("s1")
	require.NotNil(t, got)
	assert.Equal(t, "Pepperoni", got.Primary()[0].Name)
	assert.Equal(t, "2 Oak Ave", got.DeliveryAddress)
	assert.Empty(t, got.DietaryNotes)
	assert.Len(t, h.sink.orders, 2)
}

func TestSubmitText_RejectedOrderFeedsCorrectionBack(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies(
		`{"pizza":"Margherita"}`,
		"Oops, where should we deliver?",
		"Thanks!",
	))
	ctx := context.Background()

	resp, err := h.ctrl.SubmitText(ctx, "s1", "that's all")
	require.NoError(t, err)
	assert.Nil(t, resp.Order)
	assert.False(t, resp.Recorded)
	assert.NotContains(t, resp.Reply, "Order Complete")
	assert.Len(t, h.ctrl.History("s1"), 2)

	_, err = h.ctrl.SubmitText(ctx, "s1", "hmm?")
	require.NoError(t, err)
	_, err = h.ctrl.SubmitText(ctx, "s1", "1 Main St")
	require.NoError(t, err)

	calls := h.engine.Calls()
	require.Len(t, calls, 3)
	base := h.ctrl.Dialogue().SystemInstruction()
	assert.Equal(t, base, calls[0].instruction)
	assert.True(t, strings.HasPrefix(calls[1].instruction, base))
	assert.Contains(t, calls[1].instruction, "not accepted")
	assert.Contains(t, calls[1].instruction, "address")
	assert.Equal(t, base, calls[2].instruction, "note is sent once")
	assert.Len(t, h.ctrl.History("s1"), 6)
	assert.Empty(t, h.sink.orders)
}

func TestSubmitText_UnparseableCandidateIsDisplayedOnly(t *testing.T) {
	reply := `Here it is: {"pizza": {"name": "Margherita"}, "address": "1 Main St"}`
	h := newHarness(t, "pizzapal-voice-lite", replies(reply))

	resp, err := h.ctrl.SubmitText(context.Background(), "s1", "done")
	require.NoError(t, err)
	assert.Equal(t, reply, resp.Reply)
	assert.Nil(t, resp.Order)
	assert.Len(t, h.ctrl.History("s1"), 2)

	var warned bool
	for _, e := range h.logs.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "did not parse") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestSubmitText_SinkFailureDoesNotAffectTurn(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies(bareOrder))
	h.sink.err = errors.New("disk full")

	resp, err := h.ctrl.SubmitText(context.Background(), "s1", "order")
	require.NoError(t, err)
	assert.True(t, resp.Recorded)
	assert.Empty(t, resp.Error)
	assert.NotNil(t, h.ctrl.CurrentOrder("s1"))
}

func TestSubmitText_SessionsAreIsolated(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies(bareOrder, "Hello!"))
	ctx := context.Background()
	_, err := h.ctrl.SubmitText(ctx, "a", "order")
	require.NoError(t, err)
	_, err = h.ctrl.SubmitText(ctx, "b", "hi")
	require.NoError(t, err)

	assert.NotNil(t, h.ctrl.CurrentOrder("a"))
	assert.Nil(t, h.ctrl.CurrentOrder("b"))
	assert.Len(t, h.ctrl.History("b"), 2)
}

func TestSubmitText_TurnsOfOneSessionAreSerialised(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", func(context.Context, engineCall) (string, error) {
		time.Sleep(time.Millisecond)
		return "ok", nil
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ctrl.SubmitText(ctx, "s1", "hi")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.engine.maxSeen.Load())
	hist := h.ctrl.History("s1")
	require.Len(t, hist, 20)
	for i, turn := range hist {
		if i%2 == 0 {
			assert.Equal(t, dialogue.RoleUser, turn.Role)
		} else {
			assert.Equal(t, dialogue.RoleAssistant, turn.Role)
		}
	}
}

func TestSubmitVoice_TranscriptionFailure(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies("unused"))
	h.tr.err = &dialogue.TranscriptionError{Reason: "whisper request failed (rejected)"}

	resp, err := h.ctrl.SubmitVoice(context.Background(), "s1", []byte("noise"), "v.webm")
	require.NoError(t, err)
	assert.Equal(t, agent.ErrTranscription, resp.Error)
	assert.Contains(t, resp.Reply, "couldn't understand your voice message")
	assert.Empty(t, h.engine.Calls())

	hist := h.ctrl.History("s1")
	require.Len(t, hist, 2)
	assert.Equal(t, dialogue.Turn{Role: dialogue.RoleUser, Text: "🎤 [Voice input error]"}, hist[0])
	assert.Equal(t, resp.Reply, hist[1].Text)
	assert.Nil(t, resp.Order)
}

func TestSubmitVoice_CancelledTranscriptionLeavesSessionUntouched(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies("unused"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.tr.onCall = cancel
	h.tr.err = &dialogue.TranscriptionError{Reason: "whisper request failed (canceled)", Err: context.Canceled}

	resp, err := h.ctrl.SubmitVoice(ctx, "s1", []byte("noise"), "v.webm")
	require.NoError(t, err)
	assert.Equal(t, agent.ErrTranscription, resp.Error)
	assert.Empty(t, h.engine.Calls())
	assert.Empty(t, h.ctrl.History("s1"))
}

func TestSubmitVoice_TranscribeTimeoutKeepsErrorTurns(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies("unused"))
	h.tr.err = &dialogue.TranscriptionError{Reason: "whisper request failed (timeout)", Err: context.DeadlineExceeded}

	resp, err := h.ctrl.SubmitVoice(context.Background(), "s1", []byte("noise"), "v.webm")
	require.NoError(t, err)
	assert.Equal(t, agent.ErrTranscription, resp.Error)
	assert.Len(t, h.ctrl.History("s1"), 2)
}

func TestSubmitVoice_Success(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies("One Pepperoni coming up. Address?"))
	h.tr.text = " one pepperoni please "

	resp, err := h.ctrl.SubmitVoice(context.Background(), "s1", []byte("audio"), "v.webm")
	require.NoError(t, err)
	assert.Empty(t, resp.Error)
	assert.Equal(t, "one pepperoni please", resp.Transcript)

	calls := h.engine.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "one pepperoni please", calls[0].message)
	assert.Equal(t, "🎤 one pepperoni please", h.ctrl.History("s1")[0].Text)
}

func TestSubmitVoice_BlankTranscriptIsAFailure(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies("unused"))
	h.tr.text = "  "

	resp, err := h.ctrl.SubmitVoice(context.Background(), "s1", []byte("audio"), "")
	require.NoError(t, err)
	assert.Equal(t, agent.ErrTranscription, resp.Error)
	assert.Empty(t, h.engine.Calls())
}

func TestSubmitVoice_EmptyAudioIsNoOp(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies("unused"))
	resp, err := h.ctrl.SubmitVoice(context.Background(), "s1", nil, "")
	require.NoError(t, err)
	assert.Empty(t, resp.Error)
	assert.Zero(t, h.tr.calls)
	assert.Empty(t, h.ctrl.History("s1"))
}

func TestSubmitVoice_DisabledVariant(t *testing.T) {
	h := newHarness(t, "pizzapal-lite", replies("unused"))
	resp, err := h.ctrl.SubmitVoice(context.Background(), "s1", []byte("audio"), "v.webm")
	require.NoError(t, err)
	assert.Equal(t, agent.ErrVoiceDisabled, resp.Error)
	assert.Zero(t, h.tr.calls)
	assert.Empty(t, h.ctrl.History("s1"))
}

func TestResetSession(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies(bareOrder))
	ctx := context.Background()
	_, err := h.ctrl.SubmitText(ctx, "s1", "order")
	require.NoError(t, err)

	require.NoError(t, h.ctrl.ResetSession(ctx, "s1"))
	assert.Empty(t, h.ctrl.History("s1"))
	assert.Nil(t, h.ctrl.CurrentOrder("s1"))
	require.NoError(t, h.ctrl.ResetSession(ctx, "unknown"))
}

func TestResetSession_WaitsForRunningTurn(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies("unused"))
	sess := h.sessions.GetOrCreate("s1")
	release, err := sess.BeginTurn(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.ctrl.ResetSession(ctx, "s1"), context.DeadlineExceeded)
}

func TestCurrentOrder_UnknownSession(t *testing.T) {
	h := newHarness(t, "pizzapal-voice-lite", replies("unused"))
	assert.Nil(t, h.ctrl.CurrentOrder("nobody"))
	assert.Nil(t, h.ctrl.History("nobody"))
	assert.Zero(t, h.sessions.Len())
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := agent.New(agent.Deps{}, agent.Options{})
	assert.Error(t, err)
}

func TestSinkFunc(t *testing.T) {
	var got string
	sink := agent.SinkFunc(func(_ context.Context, sid string, _ *order.Record) error {
		got = sid
		return nil
	})
	require.NoError(t, sink.SaveOrder(context.Background(), "s9", nil))
	assert.Equal(t, "s9", got)
}

func TestProperty_BraceFreeRepliesNeverComplete(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("order and state unchanged, history grows by two", prop.ForAll(
		func(reply string) bool {
			h := newHarness(t, "pizzapal-voice-lite", replies(reply))
			resp, err := h.ctrl.SubmitText(context.Background(), "s1", "hi")
			return err == nil &&
				resp.Order == nil &&
				resp.State == session.StateCollecting &&
				len(h.ctrl.History("s1")) == 2
		},
		gen.AlphaString().SuchThat(func(s string) bool { return strings.TrimSpace(s) != "" }),
	))
	properties.TestingRun(t)
}
