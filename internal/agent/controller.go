// Package agent runs the order-taking conversation: one user message in, one
// engine reply out, and the session's order updated whenever the reply
// carries a complete order payload.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pizzapal-backend/internal/dialogue"
	"pizzapal-backend/internal/extract"
	"pizzapal-backend/internal/order"
	"pizzapal-backend/internal/session"
	"pizzapal-backend/internal/store"
)

// Error codes carried in Response.Error.
const (
	ErrEngine        = "engine_error"
	ErrTranscription = "transcription_error"
	ErrVoiceDisabled = "voice_disabled"
)

const (
	completionNotice = "\n\n🎉 **Order Complete!** Your delicious pizza is being prepared! Check your order summary for the details."
	voiceErrorTurn   = "🎤 [Voice input error]"
	voicePrefix      = "🎤 "
)

// OrderSink receives every order a session records.
type OrderSink interface {
	SaveOrder(ctx context.Context, sessionID string, rec *order.Record) error
}

// SinkFunc adapts a function to OrderSink.
type SinkFunc func(ctx context.Context, sessionID string, rec *order.Record) error

func (f SinkFunc) SaveOrder(ctx context.Context, sessionID string, rec *order.Record) error {
	return f(ctx, sessionID, rec)
}

// Response is what the presentation layer shows after a turn.
type Response struct {
	SessionID  string
	Reply      string
	Transcript string
	Order      *order.Record
	State      session.State
	// Recorded is true when this turn produced a new order.
	Recorded bool
	Error    string
}

// Options holds per-call deadlines. Zero means no deadline.
type Options struct {
	EngineTimeout     time.Duration
	TranscribeTimeout time.Duration
	SinkTimeout       time.Duration
}

// Deps are the collaborators a Controller is built from.
type Deps struct {
	Dialogue    *dialogue.Config
	Engine      dialogue.Engine
	Transcriber dialogue.Transcriber
	Extractor   extract.Extractor
	Sessions    *store.MemoryStore
	Sinks       []OrderSink
	Log         logrus.FieldLogger
}

type Controller struct {
	dialogue    *dialogue.Config
	engine      dialogue.Engine
	transcriber dialogue.Transcriber
	extractor   extract.Extractor
	sessions    *store.MemoryStore
	sinks       []OrderSink
	log         logrus.FieldLogger
	opts        Options
}

func New(d Deps, opts Options) (*Controller, error) {
	if d.Dialogue == nil || d.Engine == nil || d.Sessions == nil {
		return nil, errors.New("agent: dialogue config, engine and session store are required")
	}
	if d.Extractor == nil {
		d.Extractor = extract.Permissive{}
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	return &Controller{
		dialogue:    d.Dialogue,
		engine:      d.Engine,
		transcriber: d.Transcriber,
		extractor:   d.Extractor,
		sessions:    d.Sessions,
		sinks:       d.Sinks,
		log:         d.Log.WithField("component", "agent"),
		opts:        opts,
	}, nil
}

// Dialogue returns the active variant.
func (c *Controller) Dialogue() *dialogue.Config { return c.dialogue }

// SubmitText handles one typed message. Blank input changes nothing.
func (c *Controller) SubmitText(ctx context.Context, sessionID, text string) (Response, error) {
	sess := c.sessions.GetOrCreate(sessionID)
	text = strings.TrimSpace(text)
	if text == "" {
		return c.snapshot(sess), nil
	}
	release, err := sess.BeginTurn(ctx)
	if err != nil {
		return Response{}, err
	}
	defer release()
	return c.turn(ctx, sess, text, text), nil
}

// SubmitVoice transcribes audio and handles the text as a turn. A failed
// transcription adds a visible error exchange and never reaches the engine,
// unless the caller gave up, in which case the session is left untouched.
func (c *Controller) SubmitVoice(ctx context.Context, sessionID string, audio []byte, filename string) (Response, error) {
	sess := c.sessions.GetOrCreate(sessionID)
	if !c.dialogue.VoiceEnabled || c.transcriber == nil {
		resp := c.snapshot(sess)
		resp.Reply = "🎤 Voice ordering isn't available here. Please type your order instead!"
		resp.Error = ErrVoiceDisabled
		return resp, nil
	}
	if len(audio) == 0 {
		return c.snapshot(sess), nil
	}
	release, err := sess.BeginTurn(ctx)
	if err != nil {
		return Response{}, err
	}
	defer release()

	log := c.log.WithField("session_id", sess.ID())
	tctx, cancel := c.withTimeout(ctx, c.opts.TranscribeTimeout)
	text, err := c.transcriber.Transcribe(tctx, audio, filename)
	cancel()
	if err == nil && strings.TrimSpace(text) == "" {
		err = &dialogue.TranscriptionError{Reason: "empty transcription"}
	}
	if err != nil && ctx.Err() != nil {
		log.WithError(err).Debug("voice request cancelled during transcription")
		resp := c.snapshot(sess)
		resp.Error = ErrTranscription
		return resp, nil
	}
	if err != nil {
		log.WithError(err).Warn("transcription failed")
		reply := voiceApology(err)
		sess.AppendUserTurn(voiceErrorTurn)
		sess.AppendAssistantTurn(reply)
		resp := c.snapshot(sess)
		resp.Reply = reply
		resp.Error = ErrTranscription
		return resp, nil
	}

	text = strings.TrimSpace(text)
	resp := c.turn(ctx, sess, text, voicePrefix+text)
	resp.Transcript = text
	return resp, nil
}

// HandleTurn runs one full turn on sess. Callers must hold the session's
// turn (see session.BeginTurn).
func (c *Controller) HandleTurn(ctx context.Context, sess *session.Session, userText string) Response {
	return c.turn(ctx, sess, userText, userText)
}

// turn sends engineText to the engine and records shownText as the user's
// turn; they differ only for voice input.
func (c *Controller) turn(ctx context.Context, sess *session.Session, engineText, shownText string) Response {
	log := c.log.WithField("session_id", sess.ID())
	mark := sess.Len()
	history := sess.History()
	sess.AppendUserTurn(shownText)

	instruction := c.dialogue.SystemInstruction()
	correction := sess.Correction()
	if correction != "" {
		instruction += "\n\n" + correction
	}

	ectx, cancel := c.withTimeout(ctx, c.opts.EngineTimeout)
	reply, err := c.engine.GenerateReply(ectx, instruction, history, engineText)
	cancel()
	if err == nil && strings.TrimSpace(reply) == "" {
		err = &dialogue.EngineError{Kind: dialogue.EngineEmpty, Err: errors.New("blank reply")}
	}
	if err != nil {
		sess.Rewind(mark)
		log.WithError(err).Error("dialogue engine call failed")
		resp := c.snapshot(sess)
		resp.Reply = engineApology(err)
		resp.Error = ErrEngine
		return resp
	}
	if correction != "" {
		sess.TakeCorrection()
	}
	sess.AppendAssistantTurn(reply)

	display := reply
	rec := c.recordIfTerminal(log, sess, reply)
	if rec != nil {
		display += completionNotice
		c.deliver(ctx, log, sess.ID(), rec)
	}

	resp := c.snapshot(sess)
	resp.Reply = display
	resp.Recorded = rec != nil
	return resp
}

func (c *Controller) recordIfTerminal(log logrus.FieldLogger, sess *session.Session, reply string) *order.Record {
	candidate, ok := c.extractor.Extract(reply)
	if !ok {
		return nil
	}
	payload, err := extract.Parse(candidate)
	if err != nil {
		log.WithError(err).Warn("reply looked like an order but did not parse")
		return nil
	}
	rec, err := sess.RecordOrderIfTerminal(payload, c.dialogue.Validator)
	if err != nil {
		log.WithError(err).Warn("order payload rejected")
		return nil
	}
	fields := logrus.Fields{"order_id": rec.ID, "total": rec.TotalPrice.StringFixed(2)}
	if len(rec.Warnings) > 0 {
		fields["warnings"] = len(rec.Warnings)
	}
	log.WithFields(fields).Info("order recorded")
	return rec
}

// deliver hands rec to every sink. Sink failures never affect the turn.
func (c *Controller) deliver(ctx context.Context, log logrus.FieldLogger, sessionID string, rec *order.Record) {
	for _, sink := range c.sinks {
		sctx, cancel := c.withTimeout(context.WithoutCancel(ctx), c.opts.SinkTimeout)
		if err := sink.SaveOrder(sctx, sessionID, rec.Clone()); err != nil {
			log.WithError(err).WithField("order_id", rec.ID).Error("order sink failed")
		}
		cancel()
	}
}

// CurrentOrder returns the session's latest order, or nil.
func (c *Controller) CurrentOrder(sessionID string) *order.Record {
	sess, ok := c.sessions.Get(sessionID)
	if !ok {
		return nil
	}
	return sess.CurrentOrder()
}

// History returns the session's transcript.
func (c *Controller) History(sessionID string) []dialogue.Turn {
	turns, _ := c.Conversation(sessionID)
	return turns
}

// Conversation returns the transcript and the order it led to, read
// together so a concurrent reset is never half visible.
func (c *Controller) Conversation(sessionID string) ([]dialogue.Turn, *order.Record) {
	sess, ok := c.sessions.Get(sessionID)
	if !ok {
		return nil, nil
	}
	return sess.Snapshot()
}

// ResetSession clears history and order. It waits for a running turn.
func (c *Controller) ResetSession(ctx context.Context, sessionID string) error {
	sess, ok := c.sessions.Get(sessionID)
	if !ok {
		return nil
	}
	release, err := sess.BeginTurn(ctx)
	if err != nil {
		return err
	}
	defer release()
	sess.Reset()
	c.log.WithField("session_id", sessionID).Info("session reset")
	return nil
}

func (c *Controller) snapshot(sess *session.Session) Response {
	current, state := sess.Status()
	return Response{SessionID: sess.ID(), Order: current, State: state}
}

func (c *Controller) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func engineApology(err error) string {
	var ee *dialogue.EngineError
	if errors.As(err, &ee) {
		switch ee.Kind {
		case dialogue.EngineTimeout:
			return "Sorry, my pizza brain took too long to answer. Please send that again!"
		case dialogue.EngineQuota:
			return "Sorry, the kitchen is swamped right now. Please try again in a moment!"
		}
	}
	return "Sorry, I'm having trouble connecting to my pizza brain right now. Please try again!"
}

func voiceApology(err error) string {
	reason := "unknown error"
	var te *dialogue.TranscriptionError
	if errors.As(err, &te) {
		reason = te.Reason
	}
	return fmt.Sprintf("Sorry, I couldn't understand your voice message (%s). Please try again or type your message.", reason)
}
