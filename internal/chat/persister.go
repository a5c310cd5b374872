package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/speakenai/speaken/internal/ai"
	"github.com/speakenai/speaken/internal/logging"
	"github.com/speakenai/speaken/internal/metrics"
)

const (
	fallbackPrefix   = "Sorry, I couldn't reach the AI service.\n"
	exhaustedMessage = fallbackPrefix + "Tip: enable at least one provider/model on your OpenRouter key or try :free models."

	defaultFlushInterval = 150 * time.Millisecond
)

// ErrNothingToSend is returned by Prepare for blank input or an unknown user.
var ErrNothingToSend = errors.New("chat: nothing to send")

type SendStatus string

const (
	SendSkipped   SendStatus = "skipped"
	SendCompleted SendStatus = "completed"
	SendFailed    SendStatus = "failed"
	SendExhausted SendStatus = "exhausted"
	SendCancelled SendStatus = "cancelled"
)

type PersisterConfig struct {
	Candidates    []ai.Candidate
	SystemPrompt  string
	Temperature   float64
	FlushInterval time.Duration
	// IdleTimeout aborts a stream that produced no token for this long; 0 disables it.
	IdleTimeout time.Duration
	// ContextWindow caps the history turns sent upstream; 0 sends all of them.
	ContextWindow int
}

// Persister turns one learner message into a durably recorded assistant answer,
// writing partial output into a placeholder message while tokens arrive.
type Persister struct {
	store    Store
	registry *ai.Registry
	notifier Notifier
	cfg      PersisterConfig
	now      func() time.Time
	log      zerolog.Logger
}

func NewPersister(store Store, registry *ai.Registry, notifier Notifier, cfg PersisterConfig, log zerolog.Logger) *Persister {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	return &Persister{
		store:    store,
		registry: registry,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		log:      log.With().Str("component", "persister").Logger(),
	}
}

type SendInput struct {
	UserID    uint64
	SessionID string
	Text      string
	// Observe, if set, sees every placeholder write of this send.
	Observe func(Change)
}

// Pending is a send whose user message and placeholder are already stored.
type Pending struct {
	Session     *Session
	UserMessage *Message
	Placeholder *Message
	History     []ai.Message
	Text        string
}

type Outcome struct {
	Status  SendStatus
	Content string
	Model   string
}

type SendResult struct {
	Status      SendStatus `json:"status"`
	Session     *Session   `json:"session,omitempty"`
	UserMessage *Message   `json:"user_message,omitempty"`
	Placeholder *Message   `json:"assistant_message,omitempty"`
	Content     string     `json:"content"`
	Model       string     `json:"model,omitempty"`
}

// Send runs a whole send: prepare, generate, rename. Blank input is a no-op.
// Errors are only returned when no placeholder could be written; after that
// every failure ends up as placeholder text.
func (p *Persister) Send(ctx context.Context, in SendInput) (SendResult, error) {
	start := p.now()

	pend, err := p.Prepare(ctx, in)
	if errors.Is(err, ErrNothingToSend) {
		return SendResult{Status: SendSkipped}, nil
	}
	if err != nil {
		return SendResult{}, err
	}

	out := p.Generate(ctx, pend, in.Observe)
	if err := p.Finish(ctx, pend); err != nil {
		p.log.Warn().Err(err).Str("session_id", pend.Session.SessionID).Msg("rename session failed")
	}
	metrics.ObserveSend(string(out.Status), time.Since(start))

	pend.Placeholder.Content = out.Content
	return SendResult{
		Status:      out.Status,
		Session:     pend.Session,
		UserMessage: pend.UserMessage,
		Placeholder: pend.Placeholder,
		Content:     out.Content,
		Model:       out.Model,
	}, nil
}

// Prepare resolves the session, records the user message and seeds an empty
// assistant placeholder.
func (p *Persister) Prepare(ctx context.Context, in SendInput) (*Pending, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" || in.UserID == 0 {
		return nil, ErrNothingToSend
	}

	sess, err := p.resolveSession(ctx, in.UserID, in.SessionID)
	if err != nil {
		return nil, err
	}

	prior, err := p.store.ListMessages(ctx, sess.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	userMsg, err := p.store.InsertMessage(ctx, sess.SessionID, in.UserID, RoleUser, text)
	if err != nil {
		return nil, fmt.Errorf("record user message: %w", err)
	}
	p.publish(ctx, messageChange(MessageCreated, sess, userMsg))

	placeholder, err := p.store.InsertMessage(ctx, sess.SessionID, in.UserID, RoleAssistant, "")
	if err != nil {
		return nil, fmt.Errorf("seed assistant placeholder: %w", err)
	}
	p.publish(ctx, messageChange(MessageCreated, sess, placeholder))

	return &Pending{
		Session:     sess,
		UserMessage: userMsg,
		Placeholder: placeholder,
		History:     p.history(prior),
		Text:        text,
	}, nil
}

// Resume rebuilds a prepared send from a queued job.
func (p *Persister) Resume(ctx context.Context, job *Job) (*Pending, error) {
	sess, err := p.store.GetSession(ctx, job.SessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := p.store.ListMessages(ctx, job.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	pend := &Pending{Session: sess, Text: job.Prompt}
	var prior []Message
	for i := range msgs {
		if msgs[i].ID == job.PlaceholderID {
			pend.Placeholder = &msgs[i]
			break
		}
		prior = append(prior, msgs[i])
	}
	if pend.Placeholder == nil {
		return nil, ErrMessageNotFound
	}
	if n := len(prior); n > 0 && prior[n-1].Role == RoleUser {
		pend.UserMessage = &prior[n-1]
		prior = prior[:n-1]
	}
	pend.History = p.history(prior)
	return pend, nil
}

// Generate tries every candidate in order and leaves the placeholder in a
// terminal state, unless the caller went away.
func (p *Persister) Generate(ctx context.Context, pend *Pending, observe func(Change)) Outcome {
	f := &flusher{p: p, pend: pend, observe: observe}
	msgs := p.requestMessages(pend)
	log := p.log.With().
		Str("session_id", pend.Session.SessionID).
		Uint64("placeholder_id", pend.Placeholder.ID).
		Logger()

	for _, cand := range p.cfg.Candidates {
		err := p.attempt(ctx, cand, msgs, f)
		switch {
		case err == nil:
			metrics.IncCandidateAttempt(cand.Model, "ok")
			log.Info().Str("model", cand.Model).Int("chars", len(f.flushed)).Int("flushes", f.count).Msg("reply stored")
			return Outcome{Status: SendCompleted, Content: f.flushed, Model: cand.Model}

		case ctx.Err() != nil || errors.Is(err, ai.ErrCancelled):
			metrics.IncCandidateAttempt(cand.Model, "cancelled")
			log.Debug().Str("model", cand.Model).Msg("send cancelled by caller")
			return Outcome{Status: SendCancelled, Content: f.flushed, Model: cand.Model}

		case ai.IsModelNotFound(err):
			metrics.IncCandidateAttempt(cand.Model, "not_found")
			log.Info().Str("model", cand.Model).Msg("candidate model unavailable, trying next")
			continue

		default:
			metrics.IncCandidateAttempt(cand.Model, "error")
			log.Warn().Err(err).Str("model", cand.Model).Msg("generation failed")
			if werr := f.fail(ctx, err); werr != nil {
				log.Error().Err(werr).Msg("write fallback message failed")
			}
			return Outcome{Status: SendFailed, Content: f.flushed, Model: cand.Model}
		}
	}

	if f.buf.Len() == 0 {
		f.buf.WriteString(exhaustedMessage)
		if err := f.flush(ctx); err != nil {
			log.Error().Err(err).Msg("write exhausted message failed")
		}
	}
	log.Warn().Int("candidates", len(p.cfg.Candidates)).Msg("no candidate model answered")
	return Outcome{Status: SendExhausted, Content: f.flushed}
}

// Finish renames a session that still has a generated title.
func (p *Persister) Finish(ctx context.Context, pend *Pending) error {
	if !isDefaultTitle(pend.Session.Title) {
		return nil
	}
	// the title is kept even when the caller left mid-stream
	ctx = context.WithoutCancel(ctx)
	title := titleFromText(pend.Text)
	if err := p.store.RenameSession(ctx, pend.Session.SessionID, title); err != nil {
		return err
	}
	pend.Session.Title = title
	p.publish(ctx, Change{
		Kind:      SessionRenamed,
		UserID:    pend.Session.UserID,
		SessionID: pend.Session.SessionID,
		Title:     title,
		At:        p.now(),
	})
	return nil
}

func (p *Persister) attempt(ctx context.Context, cand ai.Candidate, msgs []ai.Message, f *flusher) error {
	prov, err := p.registry.Get(ctx, cand.Provider, cand.Model)
	if err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var idle *time.Timer
	if p.cfg.IdleTimeout > 0 {
		idle = time.AfterFunc(p.cfg.IdleTimeout, func() { cancel(ai.ErrIdleTimeout) })
		defer idle.Stop()
	}
	fail := func(err error) error {
		if ctx.Err() == nil && errors.Is(context.Cause(streamCtx), ai.ErrIdleTimeout) {
			return fmt.Errorf("%w: no token for %s", ai.ErrIdleTimeout, p.cfg.IdleTimeout)
		}
		return err
	}

	res, err := prov.Chat(streamCtx, ai.Request{
		Model:       cand.Model,
		Messages:    msgs,
		Temperature: p.cfg.Temperature,
		Stream:      true,
		UserID:      f.pend.Session.UserID,
	})
	if err != nil {
		return fail(err)
	}

	switch r := res.(type) {
	case *ai.Streamed:
		defer r.Close()
		for tok, err := range r.Tokens {
			if err != nil {
				return fail(err)
			}
			if idle != nil {
				idle.Reset(p.cfg.IdleTimeout)
			}
			f.buf.WriteString(tok)
			if f.due() {
				// storage time is not stream idle time
				if idle != nil {
					idle.Stop()
				}
				err := f.flush(ctx)
				if idle != nil {
					idle.Reset(p.cfg.IdleTimeout)
				}
				if err != nil {
					return err
				}
			}
		}
		if idle != nil {
			idle.Stop()
		}
		// a clean stream without tokens still ends the loop
		if f.buf.Len() == 0 {
			return nil
		}
		return f.flush(ctx)

	case ai.Complete:
		if r.Text == "" {
			return nil
		}
		f.buf.WriteString(r.Text)
		return f.flush(ctx)

	default:
		return fmt.Errorf("unexpected result %T", res)
	}
}

func (p *Persister) resolveSession(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	if sessionID == "" {
		sess, err := p.store.CreateSession(ctx, userID, DefaultSessionTitle)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		p.publish(ctx, Change{Kind: SessionCreated, UserID: userID, SessionID: sess.SessionID, Title: sess.Title, At: p.now()})
		return sess, nil
	}
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// history converts stored turns into provider messages, skipping empty ones
// (placeholders of sends that never produced text).
func (p *Persister) history(msgs []Message) []ai.Message {
	out := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	if w := p.cfg.ContextWindow; w > 0 && len(out) > w {
		out = out[len(out)-w:]
	}
	return out
}

func (p *Persister) requestMessages(pend *Pending) []ai.Message {
	msgs := make([]ai.Message, 0, len(pend.History)+2)
	if p.cfg.SystemPrompt != "" {
		msgs = append(msgs, ai.Message{Role: ai.RoleSystem, Content: p.cfg.SystemPrompt})
	}
	msgs = append(msgs, pend.History...)
	return append(msgs, ai.Message{Role: ai.RoleUser, Content: pend.Text})
}

func (p *Persister) publish(ctx context.Context, c Change) {
	if err := p.notifier.Publish(ctx, c); err != nil {
		p.log.Warn().Err(err).Str("kind", string(c.Kind)).Msg("publish change failed")
	}
}

func messageChange(kind ChangeKind, sess *Session, m *Message) Change {
	return Change{
		Kind:      kind,
		UserID:    sess.UserID,
		SessionID: sess.SessionID,
		MessageID: m.ID,
		Role:      m.Role,
		Content:   m.Content,
		At:        m.CreatedAt,
	}
}

// flusher is the timer-gated accumulator for one placeholder. Writes happen
// inline in the generation loop, so at most one is in flight.
type flusher struct {
	p       *Persister
	pend    *Pending
	observe func(Change)

	buf     strings.Builder
	flushed string
	last    time.Time
	count   int
}

func (f *flusher) due() bool {
	return f.p.now().Sub(f.last) >= f.p.cfg.FlushInterval
}

// flush replaces the placeholder content with everything accumulated so far.
func (f *flusher) flush(ctx context.Context) error {
	content := f.buf.String()
	if err := f.p.store.UpdateMessage(ctx, f.pend.Placeholder.ID, content); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ai.ErrCancelled, err)
		}
		return fmt.Errorf("update placeholder: %w", err)
	}
	f.last = f.p.now()
	f.flushed = content
	f.count++
	metrics.IncFlush()

	c := Change{
		Kind:      MessageUpdated,
		UserID:    f.pend.Session.UserID,
		SessionID: f.pend.Session.SessionID,
		MessageID: f.pend.Placeholder.ID,
		Role:      RoleAssistant,
		Content:   content,
		At:        f.last,
	}
	f.p.publish(ctx, c)
	if f.observe != nil {
		f.observe(c)
	}
	return nil
}

// fail writes the fallback notice. Partial output stays in front of it so the
// stored content never shrinks.
func (f *flusher) fail(ctx context.Context, cause error) error {
	notice := fallbackPrefix + cause.Error()
	if f.buf.Len() > 0 {
		f.buf.WriteString("\n\n")
	}
	f.buf.WriteString(notice)
	f.p.log.Debug().Str("notice", logging.Preview(notice, 80)).Msg("writing fallback notice")
	return f.flush(ctx)
}
