package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/speakenai/speaken/internal/common"
)

const welcomeGreeting = "Hello! I'm your AI English Tutor. Type your message and I'll give grammar feedback and concise explanations."

var (
	ErrEmptyTitle     = errors.New("chat: title is empty")
	ErrJobInterrupted = errors.New("chat: job interrupted")
)

// JobPublisher hands queued job ids to the worker.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Service struct {
	repo      *Repo
	persister *Persister
	notifier  Notifier
	jobs      JobPublisher
	log       zerolog.Logger
}

func NewService(repo *Repo, persister *Persister, notifier Notifier, jobs JobPublisher, log zerolog.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{
		repo:      repo,
		persister: persister,
		notifier:  notifier,
		jobs:      jobs,
		log:       log.With().Str("component", "chat").Logger(),
	}
}

// ListSessions returns the user's sessions. A user without any gets a
// "Welcome" session seeded with the tutor greeting.
func (s *Service) ListSessions(ctx context.Context, userID uint64) ([]Session, error) {
	sessions, err := s.repo.ListSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(sessions) > 0 {
		return sessions, nil
	}

	sess, err := s.CreateSession(ctx, userID, WelcomeSessionTitle)
	if err != nil {
		return nil, err
	}
	greeting, err := s.repo.InsertMessage(ctx, sess.SessionID, userID, RoleAssistant, welcomeGreeting)
	if err != nil {
		return nil, fmt.Errorf("seed welcome: %w", err)
	}
	s.publish(ctx, messageChange(MessageCreated, sess, greeting))
	return []Session{*sess}, nil
}

func (s *Service) CreateSession(ctx context.Context, userID uint64, title string) (*Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultSessionTitle
	}
	sess, err := s.repo.CreateSession(ctx, userID, title)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, Change{Kind: SessionCreated, UserID: userID, SessionID: sess.SessionID, Title: sess.Title, At: sess.CreatedAt})
	return sess, nil
}

func (s *Service) RenameSession(ctx context.Context, userID uint64, sessionID, title string) (*Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	if r := []rune(title); len(r) > 128 {
		title = string(r[:128])
	}
	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.RenameSession(ctx, sessionID, title); err != nil {
		return nil, err
	}
	sess.Title = title
	s.publish(ctx, Change{Kind: SessionRenamed, UserID: userID, SessionID: sessionID, Title: title, At: time.Now()})
	return sess, nil
}

func (s *Service) DeleteSession(ctx context.Context, userID uint64, sessionID string) error {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return err
	}
	if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	s.publish(ctx, Change{Kind: SessionDeleted, UserID: userID, SessionID: sessionID, At: time.Now()})
	return nil
}

// ListMessages pages backwards from beforeID (0 = newest) and returns the
// page in chronological order.
func (s *Service) ListMessages(ctx context.Context, userID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	switch {
	case limit <= 0:
		limit = 50
	case limit > 100:
		limit = 100
	}
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	desc, err := s.repo.ListMessagesPage(ctx, userID, sessionID, limit, beforeID)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(desc))
	for i := len(desc) - 1; i >= 0; i-- {
		out = append(out, desc[i])
	}
	return out, nil
}

// Send runs a synchronous send through the persister.
func (s *Service) Send(ctx context.Context, in SendInput) (SendResult, error) {
	return s.persister.Send(ctx, in)
}

// EnqueueSend records the user message and placeholder, then queues the
// generation. A repeated idempotency key returns the existing job.
func (s *Service) EnqueueSend(ctx context.Context, userID uint64, sessionID, text, idemKey string) (*Job, bool, error) {
	if s.jobs == nil {
		return nil, false, errors.New("chat: async sends are not configured")
	}
	idemKey = strings.TrimSpace(idemKey)
	if idemKey != "" {
		existing, err := s.repo.GetJobByUserAndIdempotencyKey(ctx, userID, idemKey)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			return nil, false, err
		}
	}

	pend, err := s.persister.Prepare(ctx, SendInput{UserID: userID, SessionID: sessionID, Text: text})
	if err != nil {
		return nil, false, err
	}

	id, err := common.NewULID()
	if err != nil {
		s.failPlaceholder(ctx, pend.Session, pend.Placeholder.ID, "enqueue failed: "+err.Error())
		return nil, false, err
	}
	job := &Job{
		ID:            id,
		UserID:        userID,
		SessionID:     pend.Session.SessionID,
		Prompt:        pend.Text,
		PlaceholderID: pend.Placeholder.ID,
		Status:        JobQueued,
	}
	if idemKey != "" {
		job.IdempotencyKey = &idemKey
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		s.failPlaceholder(ctx, pend.Session, pend.Placeholder.ID, "enqueue failed: "+err.Error())
		return nil, false, fmt.Errorf("create job: %w", err)
	}

	if err := s.jobs.PublishJob(ctx, job.ID); err != nil {
		msg := "enqueue failed: " + err.Error()
		_ = s.repo.MarkJobFailed(ctx, job.ID, msg)
		s.failPlaceholder(ctx, pend.Session, pend.Placeholder.ID, msg)
		return nil, false, fmt.Errorf("publish job: %w", err)
	}
	return job, false, nil
}

func (s *Service) GetJob(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	job, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// RunJob fills the placeholder of a queued job. It is called by the worker.
// Storage errors are returned with the job left running so a redelivery can
// try again; AbandonJob closes a job the worker gives up on.
func (s *Service) RunJob(ctx context.Context, jobID string) (Outcome, error) {
	if err := s.repo.UpdateJobStatusRunning(ctx, jobID); err != nil {
		return Outcome{}, err
	}
	job, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return Outcome{}, err
	}
	switch job.Status {
	case JobSucceeded:
		return Outcome{Status: SendCompleted}, nil
	case JobFailed:
		return Outcome{Status: SendFailed}, nil
	}

	pend, err := s.persister.Resume(ctx, job)
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrMessageNotFound):
		// nothing left to fill
		_ = s.repo.MarkJobFailed(ctx, jobID, err.Error())
		return Outcome{Status: SendFailed}, err
	case err != nil:
		return Outcome{}, err
	}

	start := time.Now()
	out := s.persister.Generate(ctx, pend, nil)
	if err := s.persister.Finish(ctx, pend); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("rename session failed")
	}

	switch out.Status {
	case SendCompleted:
		err = s.repo.MarkJobSucceeded(ctx, jobID)
	case SendCancelled:
		// leave the job running; the redelivered message resumes it
		return out, ErrJobInterrupted
	default:
		err = s.repo.MarkJobFailed(ctx, jobID, string(out.Status))
	}
	s.log.Info().
		Str("job_id", jobID).
		Str("status", string(out.Status)).
		Str("model", out.Model).
		Dur("cost", time.Since(start)).
		Msg("job finished")
	return out, err
}

// AbandonJob fails a job that will not be run again and writes the cause
// into its placeholder. Finished jobs are left alone.
func (s *Service) AbandonJob(ctx context.Context, jobID, cause string) error {
	ctx = context.WithoutCancel(ctx)
	job, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == JobSucceeded || job.Status == JobFailed {
		return nil
	}
	if err := s.repo.MarkJobFailed(ctx, jobID, cause); err != nil {
		return err
	}
	s.failPlaceholder(ctx, &Session{SessionID: job.SessionID, UserID: job.UserID}, job.PlaceholderID, cause)
	return nil
}

// failPlaceholder leaves the failure notice in a placeholder no generation
// will fill.
func (s *Service) failPlaceholder(ctx context.Context, sess *Session, placeholderID uint64, cause string) {
	ctx = context.WithoutCancel(ctx)
	content := fallbackPrefix + cause
	if err := s.repo.UpdateMessage(ctx, placeholderID, content); err != nil {
		s.log.Error().Err(err).Uint64("placeholder_id", placeholderID).Msg("write failure notice failed")
		return
	}
	s.publish(ctx, Change{
		Kind:      MessageUpdated,
		UserID:    sess.UserID,
		SessionID: sess.SessionID,
		MessageID: placeholderID,
		Role:      RoleAssistant,
		Content:   content,
		At:        time.Now(),
	})
}

func (s *Service) ownedSession(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) publish(ctx context.Context, c Change) {
	if err := s.notifier.Publish(ctx, c); err != nil {
		s.log.Warn().Err(err).Str("kind", string(c.Kind)).Msg("publish change failed")
	}
}
