package chat

import (
	"context"
	"errors"
	"time"

	"github.com/speakenai/speaken/internal/common"
	"gorm.io/gorm"
)

var (
	ErrSessionNotFound = errors.New("chat: session not found")
	ErrMessageNotFound = errors.New("chat: message not found")
	ErrJobNotFound     = errors.New("chat: job not found")
)

// Store is the storage collaborator the persister writes through.
type Store interface {
	ListSessions(ctx context.Context, owner uint64) ([]Session, error)
	CreateSession(ctx context.Context, owner uint64, title string) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	RenameSession(ctx context.Context, sessionID, title string) error
	DeleteSession(ctx context.Context, sessionID string) error
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	InsertMessage(ctx context.Context, sessionID string, owner uint64, role, content string) (*Message, error)
	UpdateMessage(ctx context.Context, id uint64, content string) error
}

type Repo struct {
	db *gorm.DB
}

var _ Store = (*Repo)(nil)

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Migrate creates the chat tables.
func (r *Repo) Migrate() error {
	return r.db.AutoMigrate(&Session{}, &Message{}, &Job{})
}

// ListSessions returns the owner's sessions, most recently active first.
func (r *Repo) ListSessions(ctx context.Context, owner uint64) ([]Session, error) {
	var out []Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", owner).
		Order("updated_at DESC").
		Order("id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) CreateSession(ctx context.Context, owner uint64, title string) (*Session, error) {
	sid, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = DefaultSessionTitle
	}
	s := &Session{SessionID: sid, UserID: owner, Title: title}
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Repo) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *Repo) RenameSession(ctx context.Context, sessionID, title string) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Update("title", title).Error
}

// DeleteSession removes the session with its messages and jobs.
func (r *Repo) DeleteSession(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&Job{}).Error; err != nil {
			return err
		}
		res := tx.Where("session_id = ?", sessionID).Delete(&Session{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// ListMessages returns the whole conversation in creation order.
func (r *Repo) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListMessagesPage returns messages in DESC id order (newest -> oldest).
func (r *Repo) ListMessagesPage(ctx context.Context, userID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("id DESC").
		Limit(limit)

	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// InsertMessage appends a message and bumps the session's updated_at.
func (r *Repo) InsertMessage(ctx context.Context, sessionID string, owner uint64, role, content string) (*Message, error) {
	m := &Message{
		SessionID: sessionID,
		UserID:    owner,
		Role:      role,
		Content:   content,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Model(&Session{}).
			Where("session_id = ?", sessionID).
			Update("updated_at", time.Now()).Error
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateMessage replaces the message content. RowsAffected is not checked:
// MySQL reports 0 for a write that leaves the row unchanged.
func (r *Repo) UpdateMessage(ctx context.Context, id uint64, content string) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", id).
		Update("content", content).Error
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	if job.IdempotencyKey != nil && *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobSucceeded,
			"error":  nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobFailed,
			"error":  errMsg,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}
