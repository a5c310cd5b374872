package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/speakenai/speaken/internal/ai"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := NewRepo(db).Migrate(); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type recordingPublisher struct {
	ids []string
	err error
}

func (p *recordingPublisher) PublishJob(_ context.Context, jobID string) error {
	if p.err != nil {
		return p.err
	}
	p.ids = append(p.ids, jobID)
	return nil
}

type recordingNotifier struct {
	changes []Change
}

func (n *recordingNotifier) Publish(_ context.Context, c Change) error {
	n.changes = append(n.changes, c)
	return nil
}

func (n *recordingNotifier) kinds() []ChangeKind {
	var out []ChangeKind
	for _, c := range n.changes {
		out = append(out, c.Kind)
	}
	return out
}

func newTestService(t *testing.T, prov *scriptedProvider, pub JobPublisher) (*Service, *Repo, *recordingNotifier) {
	t.Helper()
	repo := NewRepo(openTestDB(t))
	notes := &recordingNotifier{}

	reg := ai.NewRegistry()
	reg.Register("fake", func(context.Context, string) (ai.Provider, error) { return prov, nil })
	persister := NewPersister(repo, reg, notes, PersisterConfig{
		Candidates: []ai.Candidate{{Provider: "fake", Model: "default"}},
	}, zerolog.Nop())

	return NewService(repo, persister, notes, pub, zerolog.Nop()), repo, notes
}

func TestListSessions_SeedsWelcomeOnce(t *testing.T) {
	svc, repo, _ := newTestService(t, &scriptedProvider{text: "ok"}, nil)
	ctx := context.Background()

	sessions, err := svc.ListSessions(ctx, 7)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Title != WelcomeSessionTitle {
		t.Fatalf("expected a welcome session, got %+v", sessions)
	}
	msgs, err := repo.ListMessages(ctx, sessions[0].SessionID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != RoleAssistant || msgs[0].Content != welcomeGreeting {
		t.Fatalf("unexpected welcome messages %+v", msgs)
	}

	again, err := svc.ListSessions(ctx, 7)
	if err != nil {
		t.Fatalf("list sessions again: %v", err)
	}
	if len(again) != 1 || again[0].SessionID != sessions[0].SessionID {
		t.Fatalf("welcome session seeded twice: %+v", again)
	}
}

func TestSend_PersistsReplyAndRenamesWelcome(t *testing.T) {
	svc, repo, notes := newTestService(t, &scriptedProvider{tokens: []string{"Great", " job"}}, nil)
	ctx := context.Background()

	sessions, err := svc.ListSessions(ctx, 1)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	sid := sessions[0].SessionID

	res, err := svc.Send(ctx, SendInput{UserID: 1, SessionID: sid, Text: "I has a dog"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Status != SendCompleted || res.Content != "Great job" {
		t.Fatalf("unexpected result %+v", res)
	}

	msgs, err := repo.ListMessages(ctx, sid)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected greeting, user and assistant messages, got %d", len(msgs))
	}
	if msgs[1].Role != RoleUser || msgs[1].Content != "I has a dog" {
		t.Fatalf("unexpected user msg: role=%q content=%q", msgs[1].Role, msgs[1].Content)
	}
	if msgs[2].Role != RoleAssistant || msgs[2].Content != "Great job" {
		t.Fatalf("unexpected assistant msg: role=%q content=%q", msgs[2].Role, msgs[2].Content)
	}

	sess, err := repo.GetSession(ctx, sid)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Title != "I has a dog" {
		t.Fatalf("expected rename, got %q", sess.Title)
	}

	var renamed, updated bool
	for _, k := range notes.kinds() {
		renamed = renamed || k == SessionRenamed
		updated = updated || k == MessageUpdated
	}
	if !renamed || !updated {
		t.Fatalf("missing notifications: %v", notes.kinds())
	}
}

func TestService_ForeignSessionIsHidden(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedProvider{text: "ok"}, nil)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, 1, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.Title != DefaultSessionTitle {
		t.Fatalf("unexpected default title %q", sess.Title)
	}

	if _, err := svc.RenameSession(ctx, 2, sess.SessionID, "mine"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("rename: expected ErrSessionNotFound, got %v", err)
	}
	if err := svc.DeleteSession(ctx, 2, sess.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("delete: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := svc.ListMessages(ctx, 2, sess.SessionID, 10, 0); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("list: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := svc.RenameSession(ctx, 1, sess.SessionID, "   "); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("expected ErrEmptyTitle, got %v", err)
	}
}

func TestListMessages_PagesBackwards(t *testing.T) {
	svc, repo, _ := newTestService(t, &scriptedProvider{text: "ok"}, nil)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, 1, "paging")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	var ids []uint64
	for i := 0; i < 5; i++ {
		m, err := repo.InsertMessage(ctx, sess.SessionID, 1, RoleUser, fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatalf("seed msg %d: %v", i, err)
		}
		ids = append(ids, m.ID)
	}

	page, err := svc.ListMessages(ctx, 1, sess.SessionID, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].Content != "m3" || page[1].Content != "m4" {
		t.Fatalf("unexpected newest page %+v", page)
	}

	older, err := svc.ListMessages(ctx, 1, sess.SessionID, 2, page[0].ID)
	if err != nil {
		t.Fatalf("list older: %v", err)
	}
	if len(older) != 2 || older[0].ID != ids[1] || older[1].ID != ids[2] {
		t.Fatalf("unexpected older page %+v", older)
	}
}

func TestDeleteSession_RemovesMessages(t *testing.T) {
	svc, repo, notes := newTestService(t, &scriptedProvider{text: "ok"}, nil)
	ctx := context.Background()

	res, err := svc.Send(ctx, SendInput{UserID: 1, Text: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	sid := res.Session.SessionID
	if err := svc.DeleteSession(ctx, 1, sid); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetSession(ctx, sid); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session to be gone, got %v", err)
	}
	msgs, err := repo.ListMessages(ctx, sid)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected messages to cascade, got %d", len(msgs))
	}
	if kinds := notes.kinds(); kinds[len(kinds)-1] != SessionDeleted {
		t.Fatalf("expected a delete notification, got %v", kinds)
	}
}

func TestEnqueueSend_IdempotentAndRunJob(t *testing.T) {
	pub := &recordingPublisher{}
	svc, repo, _ := newTestService(t, &scriptedProvider{text: "well done"}, pub)
	ctx := context.Background()

	job, existing, err := svc.EnqueueSend(ctx, 1, "", "hello there", "key-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if existing || job.Status != JobQueued {
		t.Fatalf("unexpected first enqueue: existing=%v job=%+v", existing, job)
	}

	again, existing, err := svc.EnqueueSend(ctx, 1, "", "hello there", "key-1")
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}
	if !existing || again.ID != job.ID {
		t.Fatalf("expected existing job %s, got %+v", job.ID, again)
	}
	if len(pub.ids) != 1 || pub.ids[0] != job.ID {
		t.Fatalf("expected one publish, got %v", pub.ids)
	}

	if _, err := svc.GetJob(ctx, 2, job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("foreign job lookup: expected ErrJobNotFound, got %v", err)
	}

	out, err := svc.RunJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	if out.Status != SendCompleted {
		t.Fatalf("unexpected outcome %+v", out)
	}

	done, err := svc.GetJob(ctx, 1, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if done.Status != JobSucceeded {
		t.Fatalf("expected succeeded, got %s", done.Status)
	}
	msgs, err := repo.ListMessages(ctx, job.SessionID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].ID != job.PlaceholderID || msgs[1].Content != "well done" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	sess, _ := repo.GetSession(ctx, job.SessionID)
	if sess.Title != "hello there" {
		t.Fatalf("expected rename, got %q", sess.Title)
	}
}

func TestEnqueueSend_PublishFailureFailsJob(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc, repo, _ := newTestService(t, &scriptedProvider{text: "ok"}, pub)
	ctx := context.Background()

	if _, _, err := svc.EnqueueSend(ctx, 1, "", "hello", ""); err == nil {
		t.Fatalf("expected publish error")
	}

	var jobs []Job
	if err := repo.db.Find(&jobs).Error; err != nil {
		t.Fatalf("query jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != JobFailed || jobs[0].Error == nil {
		t.Fatalf("expected a failed job, got %+v", jobs)
	}
	msgs, _ := repo.ListMessages(ctx, jobs[0].SessionID)
	if len(msgs) != 2 || msgs[1].Content == "" {
		t.Fatalf("placeholder must explain the failure: %+v", msgs)
	}
}

func assistantMessages(t *testing.T, repo *Repo, userID uint64) []Message {
	t.Helper()
	var msgs []Message
	if err := repo.db.Where("user_id = ? AND role = ?", userID, RoleAssistant).Order("id").Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	return msgs
}

func TestEnqueueSend_JobRecordFailureFillsPlaceholder(t *testing.T) {
	pub := &recordingPublisher{}
	svc, repo, notes := newTestService(t, &scriptedProvider{text: "ok"}, pub)
	ctx := context.Background()

	if err := repo.db.Migrator().DropTable(&Job{}); err != nil {
		t.Fatalf("drop jobs: %v", err)
	}
	if _, _, err := svc.EnqueueSend(ctx, 7, "", "hello", ""); err == nil {
		t.Fatalf("expected create job error")
	}
	if len(pub.ids) != 0 {
		t.Fatalf("nothing should be published, got %v", pub.ids)
	}

	msgs := assistantMessages(t, repo, 7)
	if len(msgs) != 1 || !strings.HasPrefix(msgs[0].Content, fallbackPrefix+"enqueue failed: ") {
		t.Fatalf("placeholder must explain the failure: %+v", msgs)
	}
	last := notes.changes[len(notes.changes)-1]
	if last.Kind != MessageUpdated || last.MessageID != msgs[0].ID {
		t.Fatalf("failure notice not published: %+v", last)
	}
}

// flakySessions fails GetSession a fixed number of times.
type flakySessions struct {
	*Repo
	fails int
}

func (f *flakySessions) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("transient db error")
	}
	return f.Repo.GetSession(ctx, sessionID)
}

func TestRunJob_TransientErrorLeavesJobRetryable(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	prov := &scriptedProvider{text: "second time lucky"}
	reg := ai.NewRegistry()
	reg.Register("fake", func(context.Context, string) (ai.Provider, error) { return prov, nil })
	persister := NewPersister(&flakySessions{Repo: repo, fails: 1}, reg, nil, PersisterConfig{
		Candidates: []ai.Candidate{{Provider: "fake", Model: "default"}},
	}, zerolog.Nop())
	svc := NewService(repo, persister, nil, &recordingPublisher{}, zerolog.Nop())
	ctx := context.Background()

	job, _, err := svc.EnqueueSend(ctx, 7, "", "hello", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := svc.RunJob(ctx, job.ID); err == nil {
		t.Fatalf("expected the transient error")
	}
	mid, _ := repo.GetJobByID(ctx, job.ID)
	if mid.Status != JobRunning {
		t.Fatalf("job must stay retryable, got %s", mid.Status)
	}

	out, err := svc.RunJob(ctx, job.ID)
	if err != nil || out.Status != SendCompleted {
		t.Fatalf("retry: %+v %v", out, err)
	}
	if prov.calls != 1 {
		t.Fatalf("expected one provider call, got %d", prov.calls)
	}
	msgs := assistantMessages(t, repo, 7)
	if len(msgs) != 1 || msgs[0].Content != "second time lucky" {
		t.Fatalf("unexpected placeholder %+v", msgs)
	}
	done, _ := repo.GetJobByID(ctx, job.ID)
	if done.Status != JobSucceeded {
		t.Fatalf("expected succeeded, got %s", done.Status)
	}
}

func TestAbandonJob_WritesFailureIntoPlaceholder(t *testing.T) {
	svc, repo, _ := newTestService(t, &scriptedProvider{text: "ok"}, &recordingPublisher{})
	ctx := context.Background()

	job, _, err := svc.EnqueueSend(ctx, 7, "", "hello", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := svc.AbandonJob(ctx, job.ID, "retries exhausted"); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	failed, _ := repo.GetJobByID(ctx, job.ID)
	if failed.Status != JobFailed || failed.Error == nil || *failed.Error != "retries exhausted" {
		t.Fatalf("unexpected job %+v", failed)
	}
	msgs := assistantMessages(t, repo, 7)
	if len(msgs) != 1 || msgs[0].Content != fallbackPrefix+"retries exhausted" {
		t.Fatalf("unexpected placeholder %+v", msgs)
	}

	// a finished job keeps its content
	if err := svc.AbandonJob(ctx, job.ID, "again"); err != nil {
		t.Fatalf("abandon again: %v", err)
	}
	if msgs := assistantMessages(t, repo, 7); msgs[0].Content != fallbackPrefix+"retries exhausted" {
		t.Fatalf("finished job was rewritten: %q", msgs[0].Content)
	}
}
