package bots

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jimdaga/colloquium/internal/database/dbtest"
	"github.com/jimdaga/colloquium/internal/manuscripts"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/visibility"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEnqueuer struct {
	mu        sync.Mutex
	mentions  []MentionJob
	events    []EventJob
	pipelines []PipelineJob
	err       error
}

func (f *fakeEnqueuer) EnqueueMention(_ context.Context, job MentionJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.mentions = append(f.mentions, job)
	return nil
}

func (f *fakeEnqueuer) EnqueueEvent(_ context.Context, job EventJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, job)
	return nil
}

func (f *fakeEnqueuer) EnqueuePipeline(_ context.Context, job PipelineJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pipelines = append(f.pipelines, job)
	return nil
}

type harness struct {
	db         *gorm.DB
	registry   *Registry
	executor   *Executor
	dispatcher *Dispatcher
	enqueuer   *fakeEnqueuer
	engine     *visibility.Engine
	storage    *Storage

	manuscript *models.Manuscript
	conv       *models.Conversation
	editor     *models.User
	author     *models.User
}

// newHarness installs defs as bots holding perms on an UNDER_REVIEW manuscript
func newHarness(t *testing.T, perms []string, defs ...Definition) *harness {
	t.Helper()
	db := dbtest.Open(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{db: db, registry: NewRegistry(), enqueuer: &fakeEnqueuer{}, storage: NewStorage(rdb)}
	h.engine = visibility.NewEngine(db, visibility.NewRoleResolver(db), visibility.NewAnonymizationIndex(db), nil)

	for _, def := range defs {
		m := &Manifest{ID: def.ID, Name: def.ID + " bot", Version: "1.0.0", Permissions: perms, DefaultConfig: map[string]interface{}{}}
		inst, err := SyncInstallation(context.Background(), db, m, def)
		require.NoError(t, err)
		require.NoError(t, h.registry.Register(&Bot{Manifest: m, Definition: def, Installation: inst}))
	}

	svc := manuscripts.NewService(db, nil, testLogger())
	toolkits := NewToolkitFactory(NewIssuer("test-secret", time.Minute), db, h.storage, svc)
	h.executor = NewExecutor(ExecutorDeps{
		DB:       db,
		Registry: h.registry,
		Toolkits: toolkits,
		Engine:   h.engine,
		Poster:   NewPoster(db, nil, testLogger()),
		Logger:   testLogger(),
	})
	h.dispatcher = NewDispatcher(h.registry, h.executor, h.enqueuer, testLogger())

	h.manuscript = dbtest.Manuscript(t, db, models.StatusUnderReview, models.PhaseReview)
	h.conv = dbtest.Conversation(t, db, h.manuscript)
	h.editor = dbtest.User(t, db, "edith", models.UserRoleEditor)
	h.author = dbtest.User(t, db, "ada", models.UserRoleUser)
	dbtest.Author(t, db, h.manuscript, h.author)
	return h
}

func (h *harness) sender(t *testing.T, u *models.User) Sender {
	t.Helper()
	v, err := h.engine.ResolveViewer(context.Background(), &u.ID, u.Role, h.manuscript.ID)
	require.NoError(t, err)
	return Sender{UserID: u.ID, GlobalRole: u.Role, Role: v.Role}
}

func (h *harness) botMessages(t *testing.T) []models.Message {
	t.Helper()
	var msgs []models.Message
	require.NoError(t, h.db.Where("conversation_id = ? AND is_bot = ?", h.conv.ID, true).Order("id ASC").Find(&msgs).Error)
	return msgs
}

func reply(content string) CommandHandler {
	return func(_ context.Context, inv *Invocation) (*Result, error) {
		return &Result{Messages: []OutgoingMessage{{Content: content}}}, nil
	}
}
