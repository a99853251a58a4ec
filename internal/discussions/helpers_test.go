package discussions

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jimdaga/colloquium/internal/bots"
	"github.com/jimdaga/colloquium/internal/broadcast"
	"github.com/jimdaga/colloquium/internal/database/dbtest"
	"github.com/jimdaga/colloquium/internal/manuscripts"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/streams"
	"github.com/jimdaga/colloquium/internal/visibility"
	"github.com/jimdaga/colloquium/internal/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEnqueuer struct {
	mu        sync.Mutex
	mentions  []bots.MentionJob
	events    []bots.EventJob
	pipelines []bots.PipelineJob
}

func (f *fakeEnqueuer) EnqueueMention(_ context.Context, job bots.MentionJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mentions = append(f.mentions, job)
	return nil
}

func (f *fakeEnqueuer) EnqueueEvent(_ context.Context, job bots.EventJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, job)
	return nil
}

func (f *fakeEnqueuer) EnqueuePipeline(_ context.Context, job bots.PipelineJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipelines = append(f.pipelines, job)
	return nil
}

// echoBot answers ping inline and posts an editor-only button on ask
func echoBot() bots.Definition {
	return bots.Definition{
		ID: "echo",
		Commands: map[string]bots.Command{
			"ping": {Handler: func(context.Context, *bots.Invocation) (*bots.Result, error) {
				return &bots.Result{Messages: []bots.OutgoingMessage{{Content: "pong"}}}, nil
			}},
			"ask": {Handler: func(context.Context, *bots.Invocation) (*bots.Result, error) {
				return &bots.Result{Messages: []bots.OutgoingMessage{{
					Content: "Ready to proceed?",
					Actions: []models.MessageAction{{
						Label:       "Proceed",
						Handler:     models.ActionHandler{Action: "ack"},
						TargetRoles: []string{string(visibility.RoleEditor)},
					}},
				}}}, nil
			}},
		},
		Events: map[string]bots.EventHandler{
			streams.EventFileUploaded: func(context.Context, *bots.EventInvocation) (*bots.Result, error) {
				return &bots.Result{}, nil
			},
		},
		Actions: map[string]bots.ActionHandlerFunc{
			"ack": func(_ context.Context, inv *bots.ActionInvocation) (*bots.ActionResult, error) {
				label := "Proceeding"
				return &bots.ActionResult{Label: &label}, nil
			},
		},
	}
}

type fixture struct {
	db       *gorm.DB
	svc      *Service
	hub      *broadcast.Hub
	enqueuer *fakeEnqueuer

	m        *models.Manuscript
	conv     *models.Conversation
	author   *models.User
	reviewer *models.User
	editor   *models.User
	outsider *models.User
}

// newFixture builds the service over an UNDER_REVIEW manuscript in the
// REVIEW phase. An empty cfgYAML installs no workflow configuration.
func newFixture(t *testing.T, cfgYAML string) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	logger := testLogger()

	var cfg *workflow.Config
	if cfgYAML != "" {
		var err error
		cfg, err = workflow.Parse([]byte(cfgYAML))
		require.NoError(t, err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	engine := visibility.NewEngine(db, visibility.NewRoleResolver(db), visibility.NewAnonymizationIndex(db), cfg)
	hub := broadcast.NewHub(db, engine, logger)
	t.Cleanup(hub.Close)

	registry := bots.NewRegistry()
	def := echoBot()
	manifest := &bots.Manifest{ID: def.ID, Name: "Echo", Version: "1.0.0", DefaultConfig: map[string]interface{}{}}
	inst, err := bots.SyncInstallation(context.Background(), db, manifest, def)
	require.NoError(t, err)
	require.NoError(t, registry.Register(&bots.Bot{Manifest: manifest, Definition: def, Installation: inst}))

	msvc := manuscripts.NewService(db, cfg, logger)
	executor := bots.NewExecutor(bots.ExecutorDeps{
		DB:        db,
		Registry:  registry,
		Toolkits:  bots.NewToolkitFactory(bots.NewIssuer("test", time.Minute), db, bots.NewStorage(rdb), msvc),
		Engine:    engine,
		Poster:    bots.NewPoster(db, hub, logger),
		Broadcast: hub,
		Logger:    logger,
	})
	enq := &fakeEnqueuer{}

	f := &fixture{db: db, hub: hub, enqueuer: enq}
	f.svc = NewService(Deps{
		DB:          db,
		Engine:      engine,
		Hub:         hub,
		Broadcast:   hub,
		Dispatcher:  bots.NewDispatcher(registry, executor, enq, logger),
		Executor:    executor,
		Manuscripts: msvc,
		Logger:      logger,
	})

	f.m = dbtest.Manuscript(t, db, models.StatusUnderReview, models.PhaseReview)
	f.conv = dbtest.Conversation(t, db, f.m)
	f.author = dbtest.User(t, db, "ada", models.UserRoleUser)
	f.reviewer = dbtest.User(t, db, "grace", models.UserRoleUser)
	f.editor = dbtest.User(t, db, "edith", models.UserRoleEditor)
	f.outsider = dbtest.User(t, db, "mallory", models.UserRoleUser)
	dbtest.Author(t, db, f.m, f.author)
	dbtest.Reviewer(t, db, f.m, f.reviewer, models.ReviewStatusInProgress, time.Now())
	return f
}

func as(u *models.User) Caller {
	id := u.ID
	return Caller{UserID: &id, GlobalRole: u.Role}
}

func (f *fixture) post(t *testing.T, u *models.User, privacy models.Privacy, content string) *PostResult {
	t.Helper()
	res, err := f.svc.PostMessage(context.Background(), as(u), PostInput{ConversationID: f.conv.ID, Content: content, Privacy: privacy})
	require.NoError(t, err)
	return res
}

func (f *fixture) botMessages(t *testing.T) []models.Message {
	t.Helper()
	var msgs []models.Message
	require.NoError(t, f.db.Where("conversation_id = ? AND is_bot = ?", f.conv.ID, true).Order("id ASC").Find(&msgs).Error)
	return msgs
}
