package builtin

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jimdaga/colloquium/internal/apperr"
	"github.com/jimdaga/colloquium/internal/bots"
	"github.com/jimdaga/colloquium/internal/database/dbtest"
	"github.com/jimdaga/colloquium/internal/manuscripts"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/streams"
	"github.com/jimdaga/colloquium/internal/visibility"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type nopEnqueuer struct{}

func (nopEnqueuer) EnqueueMention(context.Context, bots.MentionJob) error   { return nil }
func (nopEnqueuer) EnqueueEvent(context.Context, bots.EventJob) error       { return nil }
func (nopEnqueuer) EnqueuePipeline(context.Context, bots.PipelineJob) error { return nil }

type env struct {
	db       *gorm.DB
	registry *bots.Registry
	executor *bots.Executor
	engine   *visibility.Engine
	m        *models.Manuscript
	conv     *models.Conversation
	editor   *models.User
}

func manifestDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "bots")
}

// newEnv loads the shipped manifests onto an UNDER_REVIEW manuscript
func newEnv(t *testing.T) *env {
	t.Helper()
	db := dbtest.Open(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	registry, err := bots.Load(context.Background(), db, manifestDir(t), All(), logger)
	require.NoError(t, err)
	require.Equal(t, 3, registry.Count())

	e := &env{db: db, registry: registry}
	e.engine = visibility.NewEngine(db, visibility.NewRoleResolver(db), visibility.NewAnonymizationIndex(db), nil)
	svc := manuscripts.NewService(db, nil, logger)
	e.executor = bots.NewExecutor(bots.ExecutorDeps{
		DB:       db,
		Registry: registry,
		Toolkits: bots.NewToolkitFactory(bots.NewIssuer("test", time.Minute), db, bots.NewStorage(rdb), svc),
		Engine:   e.engine,
		Poster:   bots.NewPoster(db, nil, logger),
		Logger:   logger,
	})

	e.m = dbtest.Manuscript(t, db, models.StatusUnderReview, models.PhaseReview)
	e.conv = dbtest.Conversation(t, db, e.m)
	e.editor = dbtest.User(t, db, "edith", models.UserRoleEditor)
	return e
}

func (e *env) run(t *testing.T, botID, command string, params map[string]string) (*bots.Result, error) {
	t.Helper()
	bot, ok := e.registry.Get(botID)
	require.True(t, ok)
	cmd, ok := bot.Definition.Commands[command]
	require.True(t, ok)
	if params == nil {
		params = map[string]string{}
	}
	inv := &bots.Invocation{
		ManuscriptID:   e.m.ID,
		ConversationID: e.conv.ID,
		Sender:         bots.Sender{UserID: e.editor.ID, GlobalRole: e.editor.Role, Role: visibility.RoleEditor},
		Command:        command,
		Params:         params,
	}
	return e.executor.RunCommand(context.Background(), bot, cmd, inv, models.PrivacyEditorOnly)
}

func (e *env) replies(t *testing.T) []models.Message {
	t.Helper()
	var msgs []models.Message
	require.NoError(t, e.db.Where("conversation_id = ? AND is_bot = ?", e.conv.ID, true).Order("id ASC").Find(&msgs).Error)
	return msgs
}

func (e *env) status(t *testing.T) models.ManuscriptStatus {
	t.Helper()
	var m models.Manuscript
	require.NoError(t, e.db.First(&m, e.m.ID).Error)
	return m.Status
}

func TestEditorialStatus(t *testing.T) {
	e := newEnv(t)
	grace := dbtest.User(t, e.db, "grace", models.UserRoleUser)
	linus := dbtest.User(t, e.db, "linus", models.UserRoleUser)
	dbtest.Reviewer(t, e.db, e.m, grace, models.ReviewStatusCompleted, time.Now())
	dbtest.Reviewer(t, e.db, e.m, linus, models.ReviewStatusInProgress, time.Now())

	res, err := e.run(t, EditorialID, "status", nil)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Contains(t, res.Messages[0].Content, "UNDER_REVIEW")
	assert.Contains(t, res.Messages[0].Content, "1 of 2 complete")
}

func TestEditorialDecideIsIdempotent(t *testing.T) {
	e := newEnv(t)

	_, err := e.run(t, EditorialID, "decide", map[string]string{"decision": "accept"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, e.status(t))

	res, err := e.run(t, EditorialID, "decide", map[string]string{"decision": "accept"})
	require.NoError(t, err, "redelivered decision is reported, not an error")
	assert.Contains(t, res.Messages[0].Content, "already ACCEPTED")

	_, err = e.run(t, EditorialID, "decide", map[string]string{"decision": "publish"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublished, e.status(t))

	_, err = e.run(t, EditorialID, "decide", map[string]string{"decision": "maybe"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestEditorialProposeAndConfirm(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, EditorialID, "propose", map[string]string{"decision": "revise", "note": "tighten section 3"})
	require.NoError(t, err)

	replies := e.replies(t)
	require.Len(t, replies, 1)
	proposal := replies[0]
	require.Len(t, proposal.Metadata.Actions, 2)
	assert.Equal(t, models.PrivacyEditorOnly, proposal.Privacy)
	assert.Equal(t, models.StatusUnderReview, e.status(t), "proposing changes nothing")

	confirm := proposal.Metadata.Actions[0]
	updated, err := e.executor.TriggerAction(context.Background(), proposal.ID, confirm.ID, e.editor.ID, e.editor.Role)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRevisionRequested, e.status(t))
	assert.Contains(t, updated.Content, "Confirmed; status is now REVISION_REQUESTED")

	cancel := updated.Metadata.Actions[1]
	assert.True(t, cancel.Triggered)
	_, err = e.executor.TriggerAction(context.Background(), proposal.ID, cancel.ID, e.editor.ID, e.editor.Role)
	assert.True(t, apperr.Is(err, apperr.KindActionAlreadyTriggered))
}

func TestEditorialReleaseWithoutPhases(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, EditorialID, "release", nil)
	require.NoError(t, err)

	var m models.Manuscript
	require.NoError(t, e.db.First(&m, e.m.ID).Error)
	assert.NotNil(t, m.ReleasedAt)

	_, err = e.run(t, EditorialID, "release", nil)
	assert.True(t, apperr.Is(err, apperr.KindStateTransition))

	_, err = e.run(t, EditorialID, "phase", map[string]string{"phase": "DELIBERATION"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	replies := e.replies(t)
	require.Len(t, replies, 3)
	assert.Contains(t, replies[0].Content, "to RELEASED")
	assert.False(t, replies[0].Metadata.IsError)
	assert.True(t, replies[1].Metadata.IsError)
	assert.True(t, replies[2].Metadata.IsError)

	_, err = e.run(t, EditorialID, "phase", map[string]string{"phase": "SOMEWHERE"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestAnalyze(t *testing.T) {
	unique := Analyze("the quick brown fox jumps over the lazy dog again and again", 5)
	assert.Equal(t, 8, unique.Shingles)
	assert.Zero(t, unique.Repeated)

	passage := "results were consistent across all three cohorts. "
	repeated := Analyze(strings.Repeat(passage, 4), 5)
	assert.Greater(t, repeated.Ratio, 0.9)

	short := Analyze("too short", 5)
	assert.Zero(t, short.Shingles)
	assert.Zero(t, short.Ratio)
}

func upload(t *testing.T, e *env, content string) *models.ManuscriptFile {
	t.Helper()
	f := &models.ManuscriptFile{ManuscriptID: e.m.ID, Filename: "paper.txt", ContentType: "text/plain", Content: []byte(content), UploadedBy: e.editor.ID, Kind: "manuscript"}
	require.NoError(t, e.db.Create(f).Error)
	return f
}

func TestPlagiarismFlagsRepeatedPassages(t *testing.T) {
	e := newEnv(t)
	upload(t, e, strings.Repeat("results were consistent across all three cohorts. ", 6))

	res, err := e.run(t, PlagiarismID, "check", nil)
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Contains(t, res.Errors[0], "exceeds threshold 0.30")

	var reports []models.ManuscriptFile
	require.NoError(t, e.db.Where("manuscript_id = ? AND kind = ?", e.m.ID, "report").Find(&reports).Error)
	require.Len(t, reports, 1)
	assert.Contains(t, string(reports[0].Content), "Flagged for editorial review")

	res, err = e.run(t, PlagiarismID, "check", map[string]string{"threshold": "1"})
	require.NoError(t, err)
	assert.False(t, res.Failed())
	assert.Contains(t, res.Messages[0].Content, "0% changed since the previous scan")
}

func TestPlagiarismIgnoresReportUploads(t *testing.T) {
	e := newEnv(t)
	report := &models.ManuscriptFile{ManuscriptID: e.m.ID, Filename: "r.txt", Content: []byte("x"), UploadedBy: e.editor.ID, Kind: "report"}
	require.NoError(t, e.db.Create(report).Error)

	err := e.executor.RunEvent(context.Background(), bots.EventJob{
		EventName:    streams.EventFileUploaded,
		BotID:        PlagiarismID,
		ManuscriptID: e.m.ID,
		Payload:      map[string]any{"fileId": float64(report.ID)},
	})
	require.NoError(t, err)
	assert.Empty(t, e.replies(t))
}

func TestReviewerWelcome(t *testing.T) {
	e := newEnv(t)
	grace := dbtest.User(t, e.db, "grace", models.UserRoleUser)
	linus := dbtest.User(t, e.db, "linus", models.UserRoleUser)
	due := time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC)
	ra := &models.ReviewAssignment{ManuscriptID: e.m.ID, ReviewerID: grace.ID, Status: models.ReviewStatusPending, AssignedAt: time.Now(), DueAt: &due}
	require.NoError(t, e.db.Create(ra).Error)
	dbtest.Reviewer(t, e.db, e.m, linus, models.ReviewStatusAccepted, time.Now())
	ctx := context.Background()

	err := e.executor.RunEvent(ctx, bots.EventJob{
		EventName:    streams.EventReviewerAssigned,
		BotID:        ReviewerWelcomeID,
		ManuscriptID: e.m.ID,
		Payload:      map[string]any{"reviewerId": float64(grace.ID)},
	})
	require.NoError(t, err)

	replies := e.replies(t)
	require.Len(t, replies, 1)
	welcome := replies[0]
	assert.Equal(t, models.PrivacyReviewerOnly, welcome.Privacy)
	assert.Contains(t, welcome.Content, "Welcome grace")
	assert.Contains(t, welcome.Content, "Nov 2, 2026")

	accept := welcome.Metadata.Actions[0]
	_, err = e.executor.TriggerAction(ctx, welcome.ID, accept.ID, linus.ID, linus.Role)
	assert.True(t, apperr.Is(err, apperr.KindPermission), "only the invited reviewer may answer")

	_, err = e.executor.TriggerAction(ctx, welcome.ID, accept.ID, grace.ID, grace.Role)
	require.NoError(t, err)
	require.NoError(t, e.db.First(ra, ra.ID).Error)
	assert.Equal(t, models.ReviewStatusAccepted, ra.Status)
}
