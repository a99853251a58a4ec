package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jimdaga/colloquium/internal/database/dbtest"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/visibility"
	"github.com/jimdaga/colloquium/internal/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []Frame
	err    error
}

func (s *recordingSink) Send(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, Frame{Event: event, Data: data})
	return nil
}

func (s *recordingSink) received() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

type hubFixture struct {
	db       *gorm.DB
	hub      *Hub
	engine   *visibility.Engine
	m        *models.Manuscript
	conv     *models.Conversation
	author   *models.User
	reviewer *models.User
	editor   *models.User
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	db := dbtest.Open(t)
	cfg, err := workflow.Parse([]byte("author:\n  sees_reviews: on_release\n  sees_reviewer_identity: never\nphases:\n  enabled: true\n"))
	require.NoError(t, err)

	f := &hubFixture{db: db}
	f.engine = visibility.NewEngine(db, visibility.NewRoleResolver(db), visibility.NewAnonymizationIndex(db), cfg)
	f.hub = NewHub(db, f.engine, slog.New(slog.NewTextHandler(io.Discard, nil)))

	f.m = dbtest.Manuscript(t, db, models.StatusUnderReview, models.PhaseReview)
	f.conv = dbtest.Conversation(t, db, f.m)
	f.author = dbtest.User(t, db, "ada", models.UserRoleUser)
	f.reviewer = dbtest.User(t, db, "grace", models.UserRoleUser)
	f.editor = dbtest.User(t, db, "edith", models.UserRoleEditor)
	dbtest.Author(t, db, f.m, f.author)
	dbtest.Reviewer(t, db, f.m, f.reviewer, models.ReviewStatusInProgress, time.Now())
	return f
}

func (f *hubFixture) subscribe(t *testing.T, u *models.User) (*Subscriber, *recordingSink) {
	t.Helper()
	v, err := f.engine.ResolveViewer(context.Background(), &u.ID, u.Role, f.m.ID)
	require.NoError(t, err)
	sink := &recordingSink{}
	return f.hub.Subscribe(f.conv.ID, v, sink), sink
}

func TestPublishFiltersPerSubscriber(t *testing.T) {
	f := newHubFixture(t)
	_, authorSink := f.subscribe(t, f.author)
	_, editorSink := f.subscribe(t, f.editor)
	_, reviewerSink := f.subscribe(t, f.reviewer)

	msg := dbtest.Message(t, f.db, f.conv, f.reviewer, models.PrivacyAuthorVisible, "Please clarify figure 2.")
	require.NoError(t, f.hub.Publish(context.Background(), Envelope{ConversationID: f.conv.ID, Type: EventMessage, MessageID: msg.ID}))

	// Authors only see reviews once released.
	assert.Empty(t, authorSink.received())

	require.Len(t, editorSink.received(), 1)
	var view visibility.MessageView
	require.NoError(t, json.Unmarshal(editorSink.received()[0].Data, &view))
	assert.Equal(t, "grace", view.AuthorName)
	require.NotNil(t, view.Visibility)
	assert.True(t, view.Visibility.PhaseRestricted)

	require.Len(t, reviewerSink.received(), 1)
}

func TestPublishMasksForAuthorsAfterRelease(t *testing.T) {
	f := newHubFixture(t)
	require.NoError(t, f.db.Model(f.m).Update("workflow_phase", models.PhaseReleased).Error)
	_, authorSink := f.subscribe(t, f.author)

	msg := dbtest.Message(t, f.db, f.conv, f.reviewer, models.PrivacyAuthorVisible, "Minor revisions.")
	require.NoError(t, f.hub.Publish(context.Background(), Envelope{ConversationID: f.conv.ID, Type: EventMessage, MessageID: msg.ID}))

	frames := authorSink.received()
	require.Len(t, frames, 1)
	var view visibility.MessageView
	require.NoError(t, json.Unmarshal(frames[0].Data, &view))
	assert.True(t, view.Masked)
	assert.Equal(t, "Reviewer A", view.AuthorName)
	assert.NotContains(t, string(frames[0].Data), "grace")
}

func TestNonMessageEventsAreUnfiltered(t *testing.T) {
	f := newHubFixture(t)
	_, authorSink := f.subscribe(t, f.author)
	_, editorSink := f.subscribe(t, f.editor)

	env := Envelope{ConversationID: f.conv.ID, Type: EventPhaseChanged, Data: map[string]string{"to": "RELEASED"}}
	require.NoError(t, f.hub.Publish(context.Background(), env))

	for _, sink := range []*recordingSink{authorSink, editorSink} {
		frames := sink.received()
		require.Len(t, frames, 1)
		assert.Equal(t, EventPhaseChanged, frames[0].Event)
		assert.JSONEq(t, `{"to":"RELEASED"}`, string(frames[0].Data))
	}
}

func TestDeadSubscriberIsRemovedAndPruned(t *testing.T) {
	f := newHubFixture(t)
	sub, sink := f.subscribe(t, f.editor)
	sink.err = errors.New("broken pipe")

	_, healthy := f.subscribe(t, f.author)
	require.Equal(t, 2, f.hub.Count(f.conv.ID))

	env := Envelope{ConversationID: f.conv.ID, Type: EventHeartbeat, Data: map[string]int64{"ts": 1}}
	require.NoError(t, f.hub.Publish(context.Background(), env))

	assert.Equal(t, 1, f.hub.Count(f.conv.ID))
	assert.Len(t, healthy.received(), 1)
	select {
	case <-sub.Done():
	default:
		t.Fatal("dead subscriber should be closed")
	}

	for _, s := range f.hub.subscribers(f.conv.ID) {
		f.hub.Unsubscribe(s)
	}
	assert.Zero(t, f.hub.Conversations())
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	f := newHubFixture(t)
	assert.NoError(t, f.hub.Publish(context.Background(), Envelope{ConversationID: 999, Type: EventMessage, MessageID: 12345}))
}

func TestChannelSinkReportsSlowSubscriber(t *testing.T) {
	sink := NewChannelSink(1)
	require.NoError(t, sink.Send("heartbeat", nil))
	assert.ErrorIs(t, sink.Send("heartbeat", nil), ErrSlowSubscriber)

	frame := <-sink.Frames()
	assert.Equal(t, "heartbeat", frame.Event)
}

func TestRelayDeliversToHub(t *testing.T) {
	f := newHubFixture(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	stop, err := StartRelay(rdb, f.hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer stop()

	_, sink := f.subscribe(t, f.author)
	env := Envelope{ConversationID: f.conv.ID, Type: EventStatusChanged, Data: map[string]string{"status": "ACCEPTED"}}
	require.NoError(t, NewRedisPublisher(rdb).Publish(context.Background(), env))

	assert.Eventually(t, func() bool { return len(sink.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
}
