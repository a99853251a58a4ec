package dbtest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jimdaga/colloquium/internal/models"
	"gorm.io/gorm"
)

var seq atomic.Int64

func mustCreate(t testing.TB, db *gorm.DB, v any) {
	t.Helper()
	if err := db.Create(v).Error; err != nil {
		t.Fatalf("create %T: %v", v, err)
	}
}

// User creates an account with the given global role
func User(t testing.TB, db *gorm.DB, name, role string) *models.User {
	t.Helper()
	u := &models.User{Email: fmt.Sprintf("%s-%d@colloquium.test", name, seq.Add(1)), Name: name, Role: role}
	mustCreate(t, db, u)
	return u
}

// Manuscript creates a manuscript in the given status and phase
func Manuscript(t testing.TB, db *gorm.DB, status models.ManuscriptStatus, phase models.WorkflowPhase) *models.Manuscript {
	t.Helper()
	m := &models.Manuscript{Title: "On the Visibility of Reviews", Status: status, WorkflowPhase: phase, WorkflowRound: 1}
	mustCreate(t, db, m)
	return m
}

// Author links user as an author of m
func Author(t testing.TB, db *gorm.DB, m *models.Manuscript, user *models.User) {
	t.Helper()
	mustCreate(t, db, &models.ManuscriptAuthor{ManuscriptID: m.ID, UserID: user.ID, IsCorresponding: true})
}

// Reviewer assigns user to review m at assignedAt
func Reviewer(t testing.TB, db *gorm.DB, m *models.Manuscript, user *models.User, status string, assignedAt time.Time) *models.ReviewAssignment {
	t.Helper()
	ra := &models.ReviewAssignment{ManuscriptID: m.ID, ReviewerID: user.ID, Status: status, AssignedAt: assignedAt}
	mustCreate(t, db, ra)
	return ra
}

// Conversation opens a conversation on m
func Conversation(t testing.TB, db *gorm.DB, m *models.Manuscript) *models.Conversation {
	t.Helper()
	c := &models.Conversation{ManuscriptID: m.ID, Title: "Review discussion"}
	mustCreate(t, db, c)
	return c
}

// Message posts content by author into c
func Message(t testing.TB, db *gorm.DB, c *models.Conversation, author *models.User, privacy models.Privacy, content string) *models.Message {
	t.Helper()
	msg := &models.Message{ConversationID: c.ID, AuthorID: author.ID, Content: content, Privacy: privacy, IsBot: author.IsBot()}
	mustCreate(t, db, msg)
	return msg
}
