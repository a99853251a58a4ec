package database

import (
	"log"
	"time"

	"github.com/jimdaga/colloquium/internal/models"
	"gorm.io/gorm"
)

// DevEditorEmail identifies the seeded editor account
const DevEditorEmail = "editor@colloquium.local"

// SeedDevData populates the database with a manuscript under review and a
// short discussion. Idempotent: skips if the dev editor already exists.
func SeedDevData(db *gorm.DB) error {
	var existing models.User
	if err := db.Where("email = ?", DevEditorEmail).First(&existing).Error; err == nil {
		log.Println("Seed data already exists, skipping")
		return nil
	}

	return db.Transaction(func(tx *gorm.DB) error {
		users := []*models.User{
			{Email: DevEditorEmail, Name: "Edith Editor", Role: models.UserRoleEditor},
			{Email: "admin@colloquium.local", Name: "Ada Admin", Role: models.UserRoleAdmin},
			{Email: "author@colloquium.local", Name: "Alan Author", Role: models.UserRoleUser},
			{Email: "reviewer1@colloquium.local", Name: "Grace Reviewer", Role: models.UserRoleUser},
			{Email: "reviewer2@colloquium.local", Name: "Linus Reviewer", Role: models.UserRoleUser},
		}
		for _, u := range users {
			if err := tx.Create(u).Error; err != nil {
				return err
			}
		}
		editor, author, grace, linus := users[0], users[2], users[3], users[4]

		manuscript := models.Manuscript{
			Title:         "On the Consistency of Distributed Peer Review",
			Abstract:      "We study how anonymized review threads converge on editorial decisions.",
			Status:        models.StatusUnderReview,
			WorkflowPhase: models.PhaseReview,
			WorkflowRound: 1,
		}
		if err := tx.Create(&manuscript).Error; err != nil {
			return err
		}
		link := models.ManuscriptAuthor{ManuscriptID: manuscript.ID, UserID: author.ID, IsCorresponding: true}
		if err := tx.Create(&link).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		soon := now.Add(48 * time.Hour)
		later := now.Add(14 * 24 * time.Hour)
		assignments := []models.ReviewAssignment{
			{ManuscriptID: manuscript.ID, ReviewerID: grace.ID, Status: models.ReviewStatusInProgress, AssignedAt: now.Add(-72 * time.Hour), DueAt: &soon},
			{ManuscriptID: manuscript.ID, ReviewerID: linus.ID, Status: models.ReviewStatusAccepted, AssignedAt: now.Add(-48 * time.Hour), DueAt: &later},
		}
		if err := tx.Create(&assignments).Error; err != nil {
			return err
		}

		conv := models.Conversation{ManuscriptID: manuscript.ID, Title: "Review discussion"}
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		messages := []models.Message{
			{ConversationID: conv.ID, AuthorID: editor.ID, Privacy: models.PrivacyAuthorVisible, Content: "Thanks for the submission. Two reviewers are assigned."},
			{ConversationID: conv.ID, AuthorID: grace.ID, Privacy: models.PrivacyReviewerOnly, Content: "The evaluation section needs a baseline comparison."},
			{ConversationID: conv.ID, AuthorID: linus.ID, Privacy: models.PrivacyEditorOnly, Content: "I have a minor conflict to disclose on related work."},
			{ConversationID: conv.ID, AuthorID: author.ID, Privacy: models.PrivacyAuthorVisible, Content: "Happy to answer any questions about the dataset."},
		}
		if err := tx.Create(&messages).Error; err != nil {
			return err
		}

		log.Printf("Seeded dev data: %d users, 1 manuscript, %d reviewers, %d messages", len(users), len(assignments), len(messages))
		return nil
	})
}
