package models

import (
	"time"

	"gorm.io/gorm"
)

// ManuscriptStatus is the editorial lifecycle state
type ManuscriptStatus string

const (
	StatusSubmitted         ManuscriptStatus = "SUBMITTED"
	StatusUnderReview       ManuscriptStatus = "UNDER_REVIEW"
	StatusRevisionRequested ManuscriptStatus = "REVISION_REQUESTED"
	StatusRevised           ManuscriptStatus = "REVISED"
	StatusAccepted          ManuscriptStatus = "ACCEPTED"
	StatusRejected          ManuscriptStatus = "REJECTED"
	StatusPublished         ManuscriptStatus = "PUBLISHED"
	StatusRetracted         ManuscriptStatus = "RETRACTED"
)

// WorkflowPhase is the review-visibility phase, consulted only when phases are enabled
type WorkflowPhase string

const (
	PhaseReview           WorkflowPhase = "REVIEW"
	PhaseDeliberation     WorkflowPhase = "DELIBERATION"
	PhaseReleased         WorkflowPhase = "RELEASED"
	PhaseAuthorResponding WorkflowPhase = "AUTHOR_RESPONDING"
)

// Manuscript is a submission moving through editorial review.
// Status and phase change only through the manuscripts service.
type Manuscript struct {
	gorm.Model
	Title         string           `gorm:"not null"`
	Abstract      string           `gorm:"type:text"`
	Status        ManuscriptStatus `gorm:"not null;default:'SUBMITTED';index"`
	WorkflowPhase WorkflowPhase    `gorm:"column:workflow_phase;not null;default:'REVIEW'"`
	WorkflowRound int              `gorm:"column:workflow_round;not null;default:1"`
	ReleasedAt    *time.Time
	PublishedAt   *time.Time

	Authors     []ManuscriptAuthor `gorm:"constraint:OnDelete:CASCADE;"`
	Assignments []ReviewAssignment `gorm:"constraint:OnDelete:CASCADE;"`
}

// ManuscriptAuthor links an author account to a manuscript
type ManuscriptAuthor struct {
	gorm.Model
	ManuscriptID    uint `gorm:"not null;uniqueIndex:idx_manuscript_author"`
	UserID          uint `gorm:"not null;uniqueIndex:idx_manuscript_author;index"`
	Position        int  `gorm:"not null;default:0"`
	IsCorresponding bool `gorm:"default:false"`
	User            User `gorm:"constraint:OnDelete:CASCADE;"`
}

// Review assignment status constants
const (
	ReviewStatusPending    = "PENDING"
	ReviewStatusAccepted   = "ACCEPTED"
	ReviewStatusInProgress = "IN_PROGRESS"
	ReviewStatusCompleted  = "COMPLETED"
	ReviewStatusDeclined   = "DECLINED"
)

// ReviewAssignment makes a user a reviewer of a manuscript. AssignedAt fixes
// the reviewer's anonymization index.
type ReviewAssignment struct {
	gorm.Model
	ManuscriptID   uint      `gorm:"not null;uniqueIndex:idx_manuscript_reviewer"`
	ReviewerID     uint      `gorm:"not null;uniqueIndex:idx_manuscript_reviewer;index"`
	Status         string    `gorm:"not null;default:'PENDING';index"`
	AssignedAt     time.Time `gorm:"not null"`
	DueAt          *time.Time
	LastRemindedAt *time.Time
	CompletedAt    *time.Time
	Reviewer       User `gorm:"foreignKey:ReviewerID;constraint:OnDelete:CASCADE;"`
}

// IsActive reports whether the assignment counts toward review completion
func (r ReviewAssignment) IsActive() bool {
	return r.Status != ReviewStatusDeclined
}

// Manuscript file kinds
const (
	FileKindManuscript    = "manuscript"
	FileKindSupplementary = "supplementary"
	FileKindReport        = "report" // bot output, editors only
	FileKindRendered      = "rendered"
)

// ManuscriptFile is an uploaded file attached to a manuscript
type ManuscriptFile struct {
	gorm.Model
	ManuscriptID uint   `gorm:"not null;index"`
	Filename     string `gorm:"not null"`
	ContentType  string
	Size         int64
	Content      []byte
	UploadedBy   uint   `gorm:"not null"`
	Kind         string `gorm:"not null;default:'manuscript'"` // manuscript, supplementary, report, rendered
}
