package visibility

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jimdaga/colloquium/internal/models"
	"gorm.io/gorm"
)

// AnonymizationIndex assigns each reviewer of a manuscript a stable 1-based
// ordinal in assignedAt order. Cached ordinals are never reordered: reviewers
// assigned later are appended after the current highest index.
type AnonymizationIndex struct {
	db *gorm.DB

	mu    sync.Mutex
	cache map[uint]map[uint]int // manuscriptID -> reviewerID -> index
}

// NewAnonymizationIndex creates an empty index backed by db
func NewAnonymizationIndex(db *gorm.DB) *AnonymizationIndex {
	return &AnonymizationIndex{
		db:    db,
		cache: make(map[uint]map[uint]int),
	}
}

// IndexOf returns the reviewer's ordinal on the manuscript. The first miss for
// a manuscript loads all of its assignments with a single ordered query.
func (a *AnonymizationIndex) IndexOf(ctx context.Context, reviewerID, manuscriptID uint) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if idx, ok := a.cache[manuscriptID][reviewerID]; ok {
		return idx, nil
	}

	var reviewerIDs []uint
	if err := a.db.WithContext(ctx).Model(&models.ReviewAssignment{}).
		Where("manuscript_id = ?", manuscriptID).
		Order("assigned_at ASC, id ASC").
		Pluck("reviewer_id", &reviewerIDs).Error; err != nil {
		return 0, fmt.Errorf("failed to load review assignments: %w", err)
	}

	known, ok := a.cache[manuscriptID]
	if !ok {
		known = make(map[uint]int, len(reviewerIDs))
		a.cache[manuscriptID] = known
	}
	next := len(known) + 1
	for _, id := range reviewerIDs {
		if _, seen := known[id]; seen {
			continue
		}
		known[id] = next
		next++
	}

	idx, ok := known[reviewerID]
	if !ok {
		return 0, fmt.Errorf("user %d is not a reviewer of manuscript %d", reviewerID, manuscriptID)
	}
	return idx, nil
}

// Label returns "Reviewer X" for the reviewer's ordinal
func (a *AnonymizationIndex) Label(ctx context.Context, reviewerID, manuscriptID uint) (string, error) {
	idx, err := a.IndexOf(ctx, reviewerID, manuscriptID)
	if err != nil {
		return "", err
	}
	return ReviewerLabel(idx), nil
}

// Invalidate drops the cached ordinals of one manuscript
func (a *AnonymizationIndex) Invalidate(manuscriptID uint) {
	a.mu.Lock()
	delete(a.cache, manuscriptID)
	a.mu.Unlock()
}

// InvalidateAll drops every cached ordinal, e.g. after a data migration
func (a *AnonymizationIndex) InvalidateAll() {
	a.mu.Lock()
	a.cache = make(map[uint]map[uint]int)
	a.mu.Unlock()
}

// ReviewerLabel formats an ordinal as "Reviewer A".
func ReviewerLabel(index int) string {
	return "Reviewer " + IndexLetters(index)
}

// IndexLetters converts a 1-based ordinal to bijective base-26 letters:
// 1 -> A, 26 -> Z, 27 -> AA, 702 -> ZZ, 703 -> AAA.
func IndexLetters(index int) string {
	if index < 1 {
		return "?"
	}
	var b strings.Builder
	var letters []byte
	for n := index; n > 0; {
		n--
		letters = append(letters, byte('A'+n%26))
		n /= 26
	}
	for i := len(letters) - 1; i >= 0; i-- {
		b.WriteByte(letters[i])
	}
	return b.String()
}
