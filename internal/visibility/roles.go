// Package visibility decides who may see a discussion message and whether the
// author's identity must be masked for a particular viewer.
package visibility

import (
	"context"
	"errors"
	"fmt"

	"github.com/jimdaga/colloquium/internal/models"
	"gorm.io/gorm"
)

// Role is a user's relationship to one manuscript
type Role string

const (
	RolePublic   Role = "public"
	RoleAuthor   Role = "author"
	RoleReviewer Role = "reviewer"
	RoleEditor   Role = "editor"
	RoleAdmin    Role = "admin"
)

// IsEditorial reports whether r bypasses workflow rules
func (r Role) IsEditorial() bool {
	return r == RoleAdmin || r == RoleEditor
}

// ParseRole converts a role name, defaulting to public
func ParseRole(value string) Role {
	switch r := Role(value); r {
	case RoleAuthor, RoleReviewer, RoleEditor, RoleAdmin:
		return r
	}
	return RolePublic
}

// AuthorInfo is the prefetched identity of a message author
type AuthorInfo struct {
	UserID uint
	Name   string
	Role   Role
	IsBot  bool
}

// RoleResolver derives manuscript-relative roles from the store. It only reads.
type RoleResolver struct {
	db *gorm.DB
}

// NewRoleResolver creates a resolver backed by db
func NewRoleResolver(db *gorm.DB) *RoleResolver {
	return &RoleResolver{db: db}
}

func globalRole(role string) (Role, bool) {
	switch role {
	case models.UserRoleAdmin:
		return RoleAdmin, true
	case models.UserRoleEditor:
		return RoleEditor, true
	}
	return "", false
}

// ResolveViewerRole returns the viewer's role on a manuscript. Global admin and
// editor roles short-circuit, then authorship and reviewer assignment are checked.
func (r *RoleResolver) ResolveViewerRole(ctx context.Context, userID *uint, role string, manuscriptID uint) (Role, error) {
	if g, ok := globalRole(role); ok {
		return g, nil
	}
	if userID == nil {
		return RolePublic, nil
	}
	return r.linkRole(ctx, *userID, manuscriptID, false)
}

// ResolveAuthorRole returns the role of a message author. Bot accounts count as
// editors. A reviewer who later declined still authored as a reviewer, so
// their messages stay masked.
func (r *RoleResolver) ResolveAuthorRole(ctx context.Context, authorID, manuscriptID uint) (Role, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Select("id", "role").First(&user, authorID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RolePublic, nil
		}
		return "", fmt.Errorf("failed to load message author: %w", err)
	}
	if user.IsBot() {
		return RoleEditor, nil
	}
	if g, ok := globalRole(user.Role); ok {
		return g, nil
	}
	return r.linkRole(ctx, authorID, manuscriptID, true)
}

// reviewerLinks scopes assignments to a manuscript. Declined assignments only
// count when includeDeclined is set.
func reviewerLinks(db *gorm.DB, manuscriptID uint, includeDeclined bool) *gorm.DB {
	q := db.Model(&models.ReviewAssignment{}).Where("manuscript_id = ?", manuscriptID)
	if !includeDeclined {
		q = q.Where("status <> ?", models.ReviewStatusDeclined)
	}
	return q
}

func (r *RoleResolver) linkRole(ctx context.Context, userID, manuscriptID uint, includeDeclined bool) (Role, error) {
	db := r.db.WithContext(ctx)

	var count int64
	if err := db.Model(&models.ManuscriptAuthor{}).
		Where("manuscript_id = ? AND user_id = ?", manuscriptID, userID).
		Count(&count).Error; err != nil {
		return "", fmt.Errorf("failed to check authorship: %w", err)
	}
	if count > 0 {
		return RoleAuthor, nil
	}

	if err := reviewerLinks(db, manuscriptID, includeDeclined).
		Where("reviewer_id = ?", userID).
		Count(&count).Error; err != nil {
		return "", fmt.Errorf("failed to check reviewer assignment: %w", err)
	}
	if count > 0 {
		return RoleReviewer, nil
	}

	return RolePublic, nil
}

// PrefetchAuthors resolves every author in authorIDs with three queries, so a
// page of messages can be masked without a query per message. Declined
// reviewers resolve as reviewers, as in ResolveAuthorRole.
func (r *RoleResolver) PrefetchAuthors(ctx context.Context, manuscriptID uint, authorIDs []uint) (map[uint]AuthorInfo, error) {
	out := make(map[uint]AuthorInfo, len(authorIDs))
	if len(authorIDs) == 0 {
		return out, nil
	}
	db := r.db.WithContext(ctx)

	var users []models.User
	if err := db.Select("id", "name", "role").Where("id IN ?", authorIDs).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to load message authors: %w", err)
	}

	var authorLinks []uint
	if err := db.Model(&models.ManuscriptAuthor{}).
		Where("manuscript_id = ? AND user_id IN ?", manuscriptID, authorIDs).
		Pluck("user_id", &authorLinks).Error; err != nil {
		return nil, fmt.Errorf("failed to load author links: %w", err)
	}

	var reviewers []uint
	if err := reviewerLinks(db, manuscriptID, true).
		Where("reviewer_id IN ?", authorIDs).
		Pluck("reviewer_id", &reviewers).Error; err != nil {
		return nil, fmt.Errorf("failed to load reviewer links: %w", err)
	}

	isAuthor := toSet(authorLinks)
	isReviewer := toSet(reviewers)

	for _, u := range users {
		info := AuthorInfo{UserID: u.ID, Name: u.Name, IsBot: u.IsBot()}
		switch {
		case u.IsBot():
			info.Role = RoleEditor
		case u.Role == models.UserRoleAdmin:
			info.Role = RoleAdmin
		case u.Role == models.UserRoleEditor:
			info.Role = RoleEditor
		case isAuthor[u.ID]:
			info.Role = RoleAuthor
		case isReviewer[u.ID]:
			info.Role = RoleReviewer
		default:
			info.Role = RolePublic
		}
		out[u.ID] = info
	}

	// Deleted accounts resolve to public with no name.
	for _, id := range authorIDs {
		if _, ok := out[id]; !ok {
			out[id] = AuthorInfo{UserID: id, Role: RolePublic}
		}
	}
	return out, nil
}

func toSet(ids []uint) map[uint]bool {
	set := make(map[uint]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
