// Package workflow holds the journal's review workflow configuration and the
// manuscript status and phase state machines.
package workflow

import (
	"bytes"
	"fmt"
	"os"

	"github.com/jimdaga/colloquium/internal/models"
	"gopkg.in/yaml.v3"
)

// Policy values used across the workflow configuration
const (
	Realtime       = "realtime"
	OnRelease      = "on_release"
	Never          = "never"
	Always         = "always"
	AfterAllSubmit = "after_all_submit"
	Anytime        = "anytime"
	Invited        = "invited"
)

// AuthorPolicy controls what manuscript authors see and when they may post
type AuthorPolicy struct {
	SeesReviews          string `yaml:"sees_reviews" json:"seesReviews"`
	SeesReviewerIdentity string `yaml:"sees_reviewer_identity" json:"seesReviewerIdentity"`
	CanParticipate       string `yaml:"can_participate" json:"canParticipate"`
}

// ReviewerPolicy controls what reviewers see of each other and of the authors
type ReviewerPolicy struct {
	SeeEachOther       string `yaml:"see_each_other" json:"seeEachOther"`
	SeeAuthorIdentity  string `yaml:"see_author_identity" json:"seeAuthorIdentity"`
	SeeAuthorResponses string `yaml:"see_author_responses" json:"seeAuthorResponses"`
}

// PhasePolicy toggles phase tracking
type PhasePolicy struct {
	Enabled                        bool `yaml:"enabled" json:"enabled"`
	AuthorResponseStartsNewCycle   bool `yaml:"author_response_starts_new_cycle" json:"authorResponseStartsNewCycle"`
	RequireAllReviewsBeforeRelease bool `yaml:"require_all_reviews_before_release" json:"requireAllReviewsBeforeRelease"`
}

// Config is the journal-wide workflow configuration. A nil *Config means no
// workflow rules apply.
type Config struct {
	Author    AuthorPolicy   `yaml:"author" json:"author"`
	Reviewers ReviewerPolicy `yaml:"reviewers" json:"reviewers"`
	Phases    PhasePolicy    `yaml:"phases" json:"phases"`
}

// Load reads a workflow configuration file. An empty path returns nil, nil.
// Unknown keys are rejected and missing policies take their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML workflow configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse workflow config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.Author.SeesReviews, OnRelease)
	setDefault(&c.Author.SeesReviewerIdentity, Never)
	setDefault(&c.Author.CanParticipate, Anytime)
	setDefault(&c.Reviewers.SeeEachOther, AfterAllSubmit)
	setDefault(&c.Reviewers.SeeAuthorIdentity, Always)
	setDefault(&c.Reviewers.SeeAuthorResponses, Realtime)
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate checks every policy against its allowed values
func (c *Config) Validate() error {
	checks := []struct {
		field   string
		value   string
		allowed []string
	}{
		{"author.sees_reviews", c.Author.SeesReviews, []string{Realtime, OnRelease, Never}},
		{"author.sees_reviewer_identity", c.Author.SeesReviewerIdentity, []string{Always, OnRelease, Never}},
		{"author.can_participate", c.Author.CanParticipate, []string{Anytime, OnRelease, Invited}},
		{"reviewers.see_each_other", c.Reviewers.SeeEachOther, []string{Realtime, AfterAllSubmit, Never}},
		{"reviewers.see_author_identity", c.Reviewers.SeeAuthorIdentity, []string{Always, Never}},
		{"reviewers.see_author_responses", c.Reviewers.SeeAuthorResponses, []string{Realtime, OnRelease}},
	}
	for _, check := range checks {
		if !contains(check.allowed, check.value) {
			return fmt.Errorf("workflow config: %s has invalid value %q (allowed: %v)", check.field, check.value, check.allowed)
		}
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// EffectivePhase returns the phase visibility rules should use for m. With
// phases disabled the manuscript is REVIEW until it has been released.
func (c *Config) EffectivePhase(m *models.Manuscript) models.WorkflowPhase {
	if c != nil && c.Phases.Enabled && m.WorkflowPhase != "" {
		return m.WorkflowPhase
	}
	if m.ReleasedAt != nil {
		return models.PhaseReleased
	}
	return models.PhaseReview
}

// IsReleased reports whether phase counts as "reviews released"
func IsReleased(phase models.WorkflowPhase) bool {
	return phase == models.PhaseReleased || phase == models.PhaseAuthorResponding
}
