// Package webhook calls the static-asset publisher that renders published
// manuscripts to the public site.
package webhook

import "time"

// PublishRequest describes a manuscript being published
type PublishRequest struct {
	ManuscriptID uint      `json:"manuscript_id"`
	Title        string    `json:"title"`
	Abstract     string    `json:"abstract"`
	Authors      []string  `json:"authors"`
	PublishedAt  time.Time `json:"published_at"`
}

// PublishResult is the publisher's acknowledgement
type PublishResult struct {
	URL      string `json:"url"`
	Revision string `json:"revision"`
}
