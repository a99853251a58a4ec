package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishStubMode(t *testing.T) {
	c := NewClient("", "", true)
	res, err := c.Publish(context.Background(), PublishRequest{ManuscriptID: 7})
	require.NoError(t, err)
	assert.Equal(t, "https://journal.example.com/articles/7", res.URL)
}

func TestPublishSendsSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/publish", r.URL.Path)
		assert.Equal(t, "s3cret", r.Header.Get("X-Publisher-Secret"))

		var req PublishRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, uint(12), req.ManuscriptID)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"https://journal.test/a/12","revision":"r1"}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, "s3cret", false).Publish(context.Background(), PublishRequest{ManuscriptID: 12})
	require.NoError(t, err)
	assert.Equal(t, "r1", res.Revision)
}

func TestPublishReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "renderer down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", false).Publish(context.Background(), PublishRequest{ManuscriptID: 1})
	assert.ErrorContains(t, err, "status 502")
}
