package reviewer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReview(t *testing.T) {
	var gotPath, gotAuth, gotDiff string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var req reviewRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotDiff = req.Diff
		_ = json.NewEncoder(w).Encode(map[string]any{
			"review":        "LGTM",
			"model":         "rev-1",
			"input_tokens":  10,
			"output_tokens": 4,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", "agent-7", 0)
	rev, err := c.Review(context.Background(), "diff text")
	require.NoError(t, err)

	assert.Equal(t, "/v1/agents/agent-7/reviews", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "diff text", gotDiff)
	assert.Equal(t, "LGTM", rev.Body)
	assert.Equal(t, int64(10), rev.InputTokens)
	assert.Equal(t, "reviewer", c.Name())
}

func TestReview_StatusError(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusBadGateway} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "agent not found", code)
		}))

		c := NewClient(srv.URL, "", "missing", 0)
		_, err := c.Review(context.Background(), "diff")
		srv.Close()

		var se *StatusError
		require.True(t, errors.As(err, &se), "code %d", code)
		assert.Equal(t, code, se.StatusCode)
		assert.Contains(t, se.Error(), "agent not found")
	}
}

func TestReview_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"review": "  "}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", "a", 0).Review(context.Background(), "diff")
	require.Error(t, err)
	var se *StatusError
	assert.False(t, errors.As(err, &se))
}

func TestReview_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "", "a", 0).Review(context.Background(), "diff")
	require.Error(t, err)
}
