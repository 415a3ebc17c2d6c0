package emailrisk

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestDisabledScoresZero(t *testing.T) {
	s, err := Disabled{}.Score(context.Background(), "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, 0.0, s)
}

func TestHTTPClassifierScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req scoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "bot123@mailinator.com", req.Email)
		_ = json.NewEncoder(w).Encode(scoreResponse{Score: 72.5})
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, time.Second, testLogger)
	s, err := c.Score(context.Background(), "bot123@mailinator.com")
	require.NoError(t, err)
	assert.Equal(t, 72.5, s)
}

func TestHTTPClassifierClampsOutOfRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(scoreResponse{Score: 250})
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, time.Second, testLogger)
	s, err := c.Score(context.Background(), "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, 100.0, s)
}

func TestHTTPClassifierFailureReturnsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, time.Second, testLogger)
	s, err := c.Score(context.Background(), "a@b.com")
	assert.Error(t, err)
	assert.Equal(t, 0.0, s)

	srv.Close()
	s, err = c.Score(context.Background(), "a@b.com")
	assert.Error(t, err)
	assert.Equal(t, 0.0, s)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, clamp(-5))
	assert.Equal(t, 55.0, clamp(55))
	assert.Equal(t, 100.0, clamp(101))
}
