package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worthit-bot/worthit/internal/domain"
)

func TestFailureMessageFallbacks(t *testing.T) {
	// Unknown language falls back to English, unknown category to "other".
	assert.Equal(t,
		failureMessages["en"][domain.FailInvalidURL],
		FailureMessage("de", domain.FailInvalidURL))
	assert.Equal(t,
		failureMessages["en"][domain.FailOther],
		FailureMessage("en", "mystery"))
	assert.Equal(t,
		failureMessages["ru"][domain.FailAuth],
		FailureMessage("ru", domain.FailAuth))
}

func TestFormatAnalysisFullReport(t *testing.T) {
	res := &domain.AnalysisResult{
		Title:          "Cordless Drill X9",
		Price:          "$129.99",
		ValueScore:     8.4,
		Recommendation: "excellent",
		Pros:           []string{"Strong battery", "Light"},
		Cons:           []string{"Loud"},
		Sentiment:      4.2,
		ReviewCount:    57,
	}
	out := FormatAnalysis(res)
	assert.Contains(t, out, "Cordless Drill X9")
	assert.Contains(t, out, "Price: $129.99")
	assert.Contains(t, out, "Value score: 8.4/10 (excellent)")
	assert.Contains(t, out, "Based on 57 reviews (sentiment 4.2/5)")
	assert.Contains(t, out, "+ Strong battery")
	assert.Contains(t, out, "- Loud")
	assert.False(t, strings.HasSuffix(out, "\n"))
}

func TestFormatAnalysisMinimalReport(t *testing.T) {
	out := FormatAnalysis(&domain.AnalysisResult{ValueScore: 5.0, Recommendation: "average"})
	assert.Equal(t, "Value score: 5.0/10 (average)", out)
}

func TestNotifierSendsMessage(t *testing.T) {
	var got sendMessageRequest
	var path string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	n := NewNotifier("bot-token", ts.URL, time.Second)
	require.NoError(t, n.NotifyText(context.Background(), 42, "hello"))
	assert.Equal(t, "/botbot-token/sendMessage", path)
	assert.Equal(t, int64(42), got.ChatID)
	assert.Equal(t, "hello", got.Text)
}

func TestNotifierMapsAPIErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{}`, domain.ErrUpstreamAuth},
		{"rate limited", http.StatusTooManyRequests, `{}`, domain.ErrUpstreamTransient},
		{"server error", http.StatusBadGateway, `{}`, domain.ErrUpstreamTransient},
		{"bad request", http.StatusBadRequest, `{}`, domain.ErrUpstreamPermanent},
		{"api-level failure", http.StatusOK, `{"ok":false,"description":"chat not found"}`, domain.ErrUpstreamPermanent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			n := NewNotifier("tok", ts.URL, time.Second)
			err := n.NotifyText(context.Background(), 1, "x")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
