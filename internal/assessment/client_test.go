package assessment_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepverse/guildsync/internal/assessment"
)

func newClient(t *testing.T, handler http.HandlerFunc) *assessment.Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return assessment.NewClient(assessment.Config{
		BaseURL: srv.URL,
		Token:   "token-123",
	})
}

func TestClient_GetQuestionSet(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/exams/exam-1/questions", r.URL.Path)
		assert.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"questions": [
				{"room_question_id": "rq-1", "question_number": 1, "question_id": "q-1"},
				{"room_question_id": "rq-2", "question_number": 2, "question_id": "q-2"}
			],
			"remaining_seconds": 420,
			"total_duration": 10
		}`))
	})

	qs, err := c.GetQuestionSet(context.Background(), "exam-1")
	require.NoError(t, err)

	assert.Len(t, qs.Questions, 2)
	assert.Equal(t, "rq-2", qs.Questions[1].RoomQuestionID)
	require.NotNil(t, qs.RemainingSeconds)
	assert.Equal(t, 420, *qs.RemainingSeconds)
	assert.Equal(t, 10, qs.DurationMinutes)
}

func TestClient_GetResults(t *testing.T) {
	t.Run("decodes scored results", func(t *testing.T) {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/rooms/ROOM01/results", r.URL.Path)

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"results": [
					{"user_id": "u-1", "score": "87.5", "accuracy": "0.875", "total_time_seconds": 312}
				]
			}`))
		})

		results, err := c.GetResults(context.Background(), "ROOM01")
		require.NoError(t, err)

		require.Len(t, results, 1)
		assert.Equal(t, "u-1", results[0].UserID)
		assert.Equal(t, "87.5", results[0].Score.String())
		assert.Equal(t, 312, results[0].TotalTimeSeconds)
	})

	t.Run("embargoed results", func(t *testing.T) {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})

		_, err := c.GetResults(context.Background(), "ROOM01")
		assert.ErrorIs(t, err, assessment.ErrNotReady)
	})

	t.Run("unknown room", func(t *testing.T) {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		_, err := c.GetResults(context.Background(), "NOROOM")
		assert.ErrorIs(t, err, assessment.ErrNotFound)
	})
}

func TestClient_ConsumeCredit(t *testing.T) {
	t.Run("decrements the balance", func(t *testing.T) {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/credits/u-1/consume", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		})

		assert.NoError(t, c.ConsumeCredit(context.Background(), "u-1"))
	})

	t.Run("exhausted balance", func(t *testing.T) {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
		})

		err := c.ConsumeCredit(context.Background(), "u-1")
		assert.ErrorIs(t, err, assessment.ErrInsufficientCredits)
	})
}
