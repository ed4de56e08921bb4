// Package assessment is the client for the external Assessment Service,
// which owns question content, scoring arithmetic and the host credit
// ledger. The session token travels with the client value instead of
// process-global state so services stay testable in isolation.
package assessment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotReady means the results exist but are still embargoed. Callers
	// treat it as "wait", never as a failure.
	ErrNotReady = fmt.Errorf("assessment: results not yet visible")
	// ErrInsufficientCredits means the host's balance is below the
	// per-room cost.
	ErrInsufficientCredits = fmt.Errorf("assessment: insufficient credits")
	// ErrNotFound means the referenced exam or room is unknown upstream.
	ErrNotFound = fmt.Errorf("assessment: not found")
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// HTTPClient overrides the default client, used by tests.
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(c Config) *Client {
	hc := c.HTTPClient
	if hc == nil {
		timeout := c.Timeout
		if timeout == 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: c.BaseURL,
		token:   c.Token,
		http:    hc,
	}
}

// CreditBalance is the host's remaining room-creation balance.
type CreditBalance struct {
	UserID  string `json:"user_id"`
	Balance int    `json:"balance"`
}

// GetCreditBalance returns how many rooms the user may still create.
func (c *Client) GetCreditBalance(ctx context.Context, userID string) (*CreditBalance, error) {
	var out CreditBalance
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/credits/%s", userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConsumeCredit decrements the user's balance by one room's cost.
func (c *Client) ConsumeCredit(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/credits/%s/consume", userID), struct{}{}, nil)
}

// QuestionSet is the assessment service's per-room question assignment,
// along with the authoritative clock inputs. RemainingSeconds, when
// present, is strictly authoritative; StartTime is the fallback anchor.
type QuestionSet struct {
	Questions []QuestionAssignment `json:"questions"`
	// RemainingSeconds is nil when the caller's countdown has not started.
	RemainingSeconds *int       `json:"remaining_seconds,omitempty"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	DurationMinutes  int        `json:"total_duration"`
}

type QuestionAssignment struct {
	RoomQuestionID string `json:"room_question_id"`
	QuestionNumber int    `json:"question_number"`
	QuestionID     string `json:"question_id"`
}

// GetQuestionSet fetches the ordered question assignment for an exam room.
func (c *Client) GetQuestionSet(ctx context.Context, examID string) (*QuestionSet, error) {
	var out QuestionSet
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/exams/%s/questions", examID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Result is one participant's scored outcome as computed upstream.
type Result struct {
	UserID           string          `json:"user_id"`
	Score            decimal.Decimal `json:"score"`
	Accuracy         decimal.Decimal `json:"accuracy"`
	TotalTimeSeconds int             `json:"total_time_seconds"`
}

// GetResults fetches the scored results for a room. A 403 from the service
// means the embargo window has not elapsed and maps to ErrNotReady.
func (c *Client) GetResults(ctx context.Context, roomCode string) ([]Result, error) {
	var out struct {
		Results []Result `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/rooms/%s/results", roomCode), nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("assessment: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("assessment: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("assessment: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return ErrNotReady
	case resp.StatusCode == http.StatusPaymentRequired:
		return ErrInsufficientCredits
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("assessment: %s %s: status %d: %s", method, path, resp.StatusCode, b)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("assessment: decode response: %w", err)
	}
	return nil
}
