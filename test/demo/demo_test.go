//go:build integration_test

package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/prepverse/guildsync/internal/api"
	"github.com/prepverse/guildsync/internal/domain"
)

const (
	baseURL = "http://localhost:8080/v1"
	prefix  = "local"
)

func TestGuildRoom(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var (
		wg    = new(sync.WaitGroup)
		host  = "demo-host"
		users = []string{"demo-u1", "demo-u2", "demo-u3"}
	)

	// Prepare redis subscriber before anything happens.
	subscribeAsUser(t, makeRedis(t), wg, users[0])

	// Host creates a synchronized room.
	var code string
	{
		var resp struct {
			Room api.Room `json:"room"`
		}
		doJSON(t, ctx, host, http.MethodPost, "/rooms", map[string]any{
			"exam_id":          "demo-exam",
			"mode":             "SYNCHRONIZED",
			"duration_minutes": 5,
		}, &resp)
		code = resp.Room.Code
		t.Logf("Created room %q", code)
	}

	// Everyone joins, then the host starts.
	for _, u := range users {
		doJSON(t, ctx, u, http.MethodPost, fmt.Sprintf("/rooms/%s/join", code), map[string]any{}, nil)
	}
	doJSON(t, ctx, host, http.MethodPost, fmt.Sprintf("/rooms/%s/start", code), nil, nil)

	// Fetch the shared question assignment once.
	var qs struct {
		Questions        []api.Question `json:"questions"`
		RemainingSeconds int            `json:"remaining_seconds"`
	}
	doJSON(t, ctx, users[0], http.MethodGet, fmt.Sprintf("/rooms/%s/questions", code), nil, &qs)
	t.Logf("Room %q has %d questions, %ds remaining", code, len(qs.Questions), qs.RemainingSeconds)

	// All users answer every question concurrently, then submit.
	var eg errgroup.Group
	for _, u := range users {
		u := u
		eg.Go(func() error {
			for _, q := range qs.Questions {
				doJSON(t, ctx, u, http.MethodPut, fmt.Sprintf("/rooms/%s/answers", code), map[string]any{
					"room_question_id": q.RoomQuestionID,
					"selected_option":  "A",
				}, nil)
			}

			doJSON(t, ctx, u, http.MethodPost, fmt.Sprintf("/rooms/%s/submit", code), nil, nil)
			t.Logf("User %q submitted", u)
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	// The poller converges, completes the room and resolves the leaderboard;
	// the subscriber below logs the push when it lands.
	wg.Wait()
}

func doJSON(t *testing.T, ctx context.Context, user, method, path string, in, out any) {
	t.Helper()

	body := &bytes.Buffer{}
	if in != nil {
		require.NoError(t, json.NewEncoder(body).Encode(in))
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", user)
	req.Header.Set("X-User-Email", user+"@demo.test")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Less(t, resp.StatusCode, 300, "%s %s as %s", method, path, user)

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func subscribeAsUser(t *testing.T, rc redis.UniversalClient, wg *sync.WaitGroup, u string) {
	wg.Add(1)
	sub := subscribeRedis(t, rc, fmt.Sprintf("%s:user:%s", prefix, u))
	go func() {
		defer wg.Done()

		for msg := range sub {
			var n struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				t.Logf("unmarshal notification: %v", err)
				continue
			}

			switch n.Event {
			case domain.EventNameLeaderboardResolved:
				var l api.Leaderboard
				if err := json.Unmarshal(n.Data, &l); err != nil {
					t.Logf("unmarshal leaderboard: %v", err)
					continue
				}

				t.Logf("%s leaderboard:\n%s", u, formatLeaderboard(l))
				return
			}
		}
	}()
}

func subscribeRedis(t *testing.T, rc redis.UniversalClient, pattern string) <-chan *redis.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Second)
	t.Cleanup(cancel)

	sub := rc.PSubscribe(ctx, pattern)
	t.Cleanup(func() { sub.Close() })

	c := make(chan *redis.Message)
	go func() {
		defer close(c)

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				t.Log(err)
				return
			}

			c <- msg
		}
	}()

	return c
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}

func formatLeaderboard(l api.Leaderboard) string {
	var s string
	for _, e := range l.Entries {
		s += fmt.Sprintf("#%d %s: %s\n", e.Rank, e.UserID, e.Score)
	}
	return s
}
