package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/prepverse/guildsync/internal/domain"
)

const maxConcurrent = 100

// Notification is the envelope published on redis channels. Clients that
// subscribe get lifecycle pushes; clients that poll see the same state
// through the HTTP endpoints. ID is a v7 uuid, so redeliveries can be
// deduplicated and ordered on the client.
type Notification struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// PublishLeaderboardResolved fans the final leaderboard out to the room
// channel and to each ranked participant's own channel.
func (a *API) PublishLeaderboardResolved(ctx context.Context, e domain.EventLeaderboardResolved) error {
	lb := e.Leaderboard
	data := leaderboardView(&lb)

	if err := a.publishRoom(ctx, lb.RoomCode, e.Name(), data); err != nil {
		return err
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, entry := range data.Entries {
		entry := entry
		eg.Go(func() error {
			return a.publishUser(ctx, entry.UserID, e.Name(), data)
		})
	}

	return eg.Wait()
}

func (a *API) publishRoom(ctx context.Context, code, event string, data any) error {
	return a.publish(ctx, fmt.Sprintf("%s:room:%s", a.prefix, code), event, data)
}

func (a *API) publishUser(ctx context.Context, user, event string, data any) error {
	return a.publish(ctx, fmt.Sprintf("%s:user:%s", a.prefix, user), event, data)
}

func (a *API) publish(ctx context.Context, channel, event string, data any) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("pubsub: new notification id: %v", err)
	}

	n := Notification{
		ID:    id.String(),
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, channel, b).Err()
}
