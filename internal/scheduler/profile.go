package scheduler

import (
	"context"
	"time"

	"github.com/user/nostragent/internal/types"
)

// ProfileJob republishes the agent card so relays that dropped or never
// had the metadata event pick it up again.
func ProfileJob(schedule string, pub types.ProfilePublisher, card *types.AgentCard) Job {
	return Job{
		Name:     "profile",
		Schedule: schedule,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			return pub.PublishProfile(ctx, card)
		},
	}
}
