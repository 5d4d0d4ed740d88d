package notify

import (
	"context"

	"github.com/mbd888/trustgate/internal/circuitbreaker"
)

// GuardedNotifier short-circuits delivery through a breaker keyed by
// channel name. While the circuit is open Notify returns
// circuitbreaker.ErrOpen without touching the channel.
type GuardedNotifier struct {
	next    Notifier
	breaker *circuitbreaker.Breaker
	channel string
}

// Guard wraps next with breaker under channel.
func Guard(next Notifier, breaker *circuitbreaker.Breaker, channel string) *GuardedNotifier {
	return &GuardedNotifier{next: next, breaker: breaker, channel: channel}
}

func (g *GuardedNotifier) Notify(ctx context.Context, n Notification) error {
	return g.breaker.Do(g.channel, func() error {
		return g.next.Notify(ctx, n)
	})
}

var _ Notifier = (*GuardedNotifier)(nil)
