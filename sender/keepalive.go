package sender

import (
	"context"
	"time"

	"tarun-kavipurapu/p2p-share/pkg/logger"
)

// ChannelKeeper is the part of the rendezvous API a published share uses.
type ChannelKeeper interface {
	RenewChannel(ctx context.Context, slug, secret string) error
	DestroyChannel(ctx context.Context, slug string) error
}

// destroyTimeout bounds the final destroy call after ctx has ended.
const destroyTimeout = 5 * time.Second

// Keepalive renews the channel for slug every interval until ctx is done,
// then destroys it. A failed renewal is logged and retried at the next tick.
func Keepalive(ctx context.Context, keeper ChannelKeeper, slug, secret string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
			if err := keeper.DestroyChannel(dctx, slug); err != nil {
				logger.Sugar.Warnf("[Sender] failed to destroy channel %s: %v", slug, err)
			} else {
				logger.Sugar.Infof("[Sender] channel %s destroyed", slug)
			}
			cancel()
			return
		case <-ticker.C:
			if err := keeper.RenewChannel(ctx, slug, secret); err != nil {
				logger.Sugar.Warnf("[Sender] failed to renew channel %s: %v", slug, err)
				continue
			}
			logger.Sugar.Debugf("[Sender] channel %s renewed", slug)
		}
	}
}
