package database

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const defaultConnectTimeout = 30 * time.Second

// waitReady calls ping until it succeeds or timeout elapses. Containers often
// start the server before the stores accept connections.
func waitReady(ctx context.Context, name string, timeout time.Duration, log zerolog.Logger, ping func(context.Context) error) error {
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = timeout

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return ping(pingCtx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Warn().Err(err).
			Str("store", name).
			Int("attempt", attempt).
			Dur("retry_in", next).
			Msg("Store not ready")
	})
}
