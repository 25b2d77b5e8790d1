package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/kickchat/session"
	"github.com/onnwee/kickchat/telemetry"
)

// chatConn is the part of session.Client the supervisor drives.
type chatConn interface {
	Done() <-chan struct{}
	Reconnect(ctx context.Context) error
}

// superviseChat waits for the chat connection to end and reopens it with
// exponential backoff until ctx is cancelled.
func superviseChat(ctx context.Context, conn chatConn, initial, maxInterval time.Duration) {
	log := slog.Default().With(slog.String("component", "chat_supervisor"))
	for {
		done := conn.Done()
		if done == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-done:
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn("chat connection ended, reconnecting")

		retry := backoff.NewExponentialBackOff()
		retry.InitialInterval = initial
		retry.MaxInterval = maxInterval
		retry.Reset()
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			err := conn.Reconnect(ctx)
			telemetry.IncChatReconnect(err)
			if errors.Is(err, session.ErrClosed) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		},
			backoff.WithBackOff(retry),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				log.Warn("chat reconnect failed", slog.Any("err", err), slog.Duration("retry_in", next))
			}),
		)
		if err != nil {
			// Only cancellation or a closed client stops an unbounded retry.
			return
		}
		log.Info("chat connection restored")
	}
}
