package chat

import (
	"context"
	"log/slog"
	"time"
)

// StreamSource reports a channel's live status and category.
type StreamSource interface {
	StreamGame(ctx context.Context, login string) (game string, live bool, err error)
}

// StartAutoHost polls streams and runs the IRC connection only while the
// channel is live. The page's category link follows the stream. When
// alwaysOn is set the connection runs regardless of live status and polling
// only refreshes the category. It blocks until ctx is done.
func StartAutoHost(ctx context.Context, h *Host, streams StreamSource, pollEvery time.Duration, alwaysOn bool) {
	if pollEvery <= 0 {
		pollEvery = 30 * time.Second
	}
	var (
		running   bool
		recCancel context.CancelFunc
		game      string
	)
	start := func() {
		recCtx, cancel := context.WithCancel(ctx)
		recCancel = cancel
		running = true
		go func() {
			if err := h.Run(recCtx); err != nil {
				slog.Warn("auto host: chat connection ended", slog.String("channel", h.channel), slog.Any("err", err))
			}
		}()
	}
	stop := func() {
		if recCancel != nil {
			recCancel()
			recCancel = nil
		}
		running = false
	}
	defer stop()

	if alwaysOn {
		start()
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	slog.Info("auto host: started poller", slog.String("channel", h.channel), slog.Duration("interval", pollEvery))
	for {
		if ctx.Err() != nil {
			return
		}
		if streams != nil {
			g, live, err := streams.StreamGame(ctx, h.channel)
			switch {
			case err != nil:
				slog.Debug("auto host: streams req", slog.Any("err", err))
			case live:
				if g != game {
					game = g
					h.SetGame(g)
					// category changes re-run activation the way an in-page route change does
					h.doc.Navigate(PageURL(h.channel))
				}
				if !running {
					slog.Info("auto host: stream live; connecting chat", slog.String("channel", h.channel), slog.String("game", g))
					start()
				}
			default:
				if game != "" {
					game = ""
					h.SetGame("")
				}
				if running && !alwaysOn {
					slog.Info("auto host: stream offline; disconnecting chat", slog.String("channel", h.channel))
					stop()
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
