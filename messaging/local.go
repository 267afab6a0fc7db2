package messaging

import (
	"context"
	"encoding/json"
	"fmt"
)

// Local is the in-process transport. Envelopes and replies are serialised on
// both legs so tab and background never share memory.
type Local struct {
	router *Router
}

func NewLocal(r *Router) *Local { return &Local{router: r} }

func (l *Local) RoundTrip(ctx context.Context, env Envelope) (Reply, error) {
	wire, err := json.Marshal(env)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal envelope: %w", err)
	}

	done := make(chan []byte, 1)
	go func() {
		var in Envelope
		var reply Reply
		if err := json.Unmarshal(wire, &in); err != nil {
			reply = errReply("", fmt.Errorf("%w: %v", ErrBadPayload, err))
		} else {
			reply = l.router.Dispatch(ctx, in)
		}
		out, _ := json.Marshal(reply)
		done <- out
	}()

	select {
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case out := <-done:
		var reply Reply
		if err := json.Unmarshal(out, &reply); err != nil {
			return Reply{}, fmt.Errorf("unmarshal reply: %w", err)
		}
		return reply, nil
	}
}
