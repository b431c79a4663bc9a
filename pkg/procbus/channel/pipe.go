package channel

import (
	"context"

	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
)

type pipeEnd struct {
	*endpoint
	peer *pipeEnd
}

// Pipe returns two connected in-memory endpoints. An envelope sent on one
// is delivered to the subscribers of the other. Closing either end closes both.
func Pipe(codec envelope.Codec, opts ...Option) (Channel, Channel) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	a := &pipeEnd{endpoint: newEndpoint(codec, o)}
	b := &pipeEnd{endpoint: newEndpoint(codec, o)}
	a.peer, b.peer = b, a
	a.onClose = func() { b.shutdown() }
	b.onClose = func() { a.shutdown() }
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, env *envelope.Envelope) error {
	frame, err := p.encode(ctx, env)
	if err != nil {
		return err
	}
	if !p.peer.push(frame) {
		return perr.ErrChannelClosed
	}
	return nil
}

func (p *pipeEnd) Close() error {
	p.shutdown()
	return nil
}
