package action

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/procbus/pkg/procbus/channel"
	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
	"github.com/randalmurphal/procbus/pkg/procbus/observability"
)

// Serve answers requests arriving on ch until the returned stop function
// is called. Each request runs in its own goroutine; the response echoes
// the request id and instance token.
//
// Requests for actions with no handler get no response. Requests from
// another protocol version and malformed requests are logged and dropped.
// Stopping cancels the context of handlers still running.
func (r *Registry) Serve(ctx context.Context, ch channel.Channel) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	unsubscribe := ch.Subscribe(func(env *envelope.Envelope) {
		if env.Type != envelope.TypeRequest {
			return
		}
		r.serveRequest(ctx, ch, env)
	})
	return func() {
		unsubscribe()
		cancel()
	}
}

func (r *Registry) serveRequest(ctx context.Context, ch channel.Channel, env *envelope.Envelope) {
	if err := envelope.CheckVersion(env); err != nil {
		observability.LogVersionMismatch(r.tel.Logger, err)
		r.tel.Metrics.RecordDropped(ctx, "version")
		return
	}
	if err := env.Validate(); err != nil {
		observability.LogMalformed(r.tel.Logger, err)
		r.tel.Metrics.RecordDropped(ctx, "malformed")
		return
	}

	fn, ok := r.handlers.Get(env.Action)
	if !ok {
		r.tel.Logger.Debug("ignoring request for unhandled action",
			slog.String("action", env.Action),
			slog.Uint64("request_id", env.ID),
		)
		return
	}

	go func() {
		hctx := r.tel.Spans.Extract(ctx, env.Meta)
		result, err := r.invoke(hctx, env.Action, fn, envelope.NewParams(ch.Codec(), env.Params))
		Respond(ctx, ch, env, result, err, r.tel.Logger)
	}()
}

// Respond sends the response to req over ch. A result that cannot be
// encoded is reported to the caller as an error.
func Respond(ctx context.Context, ch channel.Channel, req *envelope.Envelope, result any, err error, logger *slog.Logger) {
	var raw envelope.Raw
	if err == nil {
		raw, err = envelope.EncodeAny(ch.Codec(), result)
	}
	resp := envelope.NewResponse(req, raw, perr.FromError(err))
	if sendErr := ch.Send(context.WithoutCancel(ctx), resp); sendErr != nil {
		observability.LogSendError(logger, resp.String(), sendErr)
	}
}
