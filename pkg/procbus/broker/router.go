package broker

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/procbus/pkg/procbus/action"
	"github.com/randalmurphal/procbus/pkg/procbus/channel"
	"github.com/randalmurphal/procbus/pkg/procbus/dispatcher"
	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
	"github.com/randalmurphal/procbus/pkg/procbus/observability"
)

// router serves the requests one worker sends to the hub. It owns the
// worker's channel and dispatcher and reaches other workers only through
// the broker's lookup, never holding them itself.
type router struct {
	name    string
	ch      channel.Channel
	disp    *dispatcher.Dispatcher
	local   *action.Registry
	forward func(ctx context.Context, target, action string, params envelope.Params) (envelope.Value, error)
	tel     observability.Telemetry
	logger  *slog.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
}

func newRouter(name string, ch channel.Channel, b *Broker) (*router, error) {
	disp, err := dispatcher.New(dispatcher.RoleHub, b.token, ch,
		dispatcher.WithTelemetry(b.tel),
		dispatcher.WithName(name),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &router{
		name:    name,
		ch:      ch,
		disp:    disp,
		local:   b.local,
		forward: b.Forward,
		tel:     b.tel,
		logger:  b.tel.Logger.With(slog.String("worker", name)),
		ctx:     ctx,
		cancel:  cancel,
	}
	r.unsubscribe = ch.Subscribe(r.onMessage)
	return r, nil
}

func (r *router) onMessage(env *envelope.Envelope) {
	if env.Type != envelope.TypeRequest {
		return
	}
	if err := envelope.CheckVersion(env); err != nil {
		observability.LogVersionMismatch(r.logger, err)
		r.tel.Metrics.RecordDropped(r.ctx, "version")
		return
	}
	if err := env.Validate(); err != nil {
		observability.LogMalformed(r.logger, err)
		r.tel.Metrics.RecordDropped(r.ctx, "malformed")
		// Without an id there is nobody to answer.
		if env.ID != 0 {
			action.Respond(r.ctx, r.ch, env, nil, err, r.logger)
		}
		return
	}

	go r.handle(env)
}

func (r *router) handle(req *envelope.Envelope) {
	ctx := r.tel.Spans.Extract(r.ctx, req.Meta)
	params := envelope.NewParams(r.ch.Codec(), req.Params)

	var (
		result any
		err    error
	)
	switch req.Target {
	case "", envelope.MainTag:
		if r.local == nil {
			err = &perr.ActionError{Action: req.Action}
			break
		}
		result, err = r.local.Exec(ctx, req.Action, params)
	default:
		result, err = r.forward(ctx, req.Target, req.Action, params)
	}

	if err != nil {
		r.logger.Debug("routed request failed",
			slog.Uint64("request_id", req.ID),
			slog.String("target", req.Target),
			slog.String("action", req.Action),
			slog.String("error", err.Error()),
		)
	}
	action.Respond(ctx, r.ch, req, result, err, r.logger)
}

// discard stops the router without touching its channel.
func (r *router) discard() {
	r.unsubscribe()
	r.cancel()
	r.disp.Destroy()
}

func (r *router) close() {
	r.discard()
	if err := r.ch.Close(); err != nil {
		r.logger.Debug("closing worker channel", slog.String("error", err.Error()))
	}
}
