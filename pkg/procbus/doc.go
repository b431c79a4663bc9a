/*
Package procbus lets a hub process and the worker processes it spawns call
named actions on each other and publish events to each other over one
message channel per worker.

# Overview

Workers never talk to each other directly. The hub holds a channel to every
worker and routes both action calls and events:

  - A worker calling target "main" runs the action in the hub.
  - A worker calling another worker's name is forwarded by the hub, and the
    result or error is relayed back.
  - An event is always sent to the hub, tagged with the emitter's name, and
    forwarded only to workers that subscribed to that (origin, event) pair.

# Hub

	hub := procbus.NewHub(procbus.WithLogger(logger))
	defer hub.Close()

	proc, err := channel.Spawn(ctx, channel.Command{Name: "w1", Path: "./worker"}, envelope.JSON)
	if err != nil {
	    return err
	}
	if err := hub.Register("w1", proc); err != nil {
	    return err
	}

	n, err := procbus.Call[int](ctx, hub, "w1", "double", 21) // 42

# Worker

	w, err := procbus.NewWorker(channel.Stdio(envelope.JSON))
	if err != nil {
	    return err
	}
	w.Handle("double", func(ctx context.Context, p procbus.Params) (any, error) {
	    var n int
	    if err := p.Decode(0, &n); err != nil {
	        return nil, err
	    }
	    return n * 2, nil
	})
	w.Listen("main", "shutdown", func(ctx context.Context, _ procbus.Value) error {
	    cancel()
	    return nil
	})

# Errors

A handler error reaches the caller as an *errors.RemoteError carrying the
original message. Calls to unknown workers fail with ErrTargetNotFound and
calls to unknown hub actions with ErrActionNotSet; both match with
errors.Is across the process boundary. Close rejects calls still waiting
for a response with ErrDispatcherClosed.

# Concurrency

Each channel delivers messages in order on its own goroutine. Inbound
requests run concurrently, one goroutine each. Event listeners of one bus
run one at a time in arrival order. No call has a built-in timeout; pass a
context with a deadline.
*/
package procbus
