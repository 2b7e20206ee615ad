// Package bus is the publish façade of the event backbone.
//
// A Bus wires the validator, the lineage tracker and the pipeline engine
// together:
//
//	b, err := bus.New(bus.WithMode(event.ModeProduction))
//	if err != nil {
//	    return err
//	}
//	if err := b.Start(ctx); err != nil {
//	    return err
//	}
//	defer b.Close(ctx)
//
//	env, err := b.Publish(ctx, event.Raw{
//	    Domain:  "system",
//	    Type:    "system.policy.evaluated",
//	    Payload: map[string]any{"policy": "retention"},
//	})
//	if ec, ok := errors.AsClass(err); ok {
//	    // ec.Class says whether a retry can help.
//	}
//
// Publish is the only path into the pipelines. Scheduled publishes and
// dead-letter replays written to the outbox are emitted through it too, so
// validation and lineage stamping are never bypassed.
//
// LegacyAdapter keeps old call shapes working while counting their use.
package bus
