// Package event defines the canonical event envelope and the rules an event
// must satisfy before the backbone accepts it.
//
// # Envelope
//
// An Envelope is immutable. Fields are reachable only through accessor
// methods and every slice or map handed out is a copy. Envelopes are created
// by a Validator from a Raw producer input:
//
//	v := event.NewValidator(registry, event.WithMode(event.ModeStrict))
//	env, err := v.Validate(ctx, event.Raw{
//	    Domain:  "gate",
//	    Type:    "system.policy.evaluated",
//	    Payload: map[string]any{"allowed": true},
//	})
//
// Rehydrating persisted envelopes (dead-letter store, ingest journal, Kafka)
// goes through FromFields, which checks structure but not taxonomy.
//
// # Taxonomy
//
// A Taxonomy is a versioned, immutable set of known domains and registered
// categories. The first dotted segment of an event type names its category.
// The reserved categories system, audit, ui and reactor are always present.
// A TaxonomyRegistry holds the current Taxonomy and swaps it atomically on
// registration or reload, so validators never observe a partial update.
//
// # Modes
//
//   - ModeStrict rejects any violation.
//   - ModePermissive logs a warning, records the violations in meta and accepts.
//   - ModeProduction rejects, writes an audit record and returns the error.
//
// Some violations make an envelope impossible to build (missing domain or
// type, malformed id, unencodable payload); those are rejected in every mode.
package event
