package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/backbone/pkg/backbone/audit"
	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/observability"
)

// Mode controls what the validator does with a violation.
type Mode int

const (
	// ModeStrict rejects on any violation. Used in testing and staging.
	ModeStrict Mode = iota

	// ModePermissive logs a warning and accepts. Used in early development.
	ModePermissive

	// ModeProduction rejects, writes an audit record and returns the error.
	ModeProduction
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeStrict:
		return "strict"
	case ModePermissive:
		return "permissive"
	case ModeProduction:
		return "production"
	default:
		return "unknown"
	}
}

// ParseMode converts a mode name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "":
		return ModeStrict, nil
	case "permissive":
		return ModePermissive, nil
	case "production":
		return ModeProduction, nil
	default:
		return 0, fmt.Errorf("unknown validation mode %q", s)
	}
}

const origin = "validator"

// Violation codes.
const (
	CodeMissingDomain      = "missing_domain"
	CodeMissingType        = "missing_type"
	CodeMissingPayload     = "missing_payload"
	CodeUnknownDomain      = "unknown_domain"
	CodeMalformedType      = "malformed_type"
	CodeUnknownCategory    = "unknown_category"
	CodeInvalidVersion     = "invalid_version"
	CodeVersionRegression  = "version_regression"
	CodeMalformedID        = "malformed_id"
	CodeDuplicateID        = "duplicate_id"
	CodeUnencodablePayload = "unencodable_payload"
	CodeMalformedInput     = "malformed_input"
)

// Validator turns Raw producer input into accepted envelopes.
type Validator struct {
	registry *TaxonomyRegistry
	versions *VersionTracker
	mode     Mode
	logger   *slog.Logger
	sink     audit.Sink
	now      func() time.Time
	newID    func() string
	ids      IDIndex
}

// IDIndex reports whether an event id was already accepted.
type IDIndex interface {
	Known(ctx context.Context, id string) (bool, error)
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithMode sets the environment mode. Default: ModeStrict.
func WithMode(m Mode) ValidatorOption {
	return func(v *Validator) { v.mode = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = logger }
}

// WithAuditSink sets where production-mode rejections are recorded.
func WithAuditSink(sink audit.Sink) ValidatorOption {
	return func(v *Validator) { v.sink = sink }
}

// WithVersionTracker shares a version tracker between validators.
func WithVersionTracker(t *VersionTracker) ValidatorOption {
	return func(v *Validator) { v.versions = t }
}

// WithClock overrides the time source used for OccurredAt.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// WithIDGenerator overrides id assignment.
func WithIDGenerator(fn func() string) ValidatorOption {
	return func(v *Validator) { v.newID = fn }
}

// WithIDIndex rejects producer-supplied ids that idx already knows.
func WithIDIndex(idx IDIndex) ValidatorOption {
	return func(v *Validator) { v.ids = idx }
}

// NewValidator creates a Validator reading the taxonomy from registry.
func NewValidator(registry *TaxonomyRegistry, opts ...ValidatorOption) *Validator {
	v := &Validator{
		registry: registry,
		mode:     ModeStrict,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.registry == nil {
		v.registry = NewTaxonomyRegistry(nil)
	}
	if v.versions == nil {
		v.versions = NewVersionTracker()
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	if v.sink == nil {
		v.sink = audit.NewLogSink(v.logger)
	}
	if v.now == nil {
		v.now = func() time.Time { return time.Now().UTC() }
	}
	if v.newID == nil {
		v.newID = NewID
	}
	return v
}

// Mode returns the configured mode.
func (v *Validator) Mode() Mode { return v.mode }

// Registry returns the taxonomy registry the validator reads.
func (v *Validator) Registry() *TaxonomyRegistry { return v.registry }

// Versions returns the version tracker.
func (v *Validator) Versions() *VersionTracker { return v.versions }

// ValidateMap decodes a JSON-shaped map and validates it.
func (v *Validator) ValidateMap(ctx context.Context, m map[string]any) (*Envelope, error) {
	raw, err := RawFromMap(m)
	if err != nil {
		ec := bberrors.Validation(origin, CodeMalformedInput, err.Error())
		ec.Err = err
		return nil, v.reject(ctx, Raw{}, ec, nil)
	}
	return v.Validate(ctx, raw)
}

// Validate checks raw, builds an envelope and commits its version. The
// returned error is always an *errors.ErrorClass of class validation.
//
// Checks run in order: required fields, type and category, version, id.
// The version is committed only after every check has passed.
func (v *Validator) Validate(ctx context.Context, raw Raw) (*Envelope, error) {
	return v.validate(ctx, raw, true)
}

// Check is Validate without the version commit. A caller that accepts the
// envelope later records its version with CommitVersion.
func (v *Validator) Check(ctx context.Context, raw Raw) (*Envelope, error) {
	return v.validate(ctx, raw, false)
}

// CommitVersion records the version of an accepted envelope. It reports
// false when a concurrent publish already moved the version past it.
func (v *Validator) CommitVersion(env *Envelope) bool {
	_, ok := v.versions.Observe(env.domain, env.typ, env.version)
	return ok
}

// Reject records a rejection found after validation, such as an id that
// turned out to be taken. It audits in production mode and returns ec.
func (v *Validator) Reject(ctx context.Context, raw Raw, ec *bberrors.ErrorClass) error {
	return v.reject(ctx, raw, ec, nil)
}

func (v *Validator) validate(ctx context.Context, raw Raw, commit bool) (*Envelope, error) {
	tax := v.registry.Current()
	var violations []*bberrors.ErrorClass
	soft := func(code, format string, args ...any) {
		violations = append(violations, bberrors.Validation(origin, code, fmt.Sprintf(format, args...)))
	}

	// Required fields.
	if raw.Domain == "" {
		return nil, v.reject(ctx, raw, bberrors.Validation(origin, CodeMissingDomain, "domain is required"), nil)
	}
	if raw.Type == "" {
		return nil, v.reject(ctx, raw, bberrors.Validation(origin, CodeMissingType, "type is required"), nil)
	}
	if raw.Payload == nil {
		soft(CodeMissingPayload, "payload is required")
	}
	if !tax.HasDomain(raw.Domain) {
		soft(CodeUnknownDomain, "domain %q is not registered", raw.Domain)
	}

	// Type grammar and category.
	if !ValidType(raw.Type) {
		soft(CodeMalformedType, "type %q must be dotted lowercase segments", raw.Type)
	}
	if _, ok := tax.CategoryFor(raw.Type); !ok {
		soft(CodeUnknownCategory, "category %q is not registered", CategoryOf(raw.Type))
	}

	// Version.
	last := v.versions.Last(raw.Domain, raw.Type)
	version := raw.Version
	switch {
	case version < 0:
		soft(CodeInvalidVersion, "version must be a positive integer")
		version = max(last, 1)
	case version == 0:
		version = max(last, 1)
	case version < last:
		soft(CodeVersionRegression, "version %d is lower than last known version %d for %s/%s", version, last, raw.Domain, raw.Type)
		version = last
	}

	// Identity.
	id := raw.ID
	if id == "" {
		id = v.newID()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, v.reject(ctx, raw, bberrors.Validation(origin, CodeMalformedID, fmt.Sprintf("id %q is not a UUID", id)), violations)
	} else if v.ids != nil {
		known, err := v.ids.Known(ctx, id)
		switch {
		case err != nil:
			// The lineage edge write still refuses a taken id.
			v.logger.Warn("event id lookup failed", slog.String("event_id", id), slog.String("error", err.Error()))
		case known:
			return nil, v.reject(ctx, raw, DuplicateID(id), violations)
		}
	}

	payload := json.RawMessage("{}")
	if raw.Payload != nil {
		data, err := json.Marshal(raw.Payload)
		if err != nil {
			ec := bberrors.Validation(origin, CodeUnencodablePayload, err.Error())
			ec.Err = err
			return nil, v.reject(ctx, raw, ec, violations)
		}
		payload = data
	}

	if len(violations) > 0 && v.mode != ModePermissive {
		return nil, v.reject(ctx, raw, violations[0], violations[1:])
	}

	if committed, ok := v.observe(raw, version, commit); !ok {
		// A concurrent publish moved the version past ours.
		ec := bberrors.Validation(origin, CodeVersionRegression,
			fmt.Sprintf("version %d is lower than last known version %d for %s/%s", version, committed, raw.Domain, raw.Type))
		if v.mode != ModePermissive {
			return nil, v.reject(ctx, raw, ec, nil)
		}
		violations = append(violations, ec)
		version = committed
	}

	occurredAt := raw.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = v.now()
	}

	meta := make(map[string]string, len(raw.Meta)+1)
	for k, val := range raw.Meta {
		meta[k] = val
	}
	if len(violations) > 0 {
		codes := make([]string, len(violations))
		for i, vi := range violations {
			codes[i] = vi.Code
		}
		meta[MetaViolations] = strings.Join(codes, ",")
		observability.LogValidationViolations(v.logger, string(raw.Domain), raw.Type, violations)
	}

	return &Envelope{
		id:            id,
		domain:        raw.Domain,
		typ:           raw.Type,
		version:       version,
		occurredAt:    occurredAt,
		causationID:   raw.CausationID,
		correlationID: id,
		source:        raw.Source,
		payload:       payload,
		meta:          meta,
	}, nil
}

// reject returns ec, auditing the rejection first in production mode.
func (v *Validator) reject(ctx context.Context, raw Raw, ec *bberrors.ErrorClass, rest []*bberrors.ErrorClass) error {
	if v.mode == ModeProduction {
		detail := map[string]string{"mode": v.mode.String()}
		if len(rest) > 0 {
			codes := make([]string, len(rest))
			for i, r := range rest {
				codes[i] = r.Code
			}
			detail["other_violations"] = strings.Join(codes, ",")
		}
		if raw.Source != "" {
			detail["source"] = raw.Source
		}
		record := audit.Record{
			Kind:    audit.KindValidationRejected,
			At:      v.now(),
			EventID: raw.ID,
			Domain:  string(raw.Domain),
			Type:    raw.Type,
			Origin:  origin,
			Class:   ec,
			Detail:  detail,
		}
		if err := v.sink.Write(ctx, record); err != nil {
			v.logger.Warn("audit write failed", slog.String("error", err.Error()))
		}
	}
	observability.LogPublishRejected(v.logger, string(raw.Domain), raw.Type, ec)
	return ec
}

// observe commits version when commit is set. Otherwise it only compares
// against the last committed version.
func (v *Validator) observe(raw Raw, version int, commit bool) (int, bool) {
	if commit {
		return v.versions.Observe(raw.Domain, raw.Type, version)
	}
	last := v.versions.Last(raw.Domain, raw.Type)
	return last, version >= last
}

// DuplicateID is the rejection for an event id that was already accepted.
func DuplicateID(id string) *bberrors.ErrorClass {
	return bberrors.Validation(origin, CodeDuplicateID, fmt.Sprintf("event id %s was already accepted", id))
}
