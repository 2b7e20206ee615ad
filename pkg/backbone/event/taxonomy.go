package event

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrUnknownCategory is returned when a category is not registered.
	ErrUnknownCategory = errors.New("unknown category")

	// ErrCategoryExists is returned when a category is re-registered with a different definition.
	ErrCategoryExists = errors.New("category already registered")
)

var (
	categoryPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	typePattern     = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)
)

// ValidType reports whether eventType follows the dotted type grammar.
func ValidType(eventType string) bool {
	return typePattern.MatchString(eventType)
}

// Delivery is the reliability tier of a category. It decides which pipeline
// accepted events are handed to.
type Delivery int

const (
	// DeliveryStandard routes to the ingest pipeline.
	DeliveryStandard Delivery = iota

	// DeliveryDurable routes to the ingest pipeline with mandatory journaling.
	DeliveryDurable

	// DeliveryRealtime routes to the best-effort real-time pipeline.
	DeliveryRealtime
)

// String returns the delivery tier name.
func (d Delivery) String() string {
	switch d {
	case DeliveryStandard:
		return "standard"
	case DeliveryDurable:
		return "durable"
	case DeliveryRealtime:
		return "realtime"
	default:
		return "unknown"
	}
}

// ParseDelivery converts a tier name into a Delivery. Empty means standard.
func ParseDelivery(s string) (Delivery, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard":
		return DeliveryStandard, nil
	case "durable":
		return DeliveryDurable, nil
	case "realtime", "real_time", "real-time":
		return DeliveryRealtime, nil
	default:
		return 0, fmt.Errorf("unknown delivery tier %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Delivery) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Delivery) UnmarshalText(text []byte) error {
	parsed, err := ParseDelivery(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Category is a registered event type prefix.
type Category struct {
	Name        string   `json:"name"`
	Owner       Domain   `json:"owner"`
	Delivery    Delivery `json:"delivery"`
	Description string   `json:"description,omitempty"`
}

// Reserved categories present in every taxonomy.
var (
	CategorySystem  = Category{Name: "system", Owner: "system", Delivery: DeliveryStandard, Description: "platform lifecycle and policy events"}
	CategoryAudit   = Category{Name: "audit", Owner: "audit", Delivery: DeliveryDurable, Description: "audit trail, always journaled"}
	CategoryUI      = Category{Name: "ui", Owner: "ui", Delivery: DeliveryRealtime, Description: "user interface notifications"}
	CategoryReactor = Category{Name: "reactor", Owner: "reactor", Delivery: DeliveryStandard, Description: "derived events emitted by reactors"}
)

// ReservedCategories returns the categories every taxonomy carries.
func ReservedCategories() []Category {
	return []Category{CategorySystem, CategoryAudit, CategoryUI, CategoryReactor}
}

func validateCategory(c Category) error {
	if !categoryPattern.MatchString(c.Name) {
		return fmt.Errorf("invalid category name %q", c.Name)
	}
	if c.Owner == "" {
		return fmt.Errorf("category %q has no owner domain", c.Name)
	}
	if c.Delivery < DeliveryStandard || c.Delivery > DeliveryRealtime {
		return fmt.Errorf("category %q has unknown delivery tier %d", c.Name, c.Delivery)
	}
	return nil
}

// Taxonomy is an immutable, versioned set of domains and categories.
type Taxonomy struct {
	version    uint64
	domains    map[Domain]struct{}
	categories map[string]Category
}

// NewTaxonomy builds a taxonomy from the reserved categories plus the given
// ones. Each category's owner is registered as a domain.
func NewTaxonomy(categories []Category, domains ...Domain) (*Taxonomy, error) {
	t := &Taxonomy{
		version:    1,
		domains:    make(map[Domain]struct{}),
		categories: make(map[string]Category),
	}
	for _, c := range append(ReservedCategories(), categories...) {
		if err := t.add(c); err != nil {
			return nil, err
		}
	}
	for _, d := range domains {
		if d == "" {
			return nil, fmt.Errorf("empty domain name")
		}
		t.domains[d] = struct{}{}
	}
	return t, nil
}

// DefaultTaxonomy returns the reserved categories plus the given domains.
func DefaultTaxonomy(domains ...Domain) *Taxonomy {
	t, err := NewTaxonomy(nil, domains...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Taxonomy) add(c Category) error {
	if err := validateCategory(c); err != nil {
		return err
	}
	if existing, ok := t.categories[c.Name]; ok && existing != c {
		return fmt.Errorf("%w: %s (owner %s)", ErrCategoryExists, c.Name, existing.Owner)
	}
	t.categories[c.Name] = c
	t.domains[c.Owner] = struct{}{}
	return nil
}

func (t *Taxonomy) clone() *Taxonomy {
	return &Taxonomy{
		version:    t.version + 1,
		domains:    maps.Clone(t.domains),
		categories: maps.Clone(t.categories),
	}
}

// Version returns the taxonomy version. It increases on every change.
func (t *Taxonomy) Version() uint64 { return t.version }

// HasDomain reports whether d is a known domain.
func (t *Taxonomy) HasDomain(d Domain) bool {
	_, ok := t.domains[d]
	return ok
}

// Category looks up a category by name.
func (t *Taxonomy) Category(name string) (Category, bool) {
	c, ok := t.categories[name]
	return c, ok
}

// CategoryFor looks up the category of an event type.
func (t *Taxonomy) CategoryFor(eventType string) (Category, bool) {
	return t.Category(CategoryOf(eventType))
}

// Domains returns the known domains, sorted.
func (t *Taxonomy) Domains() []Domain {
	out := slices.Collect(maps.Keys(t.domains))
	slices.Sort(out)
	return out
}

// Categories returns the registered categories, sorted by name.
func (t *Taxonomy) Categories() []Category {
	out := slices.Collect(maps.Values(t.categories))
	slices.SortFunc(out, func(a, b Category) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// TaxonomyRegistry holds the current Taxonomy. Readers never block; writers
// build a new Taxonomy and swap it in.
type TaxonomyRegistry struct {
	current atomic.Pointer[Taxonomy]
	mu      sync.Mutex // serializes writers
}

// NewTaxonomyRegistry creates a registry. A nil initial taxonomy starts from
// DefaultTaxonomy().
func NewTaxonomyRegistry(initial *Taxonomy) *TaxonomyRegistry {
	if initial == nil {
		initial = DefaultTaxonomy()
	}
	r := &TaxonomyRegistry{}
	r.current.Store(initial)
	return r
}

// Current returns the taxonomy in effect.
func (r *TaxonomyRegistry) Current() *Taxonomy {
	return r.current.Load()
}

// RegisterCategory adds a category. Registering an identical category again
// is a no-op. A different definition under the same name fails with
// ErrCategoryExists.
func (r *TaxonomyRegistry) RegisterCategory(c Category) error {
	return r.Register(c)
}

// Register adds several categories in one swap. Either all of them are
// registered or, on the first invalid or conflicting one, none are.
// Identical re-registrations are skipped.
func (r *TaxonomyRegistry) Register(categories ...Category) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	var next *Taxonomy
	for _, c := range categories {
		if existing, ok := cur.categories[c.Name]; ok && existing == c {
			continue
		}
		if next == nil {
			next = cur.clone()
		}
		if err := next.add(c); err != nil {
			return err
		}
	}
	if next != nil {
		r.current.Store(next)
	}
	return nil
}

// RegisterDomain adds a domain.
func (r *TaxonomyRegistry) RegisterDomain(d Domain) error {
	if d == "" {
		return fmt.Errorf("empty domain name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if cur.HasDomain(d) {
		return nil
	}
	next := cur.clone()
	next.domains[d] = struct{}{}
	r.current.Store(next)
	return nil
}

// Reload replaces the taxonomy wholesale. Reserved categories are re-added if
// missing and the version continues from the current one.
func (r *TaxonomyRegistry) Reload(t *Taxonomy) error {
	if t == nil {
		return fmt.Errorf("reload: nil taxonomy")
	}
	next := t.clone()
	for _, c := range ReservedCategories() {
		if _, ok := next.categories[c.Name]; !ok {
			if err := next.add(c); err != nil {
				return fmt.Errorf("reload: %w", err)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next.version = r.current.Load().version + 1
	r.current.Store(next)
	return nil
}
