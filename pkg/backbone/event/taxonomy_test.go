package event_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/backbone/pkg/backbone/event"
)

func TestDefaultTaxonomyHasReservedCategories(t *testing.T) {
	tax := event.DefaultTaxonomy("gate")

	for _, name := range []string{"system", "audit", "ui", "reactor"} {
		_, ok := tax.Category(name)
		assert.True(t, ok, "missing reserved category %s", name)
	}

	c, ok := tax.CategoryFor("ui.toast.shown")
	require.True(t, ok)
	assert.Equal(t, event.DeliveryRealtime, c.Delivery)

	c, _ = tax.Category("audit")
	assert.Equal(t, event.DeliveryDurable, c.Delivery)

	assert.True(t, tax.HasDomain("gate"))
	assert.True(t, tax.HasDomain("system"))
	assert.False(t, tax.HasDomain("nowhere"))
}

func TestNewTaxonomyRejectsBadCategories(t *testing.T) {
	_, err := event.NewTaxonomy([]event.Category{{Name: "Bad-Name", Owner: "x"}})
	assert.Error(t, err)

	_, err = event.NewTaxonomy([]event.Category{{Name: "grid"}})
	assert.Error(t, err)

	_, err = event.NewTaxonomy([]event.Category{{Name: "system", Owner: "other"}})
	assert.True(t, errors.Is(err, event.ErrCategoryExists))
}

func TestRegistryRegisterCategory(t *testing.T) {
	reg := event.NewTaxonomyRegistry(nil)
	before := reg.Current()

	grid := event.Category{Name: "grid", Owner: "spatial", Delivery: event.DeliveryStandard}
	require.NoError(t, reg.RegisterCategory(grid))

	after := reg.Current()
	assert.Greater(t, after.Version(), before.Version())
	assert.True(t, after.HasDomain("spatial"))
	_, ok := before.Category("grid")
	assert.False(t, ok, "old snapshot must not change")

	// Identical re-registration is a no-op.
	require.NoError(t, reg.RegisterCategory(grid))
	assert.Equal(t, after.Version(), reg.Current().Version())

	err := reg.RegisterCategory(event.Category{Name: "grid", Owner: "other"})
	assert.ErrorIs(t, err, event.ErrCategoryExists)
}

func TestRegistryRegisterBatchIsAllOrNothing(t *testing.T) {
	reg := event.NewTaxonomyRegistry(nil)
	before := reg.Current().Version()

	err := reg.Register(
		event.Category{Name: "grid", Owner: "spatial"},
		event.Category{Name: "system", Owner: "spatial"},
	)
	assert.ErrorIs(t, err, event.ErrCategoryExists)
	assert.Equal(t, before, reg.Current().Version())
	_, ok := reg.Current().Category("grid")
	assert.False(t, ok)

	require.NoError(t, reg.Register(
		event.Category{Name: "grid", Owner: "spatial"},
		event.Category{Name: "model", Owner: "ml", Delivery: event.DeliveryDurable},
	))
	assert.Equal(t, before+1, reg.Current().Version())
	assert.True(t, reg.Current().HasDomain("ml"))

	require.NoError(t, reg.Register(event.Category{Name: "grid", Owner: "spatial"}))
	assert.Equal(t, before+1, reg.Current().Version())
}

func TestRegistryReloadKeepsReservedAndBumpsVersion(t *testing.T) {
	reg := event.NewTaxonomyRegistry(event.DefaultTaxonomy("gate"))
	v1 := reg.Current().Version()

	next, err := event.NewTaxonomy([]event.Category{{Name: "ml", Owner: "orchestrator"}}, "gate")
	require.NoError(t, err)
	require.NoError(t, reg.Reload(next))

	cur := reg.Current()
	assert.Greater(t, cur.Version(), v1)
	_, ok := cur.Category("ml")
	assert.True(t, ok)
	_, ok = cur.Category("system")
	assert.True(t, ok)

	assert.Error(t, reg.Reload(nil))
}

func TestRegistryConcurrentRegistration(t *testing.T) {
	reg := event.NewTaxonomyRegistry(nil)
	var wg sync.WaitGroup
	names := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta", "theta"}

	for _, name := range names {
		wg.Add(2)
		go func(n string) {
			defer wg.Done()
			_ = reg.RegisterCategory(event.Category{Name: n, Owner: event.Domain(n)})
		}(name)
		go func() {
			defer wg.Done()
			_ = reg.Current().Categories()
		}()
	}
	wg.Wait()

	for _, name := range names {
		_, ok := reg.Current().Category(name)
		assert.True(t, ok, "lost registration %s", name)
	}
}

func TestParseDelivery(t *testing.T) {
	d, err := event.ParseDelivery("realtime")
	require.NoError(t, err)
	assert.Equal(t, event.DeliveryRealtime, d)

	d, err = event.ParseDelivery("")
	require.NoError(t, err)
	assert.Equal(t, event.DeliveryStandard, d)

	_, err = event.ParseDelivery("sometimes")
	assert.Error(t, err)
}

func TestValidType(t *testing.T) {
	assert.True(t, event.ValidType("system.policy.evaluated"))
	assert.True(t, event.ValidType("ui.x"))
	assert.False(t, event.ValidType("system"))
	assert.False(t, event.ValidType("System.Policy"))
	assert.False(t, event.ValidType("system..x"))
	assert.False(t, event.ValidType(".x"))
}
