package pool

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pooler/errs"
)

func TestShrinkRetiresOnlyFreeInstances(t *testing.T) {
	cases := []struct {
		name              string
		initial, max, use int
		newMax            int
		wantRetired       int
	}{
		{name: "all free", initial: 4, max: 4, use: 0, newMax: 1, wantRetired: 3},
		{name: "some in use", initial: 4, max: 4, use: 1, newMax: 2, wantRetired: 2},
		{name: "limited by free", initial: 4, max: 4, use: 3, newMax: 1, wantRetired: 1},
		{name: "no excess", initial: 2, max: 4, use: 1, newMax: 3, wantRetired: 0},
		{name: "to zero", initial: 3, max: 3, use: 1, newMax: 0, wantRetired: 2},
		{name: "to unbounded", initial: 3, max: 3, use: 0, newMax: Unbounded, wantRetired: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			shop := new(widgetShop)
			obs := newRecordingObserver()
			p := newWidgetPool(t, shop, Config{Name: "shrink", InitialCapacity: tc.initial, MaxCapacity: tc.max, Policy: PolicyFail},
				WithObserver[*widget](obs))

			held := make([]*widget, 0, tc.use)
			for i := 0; i < tc.use; i++ {
				w, err := p.Acquire(context.Background())
				require.NoError(t, err)
				held = append(held, w)
			}
			before := p.Stats()

			require.NoError(t, p.Resize(tc.newMax))

			after := p.Stats()
			require.Equal(t, tc.wantRetired, obs.retiredFor(RetireShrink))
			require.EqualValues(t, tc.wantRetired, shop.retired.Load())
			require.Equal(t, before.Allocated-tc.wantRetired, after.Allocated)
			require.Equal(t, before.Free-tc.wantRetired, after.Free)
			require.Equal(t, tc.use, after.InUse)
			require.Equal(t, tc.newMax, after.MaxCapacity)

			for _, w := range held {
				require.NoError(t, p.Release(w))
			}
		})
	}
}

func TestShrinkRetiresLeastRecentlyUsedFirst(t *testing.T) {
	var (
		mu      sync.Mutex
		retired []int64
	)
	shop := new(widgetShop)
	p := newWidgetPool(t, shop, Config{Name: "lru", MaxCapacity: 3},
		WithRetire(func(w *widget) error {
			mu.Lock()
			retired = append(retired, w.id)
			mu.Unlock()
			return nil
		}),
	)

	var ws []*widget
	for i := 0; i < 3; i++ {
		w, err := p.Acquire(context.Background())
		require.NoError(t, err)
		ws = append(ws, w)
	}
	for _, w := range ws {
		require.NoError(t, p.Release(w))
	}

	require.NoError(t, p.Resize(1))
	mu.Lock()
	require.Equal(t, []int64{ws[0].id, ws[1].id}, retired)
	mu.Unlock()

	survivor, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Same(t, ws[2], survivor)
	require.NoError(t, p.Release(survivor))
}

func TestShrinkRetiresOverCapacityReleases(t *testing.T) {
	shop := new(widgetShop)
	obs := newRecordingObserver()
	p := newWidgetPool(t, shop, Config{Name: "drain", InitialCapacity: 4, MaxCapacity: 4, Policy: PolicyFail},
		WithObserver[*widget](obs))

	var held []*widget
	for i := 0; i < 3; i++ {
		w, err := p.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, w)
	}
	require.NoError(t, p.Resize(1))
	require.Equal(t, 3, p.Stats().Allocated)

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, errs.ErrPoolExhausted, "new ceiling applies while over capacity")

	require.NoError(t, p.Release(held[0]))
	require.NoError(t, p.Release(held[1]))
	require.Equal(t, 2, obs.retiredFor(RetireOverCapacity))
	require.Equal(t, 1, p.Stats().Allocated)
	require.Equal(t, 0, p.Stats().Free)

	require.NoError(t, p.Release(held[2]))
	st := p.Stats()
	require.Equal(t, 1, st.Allocated)
	require.Equal(t, 1, st.Free)

	w, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Same(t, held[2], w)
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, errs.ErrPoolExhausted)
	require.NoError(t, p.Release(w))
}

func TestGrowingIsLazy(t *testing.T) {
	shop := new(widgetShop)
	p := newWidgetPool(t, shop, Config{Name: "lazy", InitialCapacity: 1, MaxCapacity: 1, Policy: PolicyFail})

	require.NoError(t, p.Resize(8))
	st := p.Stats()
	require.Equal(t, 1, st.Allocated)
	require.Equal(t, 8, st.MaxCapacity)
	require.EqualValues(t, 1, shop.built.Load())

	var held []*widget
	for i := 0; i < 8; i++ {
		w, err := p.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, w)
	}
	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, errs.ErrPoolExhausted)
	for _, w := range held {
		require.NoError(t, p.Release(w))
	}
}

func TestResizeToZeroEmptiesPool(t *testing.T) {
	shop := new(widgetShop)
	obs := newRecordingObserver()
	p := newWidgetPool(t, shop, Config{Name: "drain", InitialCapacity: 3, MaxCapacity: 3, Policy: PolicyFail},
		WithObserver[*widget](obs))

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Resize(0))
	st := p.Stats()
	require.Equal(t, 0, st.MaxCapacity)
	require.Equal(t, 0, st.Free)
	require.Equal(t, 1, st.Allocated)

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, errs.ErrPoolExhausted)

	require.NoError(t, p.Release(held))
	require.Equal(t, 1, obs.retiredFor(RetireOverCapacity))
	require.Equal(t, 0, p.Stats().Allocated)

	require.NoError(t, p.Resize(Unbounded))
	w, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(w))
	require.Equal(t, Unbounded, p.Stats().MaxCapacity)
}

func TestResizeRejectsInvalidInput(t *testing.T) {
	p := newWidgetPool(t, new(widgetShop), Config{Name: "bad"})
	require.ErrorIs(t, p.Resize(-2), errs.ErrInvalidConfig)

	require.NoError(t, p.Destroy())
	require.ErrorIs(t, p.Resize(2), errs.ErrPoolDestroyed)
}
