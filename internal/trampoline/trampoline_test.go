package trampoline

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fn func(n int) int

func double(n int) int { return n * 2 }

func TestInstallRoutesThroughWrapper(t *testing.T) {
	s := NewSlot[fn]("double", double)

	orig, err := Install(s, func(original fn) fn {
		return func(n int) int { return original(n) + 1 }
	})
	require.NoError(t, err)

	assert.Equal(t, 4, orig(2), "original handle keeps pre-install behaviour")
	assert.Equal(t, 5, s.Load()(2))
	assert.Equal(t, 1, s.Installs())
}

func TestInstallLayersAndReachesTrueOriginal(t *testing.T) {
	s := NewSlot[fn]("double", double)

	first, err := Install(s, func(original fn) fn {
		return func(n int) int { return original(n) + 1 }
	})
	require.NoError(t, err)
	second, err := Install(s, func(original fn) fn {
		return func(n int) int { return original(n) * 10 }
	})
	require.NoError(t, err)

	assert.Equal(t, 6, first(3))
	assert.Equal(t, 7, second(3), "second install sees the first wrapper as its original")
	assert.Equal(t, 70, s.Load()(3))
	assert.Equal(t, 6, Original(s)(3))
}

func TestInstallReadOnly(t *testing.T) {
	s := NewSlot[fn]("frozen", double)
	s.Freeze()

	_, err := Install(s, func(original fn) fn { return original })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReadOnly))

	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "frozen", terr.Slot)
	assert.Equal(t, 4, s.Load()(2), "failed install must not change the target")
}

func TestInstallNilWrapper(t *testing.T) {
	s := NewSlot[fn]("double", double)

	_, err := Install(s, nil)
	assert.ErrorIs(t, err, ErrNilWrapper)

	_, err = Install(s, func(original fn) fn { return nil })
	assert.ErrorIs(t, err, ErrNilWrapper)
	assert.Equal(t, 0, s.Installs())
}

func TestStoreDropsLayers(t *testing.T) {
	s := NewSlot[fn]("double", double)
	_, err := Install(s, func(original fn) fn {
		return func(n int) int { return -1 }
	})
	require.NoError(t, err)

	s.Store(func(n int) int { return n })
	assert.Equal(t, 9, s.Load()(9))
	assert.Equal(t, 9, Original(s)(9))
}

func TestConcurrentInstallsKeepEveryLayer(t *testing.T) {
	s := NewSlot[fn]("count", func(n int) int { return n })

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Install(s, func(original fn) fn {
				return func(n int) int { return original(n) + 1 }
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, workers, s.Load()(0))
	assert.Equal(t, workers, s.Installs())
}
