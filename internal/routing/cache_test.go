package routing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"message-router/internal/common/logging"
	"message-router/internal/transport"
	"message-router/internal/transport/transporttest"
)

func networkDialer(net *transporttest.Network) Dialer {
	return DialerFunc(func(ctx context.Context, d Descriptor) (transport.Factory, error) {
		return net.Dial(ctx, transport.Binding{Name: d.Binding}, d.Address)
	})
}

func TestCache_Get(t *testing.T) {
	net := transporttest.NewNetwork()
	cache := NewCache(networkDialer(net), logging.NewNopLogger(), nil)

	f1, err := cache.Get(context.Background(), d1)
	require.NoError(t, err)
	f2, err := cache.Get(context.Background(), d1)
	require.NoError(t, err)

	assert.Same(t, f1, f2)
	assert.Equal(t, 1, net.Dials(d1.Address))
	assert.Equal(t, 1, cache.Len())
}

func TestCache_ConcurrentFirstUseBuildsOnce(t *testing.T) {
	net := transporttest.NewNetwork()
	net.Gate = make(chan struct{})
	cache := NewCache(networkDialer(net), logging.NewNopLogger(), nil)

	const callers = 16
	results := make([]transport.Factory, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := cache.Get(context.Background(), d1)
			assert.NoError(t, err)
			results[i] = f
		}(i)
	}
	close(net.Gate)
	wg.Wait()

	assert.Equal(t, 1, net.Dials(d1.Address))
	for _, f := range results {
		assert.Same(t, results[0], f)
	}
}

func TestCache_FailuresAreNotCached(t *testing.T) {
	net := transporttest.NewNetwork()
	cache := NewCache(networkDialer(net), logging.NewNopLogger(), nil)
	refused := errors.New("connection refused")

	net.FailDial(d1.Address, refused)
	_, err := cache.Get(context.Background(), d1)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, 0, cache.Len())

	net.FailDial(d1.Address, nil)
	f, err := cache.Get(context.Background(), d1)
	require.NoError(t, err)
	assert.NotNil(t, f)
	assert.Equal(t, 2, net.Dials(d1.Address))
}

func TestCache_DescriptorsAreDistinct(t *testing.T) {
	net := transporttest.NewNetwork()
	cache := NewCache(networkDialer(net), logging.NewNopLogger(), nil)

	sameAddressOtherContract := Descriptor{Address: d1.Address, Contract: ContractSession, Binding: d1.Binding}
	_, err := cache.Get(context.Background(), d1)
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), sameAddressOtherContract)
	require.NoError(t, err)

	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, 2, net.Dials(d1.Address))
}

func TestCache_Close(t *testing.T) {
	net := transporttest.NewNetwork()
	cache := NewCache(networkDialer(net), logging.NewNopLogger(), nil)

	_, err := cache.Get(context.Background(), d1)
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), d2)
	require.NoError(t, err)

	require.NoError(t, cache.Close())
	assert.True(t, net.Factory(d1.Address).Closed())
	assert.True(t, net.Factory(d2.Address).Closed())
	assert.Equal(t, 0, cache.Len())

	_, err = cache.Get(context.Background(), d1)
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.NoError(t, cache.Close())
}

// However many concurrent callers ask for a descriptor, at most one
// successful construction happens per descriptor.
func TestCache_AtMostOnceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		net := transporttest.NewNetwork()
		cache := NewCache(networkDialer(net), logging.NewNopLogger(), nil)

		addresses := []string{"a", "b", "c"}
		calls := rapid.SliceOfN(rapid.SampledFrom(addresses), 1, 40).Draw(t, "calls")

		var wg sync.WaitGroup
		for _, addr := range calls {
			wg.Add(1)
			go func(addr string) {
				defer wg.Done()
				_, _ = cache.Get(context.Background(), Descriptor{Address: addr, Contract: ContractOneWay, Binding: "mem"})
			}(addr)
		}
		wg.Wait()

		for _, addr := range addresses {
			if n := net.Dials(addr); n > 1 {
				t.Fatalf("address %s dialled %d times", addr, n)
			}
		}
		if cache.Len() > len(addresses) {
			t.Fatalf("cache holds %d entries", cache.Len())
		}
	})
}
