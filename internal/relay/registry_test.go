package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryTryAddRejectsDuplicates(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	alice := &Session{}

	req.True(registry.TryAdd("alice", alice))
	req.False(registry.TryAdd("alice", &Session{}))
	req.True(registry.TryAdd("Alice", &Session{}), "identities are case-sensitive")

	got, ok := registry.Get("alice")
	req.True(ok)
	req.Same(alice, got)
	req.Equal(2, registry.Len())
}

func TestRegistryRemove(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	registry.TryAdd("bob", &Session{})

	req.True(registry.Remove("bob"))
	req.False(registry.Remove("bob"))

	_, ok := registry.Get("bob")
	req.False(ok)
	req.Empty(registry.Snapshot())
	req.True(registry.TryAdd("bob", &Session{}), "name is free again after removal")
}

func TestRegistrySnapshotIsSorted(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"carol", "alice", "bob"} {
		registry.TryAdd(name, &Session{})
	}

	require.Equal(t, []string{"alice", "bob", "carol"}, registry.Snapshot())
	require.Len(t, registry.Sessions(), 3)
}

func TestRegistryConcurrentDistinctAdds(t *testing.T) {
	registry := NewRegistry()
	const n = 64

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.True(t, registry.TryAdd(fmt.Sprintf("user-%02d", i), &Session{}))
		}(i)
	}
	wg.Wait()

	require.Equal(t, n, registry.Len())
	require.Equal(t, "user-00", registry.Snapshot()[0])
}

func TestRegistryConcurrentSameNameAdmitsOne(t *testing.T) {
	registry := NewRegistry()
	const n = 64

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if registry.TryAdd("alice", &Session{}) {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), winners.Load())
	require.Equal(t, []string{"alice"}, registry.Snapshot())
}
