package knowledge

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedIndex_BuiltOnceUnderConcurrentCalls(t *testing.T) {
	t.Setenv("VECTOR_BACKEND", "memory")
	t.Setenv("EMBEDDING_VECTOR_DIM", "8")

	const callers = 16
	indexes := make([]VectorIndex, callers)
	errs := make([]error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			indexes[i], errs[i] = SharedIndex(nil)
		}()
	}
	close(start)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Same(t, indexes[0], indexes[i])
	}
	memory, ok := indexes[0].(*MemoryIndex)
	require.True(t, ok)
	assert.Equal(t, 8, memory.dimension)

	again, err := SharedIndex(nil)
	require.NoError(t, err)
	assert.Same(t, indexes[0], again)
}

func TestNewIndexFromEnv_UnknownBackend(t *testing.T) {
	t.Setenv("VECTOR_BACKEND", "faiss")
	_, err := newIndexFromEnv(nil)
	assert.Error(t, err)
}
