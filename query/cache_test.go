package query

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/holon-app/holon/value"
)

func TestCacheReturnsSameCompileResultOnHit(t *testing.T) {
	schemas := map[string]value.Schema{"todoist_tasks": tasksSchema()}
	src := `
from todoist_tasks
select {id, content}
`
	c := NewCache(8)
	first, err := c.Compile(src, schemas)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	second, err := c.Compile(src, schemas)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, c.Len())
}

func TestCacheMissCompilesDistinctTextsIndependently(t *testing.T) {
	schemas := map[string]value.Schema{"todoist_tasks": tasksSchema()}
	c := NewCache(8)

	a, err := c.Compile("from todoist_tasks\nselect {id}\n", schemas)
	require.NoError(t, err)
	b, err := c.Compile("from todoist_tasks\nselect {id, content}\n", schemas)
	require.NoError(t, err)

	require.NotSame(t, a, b)
	require.Equal(t, 2, c.Len())
}

func TestCacheDoesNotCacheCompileErrors(t *testing.T) {
	c := NewCache(8)
	schemas := map[string]value.Schema{"todoist_tasks": tasksSchema()}

	_, err := c.Compile("from unknown_relation\nselect {id}\n", schemas)
	require.Error(t, err)
	require.Equal(t, 0, c.Len())
}

func TestCacheConcurrentCompilesOfSameTextShareOneCompile(t *testing.T) {
	schemas := map[string]value.Schema{"todoist_tasks": tasksSchema()}
	src := "from todoist_tasks\nselect {id, content}\n"
	c := NewCache(8)

	var wg sync.WaitGroup
	results := make([]*CompileResult, 16)
	errs := make([]error, 16)
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Compile(src, schemas)
		}()
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.Same(t, results[0], results[i])
	}
}

func TestCachePurgeForcesRecompile(t *testing.T) {
	schemas := map[string]value.Schema{"todoist_tasks": tasksSchema()}
	src := "from todoist_tasks\nselect {id, content}\n"
	c := NewCache(8)

	first, err := c.Compile(src, schemas)
	require.NoError(t, err)
	c.Purge()
	require.Equal(t, 0, c.Len())

	second, err := c.Compile(src, schemas)
	require.NoError(t, err)
	require.NotSame(t, first, second)
}
