package trie

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTrie(t *testing.T) *Trie[int] {
	t.Helper()
	tr, err := New[int]("/", "+", "#")
	require.NoError(t, err)
	return tr
}

func TestNewRejectsDegenerateTokens(t *testing.T) {
	_, err := New[int]("", "+", "#")
	assert.Error(t, err)
	_, err = New[int]("/", "/", "#")
	assert.Error(t, err)
	_, err = New[int]("/", "+", "+")
	assert.Error(t, err)
}

func TestInsertFindExact(t *testing.T) {
	tr := newTestTrie(t)
	tr.Insert("a/b/c", 1)
	matches := tr.Find("a/b/c")
	assert.Equal(t, map[string]int{"a/b/c": 1}, matches)
	assert.Empty(t, tr.Find("a/b/d"))
}

func TestSingleLevelWildcard(t *testing.T) {
	tr := newTestTrie(t)
	tr.Insert("a/+/c", 1)
	assert.Equal(t, map[string]int{"a/+/c": 1}, tr.Find("a/x/c"))
	assert.Empty(t, tr.Find("a/x/y/c"))
}

func TestMultiLevelWildcardLeafOnly(t *testing.T) {
	tr := newTestTrie(t)
	tr.Insert("aaa/bbb/#", 7)
	assert.Equal(t, map[string]int{"aaa/bbb/#": 7}, tr.Find("aaa/bbb/123"))
	assert.Equal(t, map[string]int{"aaa/bbb/#": 7}, tr.Find("aaa/bbb/1/2"))
	assert.Empty(t, tr.Find("aaa/ccc/1"))
}

func TestFindReturnsAllMatchingPatterns(t *testing.T) {
	tr := newTestTrie(t)
	tr.Insert("a/b/c", 1)
	tr.Insert("a/+/c", 2)
	tr.Insert("a/#", 3)
	matches := tr.Find("a/b/c")
	assert.Equal(t, map[string]int{"a/b/c": 1, "a/+/c": 2, "a/#": 3}, matches)
}

func TestRemovePrunesEmptyChain(t *testing.T) {
	tr := newTestTrie(t)
	tr.Insert("a/b/c", 1)
	assert.True(t, tr.Remove("a/b/c"))
	assert.False(t, tr.Remove("a/b/c"))
	assert.Empty(t, tr.Find("a/b/c"))
	assert.Equal(t, 0, tr.Len())
}

func TestRemoveKeepsSharedPrefix(t *testing.T) {
	tr := newTestTrie(t)
	tr.Insert("a/b/c", 1)
	tr.Insert("a/b/d", 2)
	tr.Remove("a/b/c")
	assert.Equal(t, map[string]int{"a/b/d": 2}, tr.Find("a/b/d"))
	assert.Equal(t, 1, tr.Len())
}

func TestGetExactLookup(t *testing.T) {
	tr := newTestTrie(t)
	tr.Insert("a/b", 42)
	v, ok := tr.Get("a/b")
	assert.True(t, ok)
	assert.Equal(t, 42, v)
	_, ok = tr.Get("a/c")
	assert.False(t, ok)
}

func TestForEachVisitsEveryLeafOnce(t *testing.T) {
	tr := newTestTrie(t)
	tr.Insert("a", 1)
	tr.Insert("a/b", 2)
	tr.Insert("a/b/c", 3)
	seen := map[string]int{}
	tr.ForEach(func(key string, value int) { seen[key] = value })
	assert.Equal(t, map[string]int{"a": 1, "a/b": 2, "a/b/c": 3}, seen)
	assert.Equal(t, 3, tr.Len())
}
