package storage

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// engineFactories lists every Engine implementation under test.
func engineFactories(t *testing.T) map[string]func() Engine {
	return map[string]func() Engine{
		"memory": func() Engine { return NewMemoryEngine() },
		"pebble": func() Engine {
			e, err := OpenPebble(PebbleConfig{InMemory: true, NoSync: true})
			require.NoError(t, err)
			return e
		},
	}
}

func scanKeys(t *testing.T, e Engine, prefix, after []byte) []string {
	t.Helper()
	var out []string
	require.NoError(t, e.Scan(prefix, after, func(k, _ []byte) bool {
		out = append(out, string(k))
		return true
	}))
	return out
}

func TestEngines(t *testing.T) {
	for name, factory := range engineFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("get set delete", func(t *testing.T) {
				e := factory()
				defer e.Close()

				_, err := e.Get([]byte("a"))
				assert.True(t, errors.Is(err, ErrEngineKeyNotFound))

				require.NoError(t, e.Set([]byte("a"), []byte("1")))
				v, err := e.Get([]byte("a"))
				require.NoError(t, err)
				assert.Equal(t, []byte("1"), v)

				require.NoError(t, e.Set([]byte("a"), []byte("22")))
				v, err = e.Get([]byte("a"))
				require.NoError(t, err)
				assert.Equal(t, []byte("22"), v)

				require.NoError(t, e.Delete([]byte("a")))
				require.NoError(t, e.Delete([]byte("a")))
				_, err = e.Get([]byte("a"))
				assert.True(t, errors.Is(err, ErrEngineKeyNotFound))
			})

			t.Run("scan is ordered and bounded by prefix", func(t *testing.T) {
				e := factory()
				defer e.Close()

				var want []string
				for i := 0; i < 300; i++ {
					k := fmt.Sprintf("p/%04d", i)
					want = append(want, k)
					require.NoError(t, e.Set([]byte(k), []byte("v")))
				}
				require.NoError(t, e.Set([]byte("o"), []byte("before")))
				require.NoError(t, e.Set([]byte("q"), []byte("after")))

				got := scanKeys(t, e, []byte("p/"), nil)
				if diff := cmp.Diff(want, got); diff != "" {
					t.Fatalf("scan mismatch (-want +got):\n%s", diff)
				}

				got = scanKeys(t, e, []byte("p/"), []byte("p/0149"))
				if diff := cmp.Diff(want[150:], got); diff != "" {
					t.Fatalf("scan after mismatch (-want +got):\n%s", diff)
				}

				// after sorting before the prefix starts at the prefix
				got = scanKeys(t, e, []byte("p/"), []byte("a"))
				assert.Len(t, got, 300)
			})

			t.Run("scan stops when callback returns false", func(t *testing.T) {
				e := factory()
				defer e.Close()
				for i := 0; i < 10; i++ {
					require.NoError(t, e.Set([]byte{'k', byte(i)}, nil))
				}
				n := 0
				require.NoError(t, e.Scan([]byte("k"), nil, func(_, _ []byte) bool {
					n++
					return n < 3
				}))
				assert.Equal(t, 3, n)
			})

			t.Run("delete prefix", func(t *testing.T) {
				e := factory()
				defer e.Close()
				for i := 0; i < 50; i++ {
					require.NoError(t, e.Set([]byte(fmt.Sprintf("x%02d", i)), []byte("v")))
					require.NoError(t, e.Set([]byte(fmt.Sprintf("y%02d", i)), []byte("v")))
				}
				require.NoError(t, e.DeletePrefix([]byte("x")))
				assert.Empty(t, scanKeys(t, e, []byte("x"), nil))
				assert.Len(t, scanKeys(t, e, []byte("y"), nil), 50)
				assert.Equal(t, 50, e.Stats().Keys)
			})

			t.Run("stats", func(t *testing.T) {
				e := factory()
				defer e.Close()
				require.NoError(t, e.Set([]byte("a"), []byte("123")))
				require.NoError(t, e.Set([]byte("b"), []byte("45")))
				require.NoError(t, e.Set([]byte("a"), []byte("1")))
				assert.Equal(t, EngineStats{Keys: 2, Bytes: 3}, e.Stats())
			})
		})
	}
}

func TestMemoryEngineClosed(t *testing.T) {
	e := NewMemoryEngine()
	require.NoError(t, e.Close())

	_, err := e.Get([]byte("a"))
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(e.Set([]byte("a"), nil), ErrClosed))
	assert.True(t, errors.Is(e.Scan(nil, nil, func(_, _ []byte) bool { return true }), ErrClosed))
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		name   string
		prefix []byte
		want   []byte
	}{
		{"simple", []byte("ab"), []byte("ac")},
		{"carry", []byte{'a', 0xff}, []byte{'b'}},
		{"all ff", []byte{0xff, 0xff}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, prefixEnd(tt.prefix))
		})
	}
}

func TestStoreOnPebble(t *testing.T) {
	e, err := OpenPebble(PebbleConfig{InMemory: true, NoSync: true})
	require.NoError(t, err)
	s, err := New(Config{Engine: e})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateNamespace("orders"))
	for i := 1; i <= 3; i++ {
		md, err := s.Put("orders", []byte("o-42"), []byte(fmt.Sprintf("v%d", i)), nil)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), md.Version)
	}
	require.NoError(t, s.DeleteNamespace("orders"))
	assert.Equal(t, 0, s.Stats().Keys)
}
