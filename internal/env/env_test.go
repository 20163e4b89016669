package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergePrecedence(t *testing.T) {
	e := &Env{base: Var{"HOME": "/home/u", "A": "os"}}
	e.Set("A", "global")
	e.Set("B", "${HOME}/b")

	out := Parse(e.Merge([]string{"A=proc", "=bad", "C"}))
	assert.Equal(t, "proc", out["A"])
	assert.Equal(t, "/home/u/b", out["B"])
	assert.NotContains(t, out, "C")
}

func TestForInstanceMarker(t *testing.T) {
	e := &Env{base: Var{}}
	kvs := e.ForInstance("abc", []string{MarkerKey + "=spoofed", "PGPORT=5432"})

	id, ok := MarkerFrom(kvs)
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
	assert.Contains(t, kvs, "PGPORT=5432")
}

func TestMarkerFromMissing(t *testing.T) {
	_, ok := MarkerFrom([]string{"PATH=/bin", MarkerKey + "="})
	assert.False(t, ok)
}

func TestExpandLeavesUnknown(t *testing.T) {
	e := &Env{base: Var{}}
	out := Parse(e.Merge([]string{"X=${NOPE}-1"}))
	assert.Equal(t, "${NOPE}-1", out["X"])
}

func TestIsolateDropsOSEnv(t *testing.T) {
	t.Setenv("DBHELM_ENV_PROBE", "1")
	e := New()
	e.Isolate()
	e.Set("ONLY", "me")
	out := Parse(e.Merge(nil))
	assert.NotContains(t, out, "DBHELM_ENV_PROBE")
	assert.Equal(t, "me", out["ONLY"])
}
