// Package env composes engine process environments.
package env

import (
	"os"
	"sort"
	"strings"
)

// MarkerKey tags every spawned engine with its instance id so orphaned
// processes can be recognised after the owning app is gone.
const MarkerKey = "DBHELM_INSTANCE_ID"

type Var map[string]string

// Env holds global overrides applied over the OS environment.
type Env struct {
	Var  Var
	base Var
}

func New() *Env { return &Env{Var: make(Var)} }

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() { e.base = Parse(os.Environ()) }

// Isolate drops the OS environment from the base.
func (e *Env) Isolate() { e.base = Var{} }

func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Merge layers OS env, global vars, then perProc "K=V" entries, expands
// ${VAR} references against the result and returns a sorted slice.
func (e *Env) Merge(perProc []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(perProc))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range Parse(perProc) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// ForInstance merges perProc and stamps the instance marker last so it
// cannot be overridden.
func (e *Env) ForInstance(id string, perProc []string) []string {
	return e.Merge(append(append([]string{}, perProc...), MarkerKey+"="+id))
}

// Parse converts "K=V" entries to a map, skipping malformed ones.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// MarkerFrom extracts the instance id marker from an environment listing.
func MarkerFrom(kvs []string) (string, bool) {
	prefix := MarkerKey + "="
	for _, kv := range kvs {
		if v, ok := strings.CutPrefix(kv, prefix); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
