// Package engine turns an instance record into an engine process command.
//
// Each engine type implements Engine once and is dispatched through a Table,
// so adding an engine never touches the supervisor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/loykin/dbhelm/internal/execx"
	"github.com/loykin/dbhelm/internal/instance"
)

// MarkerFile marks a data directory as initialised.
const MarkerFile = ".dbhelm-initialized"

var (
	ErrUnknownEngine  = errors.New("unknown engine type")
	ErrBinaryNotFound = errors.New("engine binary not found")
)

// Config is the resolved input for one engine process.
type Config struct {
	ID       string
	Version  string
	Port     int
	DataDir  string
	BinDir   string
	Username string
	Password string
}

// Bin returns the path of binary name inside BinDir, or the bare name.
func (c Config) Bin(name string) string {
	if c.BinDir == "" {
		return name
	}
	return filepath.Join(c.BinDir, name)
}

// Engine knows how to initialise and launch one engine type.
type Engine interface {
	Type() instance.EngineType
	// Binary is the server executable looked up by resolvers.
	Binary() string
	// Prepare initialises an empty data directory.
	Prepare(ctx context.Context, cfg Config, ex execx.Executor) error
	Command(cfg Config) []string
	Env(cfg Config) []string
	// Listens reports whether the engine serves TCP on cfg.Port.
	Listens() bool
}

// Table dispatches engine types to implementations.
type Table map[instance.EngineType]Engine

// DefaultTable holds the built-in engines.
func DefaultTable() Table {
	return NewTable(Postgres{}, MySQL{}, Mongo{}, Redis{})
}

func NewTable(engines ...Engine) Table {
	t := make(Table, len(engines))
	for _, e := range engines {
		t[e.Type()] = e
	}
	return t
}

func (t Table) Lookup(et instance.EngineType) (Engine, error) {
	e, ok := t[et]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, et)
	}
	return e, nil
}

func (t Table) Types() []instance.EngineType {
	out := make([]instance.EngineType, 0, len(t))
	for k := range t {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Initialized reports whether dataDir carries the first-run marker.
func Initialized(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, MarkerFile))
	return err == nil
}

// EnsurePrepared runs e.Prepare once per data directory. It returns true
// when preparation ran.
func EnsurePrepared(ctx context.Context, e Engine, cfg Config, ex execx.Executor) (bool, error) {
	if Initialized(cfg.DataDir) {
		return false, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return false, fmt.Errorf("create data dir: %w", err)
	}
	if err := e.Prepare(ctx, cfg, ex); err != nil {
		return false, fmt.Errorf("prepare %s: %w", e.Type(), err)
	}
	marker := filepath.Join(cfg.DataDir, MarkerFile)
	if err := os.WriteFile(marker, []byte(cfg.Version+"\n"), 0o600); err != nil {
		return true, fmt.Errorf("write init marker: %w", err)
	}
	return true, nil
}
