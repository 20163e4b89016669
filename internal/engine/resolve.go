package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/dbhelm/internal/execx"
	"github.com/loykin/dbhelm/internal/instance"
)

// BinaryResolver finds the directory holding an engine's executables.
type BinaryResolver interface {
	Resolve(ctx context.Context, et instance.EngineType, version string) (string, error)
}

// Installer is the package-manager collaborator.
type Installer interface {
	Available(ctx context.Context, et instance.EngineType, version string) bool
	Install(ctx context.Context, et instance.EngineType, version string) error
}

// PathResolver checks configured bin dirs first and then PATH. When both
// miss and an Installer is set it installs and retries once.
type PathResolver struct {
	Dirs      map[instance.EngineType]string
	Table     Table
	Exec      execx.Executor
	Installer Installer
}

func (r PathResolver) Resolve(ctx context.Context, et instance.EngineType, version string) (string, error) {
	e, err := r.Table.Lookup(et)
	if err != nil {
		return "", err
	}
	dir, err := r.find(e)
	if err == nil {
		return dir, nil
	}
	if r.Installer == nil {
		return "", err
	}
	if !r.Installer.Available(ctx, et, version) {
		if ierr := r.Installer.Install(ctx, et, version); ierr != nil {
			return "", fmt.Errorf("install %s %s: %w", et, version, ierr)
		}
	}
	return r.find(e)
}

func (r PathResolver) find(e Engine) (string, error) {
	if dir := r.Dirs[e.Type()]; dir != "" {
		p := filepath.Join(dir, e.Binary())
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return dir, nil
		}
		return "", fmt.Errorf("%w: %s in %s", ErrBinaryNotFound, e.Binary(), dir)
	}
	ex := r.Exec
	if ex == nil {
		ex = execx.OS{}
	}
	p, err := ex.LookPath(e.Binary())
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, e.Binary())
	}
	return filepath.Dir(p), nil
}

// StaticResolver always returns Dir. Useful when binaries are bundled.
type StaticResolver struct{ Dir string }

func (s StaticResolver) Resolve(context.Context, instance.EngineType, string) (string, error) {
	return s.Dir, nil
}
