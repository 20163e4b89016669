package helper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/loykin/dbhelm/internal/ipc"
)

const DefaultCleanupInterval = time.Minute

var ErrDaemonRunning = errors.New("another helper daemon holds the lock")

type DaemonOptions struct {
	Addr     string
	LockPath string
	Handler  ipc.Handler
	// CleanupInterval <= 0 disables the periodic sweep.
	CleanupInterval time.Duration
	Timeout         time.Duration
	// CleanupTimeout bounds a cleanup request; Timeout is used when zero.
	CleanupTimeout time.Duration
	Logger         *slog.Logger
}

// Daemon is the helper process: one instance per lock file, serving the
// IPC socket and sweeping orphans on a timer.
type Daemon struct {
	opts   DaemonOptions
	logger *slog.Logger
}

func NewDaemon(opts DaemonOptions) *Daemon {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Addr == "" {
		opts.Addr = ipc.DefaultAddress()
	}
	if opts.LockPath == "" {
		opts.LockPath = filepath.Join(os.TempDir(), "dbhelm-helper.lock")
	}
	return &Daemon{opts: opts, logger: opts.Logger.With("component", "helper-daemon")}
}

// Run serves until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.opts.LockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	fileLock := flock.New(d.opts.LockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return ErrDaemonRunning
	}
	defer func() { _ = fileLock.Unlock() }()

	srv := ipc.NewServer(d.opts.Handler, ipc.ServerOptions{
		Timeout:    d.opts.Timeout,
		OpTimeouts: map[ipc.Op]time.Duration{ipc.OpCleanup: d.opts.CleanupTimeout},
		Logger:     d.opts.Logger,
	})
	if err := srv.Listen(d.opts.Addr); err != nil {
		return err
	}
	d.logger.Info("helper daemon started", "addr", d.opts.Addr, "pid", os.Getpid())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if d.opts.CleanupInterval > 0 {
		go d.sweep(ctx)
	}
	err = srv.Serve()
	d.logger.Info("helper daemon stopped")
	return err
}

func (d *Daemon) sweep(ctx context.Context) {
	ticker := time.NewTicker(d.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := d.opts.Handler.Cleanup(ctx)
			if err != nil {
				d.logger.Warn("periodic cleanup failed", "error", err)
				continue
			}
			if rep.Killed > 0 || len(rep.Corrected) > 0 {
				d.logger.Info("periodic cleanup", "killed", rep.Killed, "corrected", len(rep.Corrected))
			}
		}
	}
}
