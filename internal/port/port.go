// Package port answers whether a TCP port can be used by an engine and,
// when it cannot, who holds it.
package port

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/dbhelm/internal/execx"
)

const (
	// PrivilegedThreshold is the first port an unprivileged process may bind.
	PrivilegedThreshold = 1024
	MaxPort             = 65535
	loopback            = "127.0.0.1"
	loopback6           = "::1"
	dialTimeout         = 300 * time.Millisecond
	parentDepth         = 3
)

var ErrNoFreePort = errors.New("no free port found")

// DefaultIgnoredOwners are process names that commonly hold unrelated
// listeners: editors, terminals and shells.
var DefaultIgnoredOwners = []string{
	"code", "code helper", "cursor", "electron", "idea", "goland", "webstorm", "pycharm",
	"vim", "nvim", "emacs", "sublime_text",
	"bash", "zsh", "sh", "fish", "dash", "tmux", "screen",
}

// Owner is the process listening on a port.
type Owner struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
}

// Conflict is the outcome of CheckConflict. When the listener belongs to
// the excluded instance Self is set and InUse is false.
type Conflict struct {
	Port         int    `json:"port"`
	InUse        bool   `json:"inUse"`
	Self         bool   `json:"self,omitempty"`
	External     bool   `json:"external,omitempty"`
	Owner        *Owner `json:"owner,omitempty"`
	InstanceID   string `json:"instanceId,omitempty"`
	InstanceName string `json:"instanceName,omitempty"`
}

// Error wraps c as a *ConflictError when the port is in use.
func (c Conflict) Error() error {
	if !c.InUse {
		return nil
	}
	return &ConflictError{Conflict: c}
}

// ConflictError carries enough attribution for callers to decide whether to
// reassign the port or ask the user.
type ConflictError struct {
	Conflict Conflict
}

func (e *ConflictError) Error() string {
	c := e.Conflict
	switch {
	case c.InstanceName != "":
		return fmt.Sprintf("port %d is used by instance %q", c.Port, c.InstanceName)
	case c.Owner != nil:
		return fmt.Sprintf("port %d is used by %s (pid %d)", c.Port, c.Owner.Name, c.Owner.PID)
	default:
		return fmt.Sprintf("port %d is used by another process", c.Port)
	}
}

// InstanceSource attributes a pid to a tracked or persisted instance.
type InstanceSource interface {
	InstanceForPID(ctx context.Context, pid int) (id, name string, ok bool)
}

// BanStore is the persisted ban list.
type BanStore interface {
	Contains(port int) bool
	Add(port int) error
	Remove(port int) error
	List() ([]int, error)
}

type Options struct {
	Bans         BanStore
	Exec         execx.Executor
	Source       InstanceSource
	IgnoreOwners []string
	Logger       *slog.Logger
}

// Resolver implements port availability, attribution and search.
type Resolver struct {
	bans   BanStore
	exec   execx.Executor
	source InstanceSource
	ignore map[string]bool
	logger *slog.Logger

	// overridable in tests
	listeners func(ctx context.Context, port int) ([]Owner, error)
	parentOf  func(pid int) int
}

func New(opts Options) *Resolver {
	if opts.Exec == nil {
		opts.Exec = execx.OS{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	names := opts.IgnoreOwners
	if names == nil {
		names = DefaultIgnoredOwners
	}
	ignore := make(map[string]bool, len(names)+1)
	for _, n := range names {
		ignore[strings.ToLower(n)] = true
	}
	if exe, err := os.Executable(); err == nil {
		ignore[strings.ToLower(filepath.Base(exe))] = true
	}
	r := &Resolver{
		bans:   opts.Bans,
		exec:   opts.Exec,
		source: opts.Source,
		ignore: ignore,
		logger: opts.Logger,
	}
	r.listeners = r.lsofListeners
	r.parentOf = parentPID
	return r
}

// SetSource attaches the instance source after construction; the registry
// side of it usually needs the resolver first.
func (r *Resolver) SetSource(s InstanceSource) { r.source = s }

// Banned reports whether port is on the ban list.
func (r *Resolver) Banned(port int) bool {
	return r.bans != nil && r.bans.Contains(port)
}

// IsPortFree reports whether an engine may be assigned port right now.
func (r *Resolver) IsPortFree(port int) bool {
	if port < PrivilegedThreshold || port > MaxPort {
		return false
	}
	if r.Banned(port) {
		return false
	}
	return bindable(port)
}

// hasIPv6Loopback reports whether ::1 can be bound on this host.
var hasIPv6Loopback = sync.OnceValue(func() bool {
	ln, err := net.Listen("tcp6", net.JoinHostPort(loopback6, "0"))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
})

// probeHosts are the hosts a listener may hold port on. The wildcard bind
// catches listeners that a loopback bind slips past under SO_REUSEADDR.
func probeHosts() []string {
	hosts := []string{loopback, ""}
	if hasIPv6Loopback() {
		hosts = append(hosts, loopback6)
	}
	return hosts
}

func bindable(port int) bool {
	for _, host := range probeHosts() {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return false
		}
		_ = ln.Close()
	}
	return true
}

func dialable(port int) bool {
	for _, host := range []string{loopback, loopback6} {
		if host == loopback6 && !hasIPv6Loopback() {
			continue
		}
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), dialTimeout)
		if err == nil {
			_ = conn.Close()
			return true
		}
	}
	return false
}

// inUse reports whether something listens on port, ignoring the ban list.
func inUse(port int) bool {
	if dialable(port) {
		return true
	}
	return port >= PrivilegedThreshold && !bindable(port)
}

// WhoOwnsPort returns the listening process, or nil when none is found or
// every listener is a known false positive.
func (r *Resolver) WhoOwnsPort(ctx context.Context, port int) (*Owner, error) {
	owners, err := r.listeners(ctx, port)
	if err != nil {
		return nil, err
	}
	for _, o := range owners {
		if r.ignored(o.Name) {
			r.logger.Debug("ignoring listener", "port", port, "owner", o.Name, "pid", o.PID)
			continue
		}
		o := o
		return &o, nil
	}
	return nil, nil
}

func (r *Resolver) ignored(name string) bool {
	return r.ignore[strings.ToLower(strings.TrimSpace(name))]
}

// CheckConflict attributes whatever listens on port. A listener belonging
// to excludingID is the instance's own and is not a conflict.
func (r *Resolver) CheckConflict(ctx context.Context, port int, excludingID string) (Conflict, error) {
	c := Conflict{Port: port}
	if !inUse(port) {
		return c, nil
	}
	owner, err := r.WhoOwnsPort(ctx, port)
	if err != nil {
		r.logger.Debug("port attribution failed", "port", port, "error", err)
	}
	c.Owner = owner
	if owner == nil {
		c.InUse = true
		c.External = true
		return c, nil
	}
	if id, name, ok := r.attribute(ctx, owner.PID); ok {
		if excludingID != "" && id == excludingID {
			c.Self = true
			c.InstanceID, c.InstanceName = id, name
			return c, nil
		}
		c.InUse = true
		c.InstanceID, c.InstanceName = id, name
		return c, nil
	}
	c.InUse = true
	c.External = true
	return c, nil
}

// attribute matches pid, or one of its near ancestors, to an instance.
// Engines like postgres may hand the listener to a forked child.
func (r *Resolver) attribute(ctx context.Context, pid int) (string, string, bool) {
	if r.source == nil {
		return "", "", false
	}
	for i := 0; i < parentDepth && pid > 1; i++ {
		if id, name, ok := r.source.InstanceForPID(ctx, pid); ok {
			return id, name, true
		}
		pid = r.parentOf(pid)
	}
	return "", "", false
}

// FindFreePort probes upward from start, skipping claimed ports, and stops
// below MaxPort or after maxAttempts candidates (unbounded when <= 0).
func (r *Resolver) FindFreePort(start, maxAttempts int, claimed map[int]bool) (int, error) {
	if start < PrivilegedThreshold {
		start = PrivilegedThreshold
	}
	attempts := 0
	for p := start; p < MaxPort; p++ {
		if claimed[p] {
			continue
		}
		if maxAttempts > 0 && attempts >= maxAttempts {
			break
		}
		attempts++
		if r.IsPortFree(p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w from %d after %d attempts", ErrNoFreePort, start, attempts)
}

// Ban adds port to the ban list.
func (r *Resolver) Ban(port int) error {
	if r.bans == nil {
		return errors.New("ban list not configured")
	}
	return r.bans.Add(port)
}

func (r *Resolver) Unban(port int) error {
	if r.bans == nil {
		return errors.New("ban list not configured")
	}
	return r.bans.Remove(port)
}

func (r *Resolver) BannedPorts() ([]int, error) {
	if r.bans == nil {
		return []int{}, nil
	}
	return r.bans.List()
}

// lsofListeners asks lsof for TCP listeners on port, falling back to the
// OS connection table when lsof is unavailable.
func (r *Resolver) lsofListeners(ctx context.Context, port int) ([]Owner, error) {
	if _, err := r.exec.LookPath("lsof"); err != nil {
		return connListeners(ctx, port)
	}
	res, err := r.exec.Run(ctx, execx.Cmd{
		Name: "lsof",
		Args: []string{"-nP", "-iTCP:" + strconv.Itoa(port), "-sTCP:LISTEN", "-Fpc"},
	})
	if err != nil {
		var ee *execx.ExitError
		// lsof exits 1 when nothing matches
		if errors.As(err, &ee) && ee.ExitCode == 1 {
			return nil, nil
		}
		return nil, err
	}
	return ParseLsof(string(res.Stdout)), nil
}

// ParseLsof reads lsof -F pc output: "p<pid>" lines each followed by a
// "c<command>" line.
func ParseLsof(out string) []Owner {
	var owners []Owner
	seen := map[int]bool{}
	var cur *Owner
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if len(line) < 2 {
			continue
		}
		switch line[0] {
		case 'p':
			pid, err := strconv.Atoi(line[1:])
			if err != nil {
				cur = nil
				continue
			}
			if seen[pid] {
				cur = nil
				continue
			}
			seen[pid] = true
			owners = append(owners, Owner{PID: pid})
			cur = &owners[len(owners)-1]
		case 'c':
			if cur != nil {
				cur.Name = line[1:]
			}
		}
	}
	return owners
}

func connListeners(ctx context.Context, port int) ([]Owner, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	var owners []Owner
	seen := map[int32]bool{}
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid <= 0 || seen[c.Pid] {
			continue
		}
		seen[c.Pid] = true
		o := Owner{PID: int(c.Pid)}
		if p, err := gopsproc.NewProcessWithContext(ctx, c.Pid); err == nil {
			o.Name, _ = p.NameWithContext(ctx)
		}
		owners = append(owners, o)
	}
	return owners, nil
}

func parentPID(pid int) int {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ppid, err := p.Ppid()
	if err != nil {
		return 0
	}
	return int(ppid)
}
