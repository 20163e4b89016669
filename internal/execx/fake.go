package execx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Fake is a scripted Executor. Responses are keyed by the full command line;
// the first matching prefix wins when no exact key exists.
type Fake struct {
	mu        sync.Mutex
	responses map[string]FakeResponse
	Calls     []Cmd
	Missing   map[string]bool // names LookPath should not find
}

// FakeResponse is what the fake returns for one command line.
type FakeResponse struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

func NewFake() *Fake {
	return &Fake{responses: map[string]FakeResponse{}, Missing: map[string]bool{}}
}

// On registers a response for the command line key.
func (f *Fake) On(key string, r FakeResponse) *Fake {
	f.mu.Lock()
	f.responses[key] = r
	f.mu.Unlock()
	return f
}

func (f *Fake) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Missing[name] {
		return "", errors.New(name + ": executable file not found in $PATH")
	}
	return "/usr/bin/" + name, nil
}

func (f *Fake) Run(ctx context.Context, c Cmd) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.Calls = append(f.Calls, c)
	key := c.String()
	r, ok := f.responses[key]
	if !ok {
		best := ""
		for k := range f.responses {
			if strings.HasPrefix(key, k) && len(k) > len(best) {
				best = k
			}
		}
		r, ok = f.responses[best]
	}
	f.mu.Unlock()
	if !ok {
		return &Result{}, nil
	}
	if r.Err != nil {
		return nil, r.Err
	}
	res := &Result{Stdout: []byte(r.Stdout), Stderr: []byte(r.Stderr), ExitCode: r.ExitCode}
	if r.ExitCode != 0 {
		return res, &ExitError{Cmd: key, ExitCode: r.ExitCode, Output: res.Combined()}
	}
	return res, nil
}

// CallLines returns every recorded command line.
func (f *Fake) CallLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		out[i] = c.String()
	}
	return out
}

// Called reports whether a command line with prefix was run.
func (f *Fake) Called(prefix string) bool {
	for _, l := range f.CallLines() {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

func (f *Fake) String() string { return fmt.Sprintf("fake executor (%d calls)", len(f.CallLines())) }
