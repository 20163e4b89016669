package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loykin/dbhelm/internal/cleanup"
	"github.com/loykin/dbhelm/internal/metrics"
	"github.com/loykin/dbhelm/internal/port"
)

const reachTimeout = 500 * time.Millisecond

// Client talks to the helper daemon. It holds no connection between calls.
type Client struct {
	addr     string
	timeout  time.Duration
	timeouts map[Op]time.Duration
}

func NewClient(addr string, timeout time.Duration) *Client {
	if addr == "" {
		addr = DefaultAddress()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{addr: addr, timeout: timeout}
}

func (c *Client) Address() string { return c.addr }

// SetTimeout gives op its own budget. Cleanup needs one longer than the
// kill grace period.
func (c *Client) SetTimeout(op Op, d time.Duration) *Client {
	if d <= 0 {
		return c
	}
	if c.timeouts == nil {
		c.timeouts = make(map[Op]time.Duration)
	}
	c.timeouts[op] = d
	return c
}

func (c *Client) timeoutFor(op Op) time.Duration {
	if d, ok := c.timeouts[op]; ok {
		return d
	}
	return c.timeout
}

// Do performs one exchange. Transport problems and timeouts come back as
// *ConnectivityError, daemon-side failures as *RemoteError.
func (c *Client) Do(ctx context.Context, op Op, args, out any) (err error) {
	defer func() {
		outcome := "ok"
		switch {
		case err == nil:
		case IsConnectivity(err):
			outcome = "unreachable"
		default:
			outcome = "error"
		}
		metrics.IncIPCRequest(string(op), outcome)
	}()
	return c.do(ctx, c.timeoutFor(op), op, args, out)
}

func (c *Client) do(ctx context.Context, timeout time.Duration, op Op, args, out any) error {
	req := Request{Type: op}
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode %s args: %w", op, err)
		}
		req.Data = b
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dial(ctx, c.addr)
	if err != nil {
		return &ConnectivityError{Op: op, Err: err}
	}
	defer func() { _ = conn.Close() }()
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return &ConnectivityError{Op: op, Err: err}
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return &ConnectivityError{Op: op, Err: err}
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return &ConnectivityError{Op: op, Err: err}
	}
	if !resp.Success {
		return &RemoteError{Op: op, Message: resp.Error}
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode %s result: %w", op, err)
		}
	}
	return nil
}

// Ping returns the round-trip time.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var res PingResult
	if err := c.Do(ctx, OpPing, nil, &res); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Reachable pings with a short timeout.
func (c *Client) Reachable(ctx context.Context) bool {
	timeout := reachTimeout
	if c.timeout < timeout {
		timeout = c.timeout
	}
	var res PingResult
	return c.do(ctx, timeout, OpPing, nil, &res) == nil && res.Pong
}

func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	var st DaemonStatus
	err := c.Do(ctx, OpStatus, nil, &st)
	return st, err
}

func (c *Client) Cleanup(ctx context.Context) (cleanup.Report, error) {
	var rep cleanup.Report
	err := c.Do(ctx, OpCleanup, nil, &rep)
	return rep, err
}

func (c *Client) CheckPort(ctx context.Context, p int, excludingID string) (port.Conflict, error) {
	var conflict port.Conflict
	err := c.Do(ctx, OpCheckPort, CheckPortArgs{Port: p, ExcludingID: excludingID}, &conflict)
	return conflict, err
}

func (c *Client) FindPort(ctx context.Context, start, maxAttempts int) (int, error) {
	var res FindPortResult
	err := c.Do(ctx, OpFindPort, FindPortArgs{StartPort: start, MaxAttempts: maxAttempts}, &res)
	return res.Port, err
}
