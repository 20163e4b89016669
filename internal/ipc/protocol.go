// Package ipc is the local request/response channel between the
// application and the helper daemon. Each connection carries exactly one
// JSON request followed by one JSON response.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Op string

const (
	OpStatus    Op = "status"
	OpPing      Op = "ping"
	OpCleanup   Op = "cleanup"
	OpCheckPort Op = "check-port"
	OpFindPort  Op = "find-port"
)

// DefaultTimeout bounds one request/response exchange.
const DefaultTimeout = 5 * time.Second

type Request struct {
	Type Op              `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type CheckPortArgs struct {
	Port        int    `json:"port"`
	ExcludingID string `json:"excludingId,omitempty"`
}

type FindPortArgs struct {
	StartPort   int `json:"startPort"`
	MaxAttempts int `json:"maxAttempts"`
}

type FindPortResult struct {
	Port int `json:"port"`
}

type PingResult struct {
	Pong bool      `json:"pong"`
	At   time.Time `json:"at"`
}

// DaemonStatus describes the running helper.
type DaemonStatus struct {
	PID           int        `json:"pid"`
	Version       string     `json:"version"`
	StartedAt     time.Time  `json:"startedAt"`
	UptimeSeconds int64      `json:"uptimeSeconds"`
	LastCleanup   *time.Time `json:"lastCleanup,omitempty"`
	OrphansKilled int        `json:"orphansKilled"`
}

// ConnectivityError means the daemon could not be reached or did not answer
// in time. Callers treat it as a signal to use the direct path.
type ConnectivityError struct {
	Op  Op
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("helper %s: unreachable: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// RemoteError is a failure reported by the daemon itself.
type RemoteError struct {
	Op      Op
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("helper %s: %s", e.Op, e.Message)
}

// IsConnectivity reports whether err is, or wraps, a *ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

func okResponse(v any) Response {
	if v == nil {
		return Response{Success: true}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errResponse(fmt.Errorf("encode result: %w", err))
	}
	return Response{Success: true, Data: b}
}

func errResponse(err error) Response {
	return Response{Success: false, Error: err.Error()}
}
