package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/dbhelm/internal/helper"
	"github.com/loykin/dbhelm/internal/instance"
	"github.com/loykin/dbhelm/internal/ipc"
	mng "github.com/loykin/dbhelm/internal/manager"
	"github.com/loykin/dbhelm/internal/port"
	"github.com/loykin/dbhelm/internal/store"
	"github.com/loykin/dbhelm/internal/supervisor"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeAbsPath accepts "" or an absolute path that is already clean.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	if trimmed == "" {
		trimmed = p
	}
	return clean == p || clean == trimmed
}

// envelope is the body of every JSON response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeOK(c *gin.Context, data any) {
	writeJSON(c, http.StatusOK, envelope{Success: true, Data: data})
}

func writeErr(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), envelope{Error: err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	writeJSON(c, http.StatusBadRequest, envelope{Error: msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var conflict *port.ConflictError
	var spawn *supervisor.SpawnError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, supervisor.ErrStartCancelled),
		errors.Is(err, mng.ErrNotStopped),
		errors.Is(err, helper.ErrInstallInProgress),
		errors.As(err, &conflict):
		return http.StatusConflict
	case errors.Is(err, instance.ErrInvalid),
		errors.Is(err, mng.ErrInvalidPort),
		errors.Is(err, mng.ErrPortBanned):
		return http.StatusBadRequest
	case errors.Is(err, ipc.ErrDaemonUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, helper.ErrUnsupportedPlatform):
		return http.StatusNotImplemented
	case errors.As(err, &spawn):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// intQuery reads a positive integer query parameter, def when absent.
func intQuery(c *gin.Context, key string, def int) (int, bool) {
	s := c.Query(key)
	if s == "" {
		return def, true
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return true
	}
	return false
}
