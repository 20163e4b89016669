package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/dbhelm/internal/instance"
	mng "github.com/loykin/dbhelm/internal/manager"
	"github.com/loykin/dbhelm/internal/metrics"
)

// Router provides embeddable HTTP handlers for the manager.
// Endpoints (relative to basePath):
//
//	GET    /instances                 list
//	POST   /instances                 add, body: instance.NewSpec
//	GET    /instances/:id             one instance, by id or name
//	PATCH  /instances/:id             edit a stopped instance, body: manager.Patch
//	DELETE /instances/:id             stop and remove
//	POST   /instances/:id/start
//	POST   /instances/:id/stop
//	GET    /instances/:id/status      query: verify=1 adds a TCP probe
//	GET    /ports/check               query: port, exclude
//	GET    /ports/find                query: start, max
//	GET    /ports/banned
//	POST   /ports/ban                 query: port
//	POST   /ports/unban               query: port
//	POST   /cleanup
//	POST   /reconcile
//	POST   /autostart
//	GET    /helper                    health
//	POST   /helper/:action            install, start, stop, restart, uninstall
//	GET    /events                    server-sent events
//
// /metrics is served at the root when enabled.
type Router struct {
	mgr      *mng.Manager
	basePath string
	metrics  bool
}

func NewRouter(mgr *mng.Manager, basePath string, withMetrics bool) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath), metrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/instances", r.handleList)
	group.POST("/instances", r.handleAdd)
	group.GET("/instances/:id", r.handleGet)
	group.PATCH("/instances/:id", r.handleUpdate)
	group.DELETE("/instances/:id", r.handleDelete)
	group.POST("/instances/:id/start", r.handleStart)
	group.POST("/instances/:id/stop", r.handleStop)
	group.GET("/instances/:id/status", r.handleStatus)
	group.GET("/ports/check", r.handleCheckPort)
	group.GET("/ports/find", r.handleFindPort)
	group.GET("/ports/banned", r.handleBanned)
	group.POST("/ports/ban", r.handleBan)
	group.POST("/ports/unban", r.handleUnban)
	group.POST("/cleanup", r.handleCleanup)
	group.POST("/reconcile", r.handleReconcile)
	group.POST("/autostart", r.handleAutoStart)
	group.GET("/helper", r.handleHelperHealth)
	group.POST("/helper/:action", r.handleHelperAction)
	group.GET("/events", r.handleEvents)
	return g
}

// NewServer binds addr and serves the router in the background. Close or
// Shutdown the returned server to stop it.
func NewServer(addr, basePath string, withMetrics bool, mgr *mng.Manager) (*http.Server, error) {
	r := NewRouter(mgr, basePath, withMetrics)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

func (r *Router) handleList(c *gin.Context) {
	views, err := r.mgr.List(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	writeOK(c, views)
}

func (r *Router) handleAdd(c *gin.Context) {
	var spec instance.NewSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if !instance.IsSafeName(spec.Name) {
		badRequest(c, "invalid name: allowed [A-Za-z0-9._-] and no '..'")
		return
	}
	if !isSafeAbsPath(spec.DataPath) {
		badRequest(c, "dataPath must be a clean absolute path")
		return
	}
	rec, err := r.mgr.Add(c.Request.Context(), spec)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, envelope{Success: true, Data: rec})
}

func (r *Router) handleGet(c *gin.Context) {
	v, err := r.mgr.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	writeOK(c, v)
}

func (r *Router) handleUpdate(c *gin.Context) {
	var p mng.Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if p.Name != nil && !instance.IsSafeName(*p.Name) {
		badRequest(c, "invalid name: allowed [A-Za-z0-9._-] and no '..'")
		return
	}
	rec, err := r.mgr.Update(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeOK(c, rec)
}

func (r *Router) handleDelete(c *gin.Context) {
	if err := r.mgr.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	writeOK(c, nil)
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.mgr.Start(c.Request.Context(), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	writeOK(c, nil)
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.mgr.Stop(c.Request.Context(), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	writeOK(c, nil)
}

type statusResp struct {
	ID     string          `json:"id"`
	Status instance.Status `json:"status"`
}

func (r *Router) handleStatus(c *gin.Context) {
	id := c.Param("id")
	st, err := r.mgr.Status(c.Request.Context(), id, truthy(c.Query("verify")))
	if err != nil {
		writeErr(c, err)
		return
	}
	writeOK(c, statusResp{ID: id, Status: st})
}

func (r *Router) handleCheckPort(c *gin.Context) {
	p, ok := intQuery(c, "port", 0)
	if !ok || p == 0 {
		badRequest(c, "port query param required")
		return
	}
	conflict, err := r.mgr.CheckPort(c.Request.Context(), p, c.Query("exclude"))
	if err != nil {
		writeErr(c, err)
		return
	}
	writeOK(c, conflict)
}

type findResp struct {
	Port int `json:"port"`
}

func (r *Router) handleFindPort(c *gin.Context) {
	start, ok := intQuery(c, "start", 0)
	if !ok || start == 0 {
		badRequest(c, "start query param required")
		return
	}
	attempts, ok := intQuery(c, "max", 0)
	if !ok {
		badRequest(c, "invalid max")
		return
	}
	p, err := r.mgr.FindPort(c.Request.Context(), start, attempts)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeOK(c, findResp{Port: p})
}

func (r *Router) handleBanned(c *gin.Context) {
	ports, err := r.mgr.Banned()
	if err != nil {
		writeErr(c, err)
		return
	}
	if ports == nil {
		ports = []int{}
	}
	writeOK(c, ports)
}

func (r *Router) handleBan(c *gin.Context) {
	p, ok := intQuery(c, "port", 0)
	if !ok || p == 0 {
		badRequest(c, "port query param required")
		return
	}
	if err := r.mgr.Ban(p); err != nil {
		writeErr(c, err)
		return
	}
	writeOK(c, nil)
}

func (r *Router) handleUnban(c *gin.Context) {
	p, ok := intQuery(c, "port", 0)
	if !ok || p == 0 {
		badRequest(c, "port query param required")
		return
	}
	if err := r.mgr.Unban(p); err != nil {
		writeErr(c, err)
		return
	}
	writeOK(c, nil)
}

func (r *Router) handleCleanup(c *gin.Context) {
	rep, err := r.mgr.Cleanup(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	writeOK(c, rep)
}

func (r *Router) handleReconcile(c *gin.Context) {
	res, err := r.mgr.Reconcile(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	writeOK(c, res)
}

func (r *Router) handleAutoStart(c *gin.Context) {
	sum, err := r.mgr.AutoStart(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	writeOK(c, sum)
}

func (r *Router) handleHelperHealth(c *gin.Context) {
	writeOK(c, r.mgr.Helper().Health(c.Request.Context()))
}

func (r *Router) handleHelperAction(c *gin.Context) {
	h := r.mgr.Helper()
	ctx := c.Request.Context()
	var err error
	switch c.Param("action") {
	case "install":
		err = h.Install(ctx)
	case "start":
		err = h.Start(ctx)
	case "stop":
		err = h.Stop(ctx)
	case "restart":
		err = h.Restart(ctx)
	case "uninstall":
		err = h.Uninstall(ctx)
	default:
		badRequest(c, "unknown helper action "+c.Param("action"))
		return
	}
	if err != nil {
		writeErr(c, err)
		return
	}
	st, err := h.Status(ctx)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeOK(c, st)
}

// handleEvents streams bus events until the client goes away.
func (r *Router) handleEvents(c *gin.Context) {
	ch, cancel := r.mgr.Events()
	defer cancel()
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Kind), ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Shutdown stops srv, waiting up to timeout for in-flight requests.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return srv.Close()
	}
	return nil
}
