// Package httpapi is the HTTP adapter over internal/runner (§6.1, §6.4): a
// thin gin router translating JSON requests into runner calls and runner
// results into status codes. Grounded on the example pack's use of gin
// (zyd16888-rcloneSyncTool/internal/server.New, the closest analog in the
// example pack to an HTTP control-plane adapter — the teacher itself talks
// gRPC, not HTTP) for the gin.New/gin.Recovery/route-table shape, adapted
// here to pure JSON responses instead of server-rendered HTML.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jsturma/jobctl/internal/runner"
	"github.com/jsturma/jobctl/pkg/logger"
)

const maxLogsLimit = 1 << 20

// Server adapts runner.Runner to an http.Handler.
type Server struct {
	runner *runner.Runner
	logger *logger.Logger
	engine *gin.Engine
}

// New builds the router and registers the routes of §6.4.
func New(r *runner.Runner, log *logger.Logger) *Server {
	if log == nil {
		log = logger.New()
	}
	s := &Server{runner: r, logger: log.WithField("component", "httpapi")}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.logRequests())

	engine.POST("/run", s.postRun)
	engine.GET("/jobs/:id", s.getJob)
	engine.GET("/jobs/:id/logs", s.getJobLogs)
	engine.POST("/jobs/:id/cancel", s.postCancel)
	engine.GET("/healthz", s.getHealthz)

	s.engine = engine
	return s
}

// ServeHTTP satisfies http.Handler so Server can be handed straight to
// http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.engine.ServeHTTP(w, req)
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.logger.Debug("request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status())
	}
}

type runRequest struct {
	ScriptID string   `json:"scriptId" binding:"required"`
	Args     []string `json:"args"`
	Mode     string   `json:"mode"`
}

func (s *Server) postRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "code": "INVALID_ARGS", "message": err.Error()})
		return
	}
	args := req.Args
	if args == nil {
		args = []string{}
	}

	result := s.runner.SubmitRun(req.ScriptID, args, req.Mode)
	if !result.OK {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "code": result.Code, "message": result.Message})
		return
	}

	status := http.StatusOK
	if result.Async {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"ok": true, "async": result.Async, "job": result.Job})
}

func (s *Server) getJob(c *gin.Context) {
	j, ok := s.runner.GetJob(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "code": "JOB_NOT_FOUND", "message": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "job": j})
}

func (s *Server) getJobLogs(c *gin.Context) {
	jobID := c.Param("id")
	stream := c.DefaultQuery("stream", "stdout")
	offset, offsetErr := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	limit, limitErr := strconv.ParseInt(c.DefaultQuery("limit", strconv.Itoa(maxLogsLimit)), 10, 64)
	if offsetErr != nil || limitErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "code": "INVALID_ARGS", "message": "offset and limit must be integers"})
		return
	}

	result := s.runner.GetJobLogs(jobID, stream, offset, limit)
	if !result.OK {
		status := statusForCode(result.Code)
		c.JSON(status, gin.H{"ok": false, "code": result.Code, "message": result.Message})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"jobId":      result.JobID,
		"stream":     result.Stream,
		"offset":     result.Offset,
		"nextOffset": result.NextOffset,
		"totalSize":  result.TotalSize,
		"truncated":  result.Truncated,
		"data":       strings.ToValidUTF8(string(result.Data), "�"),
	})
}

func (s *Server) postCancel(c *gin.Context) {
	result := s.runner.CancelJob(c.Param("id"))
	if !result.OK {
		c.JSON(statusForCode(result.Code), gin.H{"ok": false, "code": result.Code, "message": result.Message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "job": result.Job})
}

func (s *Server) getHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"scriptCount":      s.runner.ScriptCount(),
		"lastPersistError": s.runner.LastPersistError(),
	})
}

// statusForCode maps a runner error code to an HTTP status, per §6.4.
func statusForCode(code string) int {
	switch code {
	case "SCRIPT_NOT_FOUND", "JOB_NOT_FOUND":
		return http.StatusNotFound
	case "INVALID_ARGS":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
