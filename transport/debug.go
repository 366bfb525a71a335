package transport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// DebugServer is an optional HTTP status surface over a Server, useful
// for operators inspecting a running transport out-of-band. It plays no
// part in the wire protocol itself.
type DebugServer struct {
	engine *gin.Engine
}

// NewDebugServer builds a DebugServer reporting on srv's status at
// GET /status.
func NewDebugServer(srv *Server) *DebugServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.GET("/status", func(c *gin.Context) {
		code, exited := srv.proc.ExitStatus()
		c.JSON(http.StatusOK, gin.H{
			"connected":       srv.IsConnected(),
			"addr":            srv.Addr().String(),
			"processExited":   exited,
			"processExitCode": code,
			"closeReason":     srv.CloseReason(),
		})
	})
	return &DebugServer{engine: engine}
}

// Handler returns the underlying http.Handler.
func (d *DebugServer) Handler() http.Handler {
	return d.engine
}
