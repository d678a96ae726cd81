// Package debughttp runs the optional diagnostics listener of the serve
// process.
package debughttp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 5 * time.Second

// StartPprofServer starts an optional pprof HTTP server on addr and shuts it
// down when ctx is canceled. It returns immediately after the listener is
// bound so address conflicts fail fast. An empty addr disables it.
func StartPprofServer(ctx context.Context, addr string, log *slog.Logger) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           newPprofRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if log != nil {
			log.Info("pprof listening", "addr", ln.Addr().String())
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && log != nil {
			log.Error("pprof server error", "err", err)
		}
	}()

	return nil
}

func newPprofRouter() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	g := r.Group("/debug/pprof")
	g.GET("/", gin.WrapF(httppprof.Index))
	g.GET("/cmdline", gin.WrapF(httppprof.Cmdline))
	g.GET("/profile", gin.WrapF(httppprof.Profile))
	g.GET("/symbol", gin.WrapF(httppprof.Symbol))
	g.POST("/symbol", gin.WrapF(httppprof.Symbol))
	g.GET("/trace", gin.WrapF(httppprof.Trace))
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		g.GET("/"+name, gin.WrapH(httppprof.Handler(name)))
	}
	return r
}
