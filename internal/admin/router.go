// Package admin serves the kernel's HTTP admin API: health, prometheus
// metrics, the attached client list, forced disconnects and pushed requests.
package admin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/edgeipc/internal/kernel"
	"github.com/danmuck/edgeipc/internal/logging"
	"github.com/danmuck/edgeipc/internal/observability"
	"github.com/danmuck/edgeipc/internal/protocol"
	"github.com/danmuck/edgeipc/internal/protocol/frame"
)

// Kernel is the part of *kernel.Server the admin API drives.
type Kernel interface {
	Clients() []kernel.ClientInfo
	Disconnect(clientID string) bool
	Request(ctx context.Context, clientID string, dest protocol.Destination, payload []byte) ([]byte, error)
}

type Options struct {
	Gatherer    prometheus.Gatherer
	Metrics     *observability.IPCMetrics
	Logger      *logging.Logger
	CORSOrigins []string
	// RequestTimeout bounds POST /clients/:id/requests. Zero means 5s.
	RequestTimeout time.Duration
}

type clientView struct {
	ID          string    `json:"id"`
	ServiceName string    `json:"service_name"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// NewRouter builds the admin engine. It does not listen.
func NewRouter(k Kernel, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = logging.New("kernel.admin")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	started := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(opts.Logger.Zerolog()))
	r.Use(observability.RequestMetricsMiddleware(opts.Metrics))
	if origins := normalizeOrigins(opts.CORSOrigins); len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET", "POST", "DELETE"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(started).String(),
			"component": "kernel",
			"clients":   len(k.Clients()),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	r.GET("/clients", func(c *gin.Context) {
		infos := k.Clients()
		out := make([]clientView, 0, len(infos))
		for _, info := range infos {
			out = append(out, clientView{
				ID:          info.ID,
				ServiceName: info.ServiceName,
				RemoteAddr:  info.RemoteAddr,
				ConnectedAt: info.ConnectedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"clients": out})
	})

	r.DELETE("/clients/:id", func(c *gin.Context) {
		id := c.Param("id")
		if !k.Disconnect(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		opts.Logger.Infof("kernel.admin disconnect client=%s", id)
		c.JSON(http.StatusOK, gin.H{"status": "disconnected", "id": id})
	})

	// body is the raw payload; ?dest= selects the client-side handler
	r.POST("/clients/:id/requests", func(c *gin.Context) {
		id := c.Param("id")
		dest, err := strconv.ParseUint(c.Query("dest"), 10, 16)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "dest must be a u16 destination code"})
			return
		}
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, frame.MaxPayloadLen+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(payload) > frame.MaxPayloadLen {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload exceeds one frame"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), opts.RequestTimeout)
		defer cancel()
		resp, err := k.Request(ctx, id, protocol.Destination(dest), payload)
		if err != nil {
			_ = c.Error(err)
			c.JSON(pushStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/octet-stream", resp)
	})

	return r
}

func pushStatus(err error) int {
	switch {
	case errors.Is(err, kernel.ErrUnknownClient):
		return http.StatusNotFound
	case protocol.IsRemote(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
