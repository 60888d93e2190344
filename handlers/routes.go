package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type RouterConfig struct {
	ServiceName    string
	CORSOrigins    []string
	TrustedProxies []string
	Tracing        bool
	Debug          bool
}

// NewRouter builds the route table:
//
//	GET  /                 front end
//	GET  /files            listing of encrypted names
//	GET  /download/:name   encrypted download by hex token
//	POST /                 chunk or single upload
//	GET  /healthz          readiness
func NewRouter(cfg RouterConfig, uploads *UploadHandler, healthH *HealthHandler) (*gin.Engine, error) {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	// file parts beyond this spill to temp files
	r.MaxMultipartMemory = 8 << 20

	if cfg.Tracing {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(SecurityHeaders())
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{"Origin", "Content-Type"},
		}))
	}

	r.GET("/", uploads.Index)
	r.POST("/", uploads.Upload)
	r.GET("/files", uploads.ListFiles)
	r.GET("/download/:name", uploads.Download)
	r.GET("/healthz", healthH.Healthz)

	return r, nil
}

// Compress wraps h so JSON responses are gzipped for clients that accept
// it. Downloads are ciphertext and are left alone.
func Compress(h http.Handler) (http.Handler, error) {
	wrap, err := gzhttp.NewWrapper(gzhttp.ContentTypes([]string{"application/json"}))
	if err != nil {
		return nil, err
	}
	return wrap(h), nil
}
