package observability

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/timetrack-api/pkg/errors"
	"github.com/noah-isme/timetrack-api/pkg/middleware/requestid"
)

// InitSentry configures the global Sentry hub. An empty DSN disables reporting.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// CaptureError reports server-side failures. Client errors are never sent.
func CaptureError(c *gin.Context, err error) {
	appErr := appErrors.FromError(err)
	if appErr == nil || !(appErr.Kind == appErrors.KindTransient || appErr.Kind == appErrors.KindInternal) {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_code", appErr.Code)
		if c != nil {
			scope.SetTag("route", c.FullPath())
			if id := requestid.Value(c); id != "" {
				scope.SetTag("request_id", id)
			}
		}
		sentry.CaptureException(err)
	})
}

// Recovery converts panics into a 500 envelope and reports them.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := string(debug.Stack())
				sentry.WithScope(func(scope *sentry.Scope) {
					scope.SetExtra("panic", rec)
					scope.SetExtra("stack", stack)
					sentry.CaptureMessage("panic in request")
				})

				logger.Error("panic_recovered",
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
					zap.String("panic", fmt.Sprint(rec)),
				)

				c.Header("Cache-Control", "no-store")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": appErrors.ErrInternal})
			}
		}()
		c.Next()
	}
}
