package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sells-group/route-quota/internal/availability"
)

// Identity headers set by the upstream gateway.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	roleAdmin = "admin"
)

type ctxKey struct{}

// identify reads the caller from the identity headers. Requests without a
// user id are rejected.
func identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if id == "" {
			writeError(w, http.StatusUnauthorized, "missing "+HeaderUserID+" header")
			return
		}
		u := availability.User{ID: id, Role: strings.TrimSpace(r.Header.Get(HeaderUserRole))}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, u)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(userFrom(r.Context()).Role, roleAdmin) {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userFrom(ctx context.Context) availability.User {
	u, _ := ctx.Value(ctxKey{}).(availability.User)
	return u
}

// requestLogger logs one line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
