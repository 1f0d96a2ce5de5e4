package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/antigravity-dev/gpec/internal/config"
	"github.com/antigravity-dev/gpec/internal/supervisor"
)

// AuthMiddleware resolves every request's bearer token to a tenant id.
// GPEC's entire HTTP surface is tenant-authenticated (spec.md §6): there
// is no read-only or control-only subset, since every endpoint either
// reads or writes tenant-scoped run state.
type AuthMiddleware struct {
	cfg       *config.APISecurity
	logger    *slog.Logger
	auditFile *os.File
}

// NewAuthMiddleware builds an AuthMiddleware, opening the audit log file
// if one is configured.
func NewAuthMiddleware(cfg *config.APISecurity, logger *slog.Logger) (*AuthMiddleware, error) {
	am := &AuthMiddleware{cfg: cfg, logger: logger}

	if cfg.AuditLog != "" {
		path := config.ExpandHome(cfg.AuditLog)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log %q: %w", path, err)
		}
		am.auditFile = f
	}
	return am, nil
}

// Close closes the audit log file, if one is open.
func (am *AuthMiddleware) Close() error {
	if am.auditFile != nil {
		return am.auditFile.Close()
	}
	return nil
}

// AuditEvent is one line of the tenant-auth audit log.
type AuditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	RemoteAddr string    `json:"remoteAddr"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	UserAgent  string    `json:"userAgent,omitempty"`
	TenantID   string    `json:"tenantId,omitempty"`
	Authorized bool      `json:"authorized"`
	Token      string    `json:"token,omitempty"`
	Error      string    `json:"error,omitempty"`
	Duration   string    `json:"duration"`
}

func (am *AuthMiddleware) logAuditEvent(event AuditEvent) {
	if am.auditFile == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		am.logger.Error("failed to marshal audit event", "error", err)
		return
	}
	if _, err := am.auditFile.Write(append(data, '\n')); err != nil {
		am.logger.Error("failed to write audit event", "error", err)
	}
}

func truncateToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "****"
}

// isLocalRequest reports whether remoteAddr is loopback or private,
// honoring APISecurity.RequireLocalOnly.
func isLocalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

type tenantContextKey struct{}

// tenantFromContext returns the tenant id RequireAuth resolved for this
// request. Handlers call this instead of re-parsing the Authorization
// header, so every store/docstore call stays tenant-scoped.
func tenantFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantContextKey{}).(string)
	return tenantID, ok && tenantID != ""
}

// RequireAuth wraps next so every GPEC endpoint requires a valid tenant
// bearer token, regardless of method or path. A request that carries no
// resolvable token never reaches the handler.
func (am *AuthMiddleware) RequireAuth(cfg *config.Config, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		event := AuditEvent{
			Timestamp:  start,
			RemoteAddr: r.RemoteAddr,
			Method:     r.Method,
			Path:       r.URL.Path,
			UserAgent:  r.Header.Get("User-Agent"),
		}
		defer func() {
			event.Duration = time.Since(start).String()
			am.logAuditEvent(event)
		}()

		if am.cfg.RequireLocalOnly && !isLocalRequest(r.RemoteAddr) {
			event.Authorized = false
			event.Error = "non-local request rejected (require_local_only=true)"
			writeError(w, http.StatusForbidden, &supervisor.NotTenantError{What: "non-local request rejected"})
			return
		}

		token := extractToken(r)
		event.Token = truncateToken(token)

		tenantID, ok := cfg.ResolveTenant(token)
		if !ok {
			event.Authorized = false
			event.Error = "invalid or missing tenant token"
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusForbidden, &supervisor.NotTenantError{What: "valid tenant bearer token required"})
			return
		}

		event.Authorized = true
		event.TenantID = tenantID
		ctx := context.WithValue(r.Context(), tenantContextKey{}, tenantID)
		next(w, r.WithContext(ctx))
	}
}
