package deps

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/shelf/internal/httpserver/mw"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/session"
)

// Pinger is implemented by every Store backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Logger         logger.Logger
	StartTime      time.Time
	Version        string
	Commit         string
	BuildDate      string
	GoVersion      string
	TimeNow        func() time.Time   // for testing, defaults to time.Now
	AllowedHosts   []string           // Host headers allowed to access the API
	AllowedCIDRS   []string           // IPs allowed to access infra endpoints
	TrustProxy     bool               // true if running behind a trusted reverse proxy (e.g., cloudflared)
	Backend        string             // "redis" | "memory"
	Store          Pinger             // Store backend, used for readiness
	RedisClient    *redis.Client      // nil with the memory backend
	Sessions       *session.Manager   // one live synchronizer per user
	Identity       mw.IdentityConfig  // bearer token verification
	RateLimit      mw.RateLimitConfig // applied to mutations
	HandlerTimeout time.Duration      // per-request timeout, event streams excepted
	SSEHeartbeat   time.Duration      // keep-alive interval on event streams
	ImportTrigger  chan struct{}      // Channel to trigger a manual import (nil if import disabled)
}

// Now returns the current time from TimeNow, or time.Now when unset.
func (d Deps) Now() time.Time {
	if d.TimeNow != nil {
		return d.TimeNow()
	}
	return time.Now()
}
