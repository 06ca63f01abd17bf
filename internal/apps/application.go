// Package apps holds the immutable tenant table: credentialed applications
// looked up by id or key, carrying the limits and origin policy every other
// component consults.
package apps

import (
	"net/url"
	"path"
	"strings"
	"time"
)

// Application is one tenant. Built at configuration load and never mutated.
type Application struct {
	ID              string            `json:"app_id" yaml:"app_id"`
	Key             string            `json:"key" yaml:"key"`
	Secret          string            `json:"secret" yaml:"secret"`
	PingInterval    int               `json:"ping_interval" yaml:"ping_interval"`
	ActivityTimeout int               `json:"activity_timeout" yaml:"activity_timeout"`
	AllowedOrigins  []string          `json:"allowed_origins" yaml:"allowed_origins"`
	MaxMessageSize  int               `json:"max_message_size" yaml:"max_message_size"`
	MaxConnections  int               `json:"max_connections" yaml:"max_connections"`
	Options         map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// PingDuration is the inactivity window after which a connection is pinged.
func (a *Application) PingDuration() time.Duration {
	return time.Duration(a.PingInterval) * time.Second
}

// ActivityDuration is the window after which a pinged, silent connection is
// considered stale.
func (a *Application) ActivityDuration() time.Duration {
	return time.Duration(a.ActivityTimeout) * time.Second
}

// Unlimited reports whether the tenant has no connection cap.
func (a *Application) Unlimited() bool {
	return a.MaxConnections <= 0
}

// OriginAllowed checks the Origin header value against the allowed list.
// Hosts match exactly or by glob pattern (*.example.com); a bare * allows
// everything. Requests without an Origin header pass.
func (a *Application) OriginAllowed(origin string) bool {
	if origin == "" || len(a.AllowedOrigins) == 0 {
		return true
	}

	host := origin
	if u, err := url.Parse(origin); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	host = strings.ToLower(host)

	for _, allowed := range a.AllowedOrigins {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "*" || allowed == host {
			return true
		}
		if matched, err := path.Match(allowed, host); err == nil && matched {
			return true
		}
	}
	return false
}
