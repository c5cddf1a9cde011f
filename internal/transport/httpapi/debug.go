package httpapi

import (
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/go-chi/chi/v5"

	logx "triggerd/pkg/logx"
)

// mountDebug adds pprof and runtime introspection under /debug.
// A non-loopback listener without a token gets no debug routes at all.
func (s *Service) mountDebug(r chi.Router, cfg Config, deps Deps) {
	addr := cfg.Addr
	if strings.TrimSpace(addr) == "" {
		addr = DefaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("debug endpoints disabled: non-loopback addr requires token", logx.String("addr", addr))
		return
	}

	r.Route("/debug", func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.HandleFunc("/pprof/*", hpprof.Index)
		r.HandleFunc("/pprof/cmdline", hpprof.Cmdline)
		r.HandleFunc("/pprof/profile", hpprof.Profile)
		r.HandleFunc("/pprof/symbol", hpprof.Symbol)
		r.HandleFunc("/pprof/trace", hpprof.Trace)
		if deps.Schedule != nil {
			r.Get("/scheduler", func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, http.StatusOK, deps.Schedule()) })
		}
		if deps.Handlers != nil {
			r.Get("/handlers", func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, http.StatusOK, deps.Handlers()) })
		}
	})
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				ah := r.Header.Get("Authorization")
				if strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
