package autopilot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/seopilot/auth"
	"github.com/hazyhaar/seopilot/autopilot/internal/ledger"
	"github.com/hazyhaar/seopilot/autopilot/internal/store"
	"github.com/hazyhaar/seopilot/kit"
	"github.com/hazyhaar/seopilot/observability"
	"github.com/hazyhaar/seopilot/rule"
	"github.com/hazyhaar/seopilot/shield"
)

// TokenHeader is the alternative to an Authorization Bearer agent token.
const TokenHeader = "X-Seopilot-Token"

type siteKey struct{}

// Handler returns the HTTP API: the agent manifest endpoint, operator
// session endpoints and the per-site operator API.
func (p *Pilot) Handler(jwtSecret []byte) http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack() {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	// Agent tokens travel in the Authorization header too, so this route
	// stays outside the session middleware.
	r.With(p.limiter.Middleware(agentKey)).Get("/api/v1/agent/manifest", p.handleAgentManifest)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwtSecret))

		r.Post("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Email    string `json:"email"`
				Password string `json:"password"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			claims, err := p.Login(r.Context(), req.Email, req.Password)
			if err != nil {
				if errors.Is(err, auth.ErrBadCredentials) {
					writeJSON(w, 401, map[string]string{"error": "invalid credentials"})
					return
				}
				writeError(w, 500, err)
				return
			}
			token, err := auth.GenerateToken(jwtSecret, claims, p.config.SessionTTL)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			secure := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
			auth.SetTokenCookie(w, token, secure)
			writeJSON(w, 200, map[string]string{"id": claims.OperatorID, "email": claims.Email, "role": claims.Role})
		})

		r.Post("/api/auth/logout", func(w http.ResponseWriter, _ *http.Request) {
			auth.ClearTokenCookie(w)
			writeJSON(w, 200, map[string]string{"status": "ok"})
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth)

			r.Get("/api/auth/me", func(w http.ResponseWriter, r *http.Request) {
				c := auth.GetClaims(r.Context())
				writeJSON(w, 200, map[string]string{"id": c.OperatorID, "email": c.Email, "role": c.Role})
			})

			r.Get("/api/sites", func(w http.ResponseWriter, r *http.Request) {
				sites, err := p.ListSites(r.Context(), auth.GetClaims(r.Context()))
				if err != nil {
					writeError(w, 500, err)
					return
				}
				if sites == nil {
					sites = []*store.Site{}
				}
				writeJSON(w, 200, sites)
			})

			r.Post("/api/sites", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					Domain   string `json:"domain"`
					PlanTier string `json:"plan_tier"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeError(w, 400, err)
					return
				}
				if strings.TrimSpace(req.Domain) == "" {
					writeJSON(w, 400, map[string]string{"error": "domain required"})
					return
				}
				c := auth.GetClaims(r.Context())
				site, token, err := p.RegisterSite(r.Context(), c.OperatorID, req.Domain, req.PlanTier)
				if err != nil {
					writeError(w, statusFor(err), err)
					return
				}
				writeJSON(w, 201, map[string]any{"site": site, "token": token})
			})

			r.Route("/api/sites/{siteID}", func(r chi.Router) {
				r.Use(p.siteScope)

				r.Post("/token", func(w http.ResponseWriter, r *http.Request) {
					token, err := p.RotateToken(r.Context(), siteFrom(r).ID)
					if err != nil {
						writeError(w, statusFor(err), err)
						return
					}
					writeJSON(w, 200, map[string]string{"token": token})
				})

				r.Post("/autopilot", func(w http.ResponseWriter, r *http.Request) {
					var req struct {
						Enabled bool `json:"enabled"`
					}
					if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
						writeError(w, 400, err)
						return
					}
					if err := p.SetAutopilot(r.Context(), siteFrom(r).ID, req.Enabled); err != nil {
						writeError(w, statusFor(err), err)
						return
					}
					writeJSON(w, 200, map[string]bool{"enabled": req.Enabled})
				})

				r.Get("/manifest", func(w http.ResponseWriter, r *http.Request) {
					m, err := p.Manifest(r.Context(), siteFrom(r).ID)
					if err != nil {
						writeError(w, statusFor(err), err)
						return
					}
					writeJSON(w, 200, m)
				})

				r.Get("/rules", func(w http.ResponseWriter, r *http.Request) {
					active := r.URL.Query().Get("active")
					rules, err := p.ListRules(r.Context(), siteFrom(r).ID, active == "1" || active == "true")
					if err != nil {
						writeError(w, 500, err)
						return
					}
					if rules == nil {
						rules = []*store.Rule{}
					}
					writeJSON(w, 200, rules)
				})

				r.Post("/rules/{ruleID}/active", func(w http.ResponseWriter, r *http.Request) {
					var req struct {
						Active  bool            `json:"active"`
						Payload json.RawMessage `json:"payload,omitempty"`
					}
					if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
						writeError(w, 400, err)
						return
					}
					rl, err := p.ToggleRule(r.Context(), siteFrom(r).ID, chi.URLParam(r, "ruleID"), req.Active, req.Payload, actor(r))
					if err != nil {
						writeError(w, statusFor(err), err)
						return
					}
					writeJSON(w, 200, rl)
				})

				r.Post("/rules/{ruleID}/undo", func(w http.ResponseWriter, r *http.Request) {
					ev, err := p.Undo(r.Context(), siteFrom(r).ID, chi.URLParam(r, "ruleID"), actor(r))
					if err != nil {
						writeError(w, statusFor(err), err)
						return
					}
					writeJSON(w, 200, ev)
				})

				r.Post("/redirects", func(w http.ResponseWriter, r *http.Request) {
					var req struct {
						From   string `json:"from"`
						To     string `json:"to"`
						Status int    `json:"status"`
					}
					if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
						writeError(w, 400, err)
						return
					}
					rl, err := p.CreateRedirect(r.Context(), siteFrom(r).ID, req.From, req.To, req.Status, actor(r))
					if err != nil {
						writeError(w, statusFor(err), err)
						return
					}
					writeJSON(w, 201, rl)
				})

				r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
					events, err := p.Events(r.Context(), siteFrom(r).ID, r.URL.Query().Get("type"), queryInt(r, "limit", 50))
					if err != nil {
						writeError(w, 500, err)
						return
					}
					if events == nil {
						events = []*store.Event{}
					}
					writeJSON(w, 200, events)
				})

				r.Post("/issues", func(w http.ResponseWriter, r *http.Request) {
					var req []IssueInput
					if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
						writeError(w, 400, err)
						return
					}
					n, err := p.RecordIssues(r.Context(), siteFrom(r).ID, req)
					if err != nil {
						writeError(w, 400, err)
						return
					}
					writeJSON(w, 201, map[string]int{"recorded": n})
				})

				r.Post("/snapshots/performance", func(w http.ResponseWriter, r *http.Request) {
					var req PerformanceInput
					if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
						writeError(w, 400, err)
						return
					}
					snap, err := p.RecordPerformance(r.Context(), siteFrom(r).ID, req)
					if err != nil {
						writeError(w, 400, err)
						return
					}
					writeJSON(w, 201, snap)
				})

				r.Post("/snapshots/rank", func(w http.ResponseWriter, r *http.Request) {
					var req []RankInput
					if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
						writeError(w, 400, err)
						return
					}
					n, err := p.RecordRanks(r.Context(), siteFrom(r).ID, req)
					if err != nil {
						writeError(w, 400, err)
						return
					}
					writeJSON(w, 201, map[string]int{"recorded": n})
				})

				r.Post("/cycle", func(w http.ResponseWriter, r *http.Request) {
					rep, err := p.runSite(r.Context(), siteFrom(r))
					if err != nil {
						writeError(w, 500, err)
						return
					}
					writeJSON(w, 200, rep)
				})

				r.Get("/energy", func(w http.ResponseWriter, r *http.Request) {
					st, err := p.Energy(r.Context(), siteFrom(r).ID)
					if err != nil {
						writeError(w, statusFor(err), err)
						return
					}
					writeJSON(w, 200, st)
				})

				r.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
					runs, err := p.Runs(r.Context(), siteFrom(r).ID, queryInt(r, "limit", 20))
					if err != nil {
						writeError(w, 500, err)
						return
					}
					if runs == nil {
						runs = []*store.CycleRun{}
					}
					writeJSON(w, 200, runs)
				})

				r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
					since := p.now().Add(-time.Duration(queryInt(r, "hours", 24)) * time.Hour)
					ms, err := p.Metrics(r.Context(), siteFrom(r).ID, r.URL.Query().Get("name"), since, queryInt(r, "limit", 500))
					if err != nil {
						writeError(w, 500, err)
						return
					}
					writeJSON(w, 200, ms)
				})
			})
		})
	})
	return r
}

func (p *Pilot) handleAgentManifest(w http.ResponseWriter, r *http.Request) {
	site, err := p.SiteForToken(r.Context(), agentToken(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	ctx := kit.WithSiteID(r.Context(), site.ID)
	m, err := p.Manifest(ctx, site.ID)
	if err != nil {
		shield.GetLogger(ctx).Error("autopilot: compile manifest", "error", err)
		writeError(w, 500, err)
		return
	}
	p.record(observability.MetricManifestFetches, site.ID, 1, "count")

	etag := m.ETag()
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, 200, m)
}

// siteScope authorizes the session operator against {siteID} and stores
// the site in the request context.
func (p *Pilot) siteScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		siteID := chi.URLParam(r, "siteID")
		site, err := p.Authorize(r.Context(), auth.GetClaims(r.Context()), siteID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		ctx := context.WithValue(r.Context(), siteKey{}, site)
		ctx = kit.WithSiteID(ctx, site.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func siteFrom(r *http.Request) *store.Site {
	s, _ := r.Context().Value(siteKey{}).(*store.Site)
	return s
}

func actor(r *http.Request) string {
	if c := auth.GetClaims(r.Context()); c != nil {
		return c.Email
	}
	return ""
}

func agentToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(r.Header.Get(TokenHeader))
}

// agentKey partitions the agent rate limit by credential, falling back to
// the client IP for requests without one.
func agentKey(r *http.Request) string {
	if t := agentToken(r); t != "" {
		return "tok:" + HashToken(t)
	}
	return "ip:" + shield.ExtractIP(r)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, auth.ErrBadCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyInactive), errors.Is(err, ledger.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, rule.ErrInvalid), errors.Is(err, rule.ErrEmptyPayload), errors.Is(err, rule.ErrUnknownType):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
