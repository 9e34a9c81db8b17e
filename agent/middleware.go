package agent

import (
	"bytes"
	"mime"
	"net/http"
	"strconv"

	"github.com/hazyhaar/seopilot/horosafe"
)

// Middleware applies the cached manifest to responses served by next.
// A redirect entry answers the request without calling next. HEAD requests
// for other entries go straight to next. Otherwise entries buffer next's
// response and rewrite it when it is an uncompressed
// text/html 200; every other response, and any rewrite failure, is
// forwarded byte for byte.
func (a *Agent) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e, ok := a.Lookup(r.URL.Path)
		if !ok || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
			next.ServeHTTP(w, r)
			return
		}

		if e.IsRedirect() {
			if err := horosafe.ValidateRedirect(e.Redirect); err != nil {
				a.logger.Warn("agent: unsafe redirect ignored", "rule_id", e.RuleID, "target", e.Redirect)
				next.ServeHTTP(w, r)
				return
			}
			status := e.Status
			if status == 0 {
				status = http.StatusMovedPermanently
			}
			http.Redirect(w, r, e.Redirect, status)
			return
		}

		if r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		// Ask the origin for an identity-encoded body we can rewrite.
		r.Header.Del("Accept-Encoding")

		rec := &bufferedWriter{header: make(http.Header), status: http.StatusOK}
		next.ServeHTTP(rec, r)

		body := rec.body.Bytes()
		if rec.status == http.StatusOK && isHTML(rec.header) && rec.header.Get("Content-Encoding") == "" {
			if out, err := Apply(body, e); err != nil {
				a.logger.Warn("agent: apply failed, serving original", "rule_id", e.RuleID, "path", r.URL.Path, "error", err)
			} else {
				body = out
				rec.header.Del("ETag")
			}
		}

		dst := w.Header()
		for k, v := range rec.header {
			dst[k] = v
		}
		dst.Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(rec.status)
		w.Write(body)
	})
}

func isHTML(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mt == "text/html"
}

// bufferedWriter captures a full response.
type bufferedWriter struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.wroteHeader = true
	b.status = code
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	return b.body.Write(p)
}
