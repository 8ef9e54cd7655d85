package pprof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	logx "taskpilot/pkg/logx"
)

const defaultAddr = "127.0.0.1:6060"

// serve runs one lifetime of the HTTP server under the supervisor's
// restart loop. It returns context.Canceled on orderly shutdown so the
// loop does not spin the server back up.
func (s *Service) serve(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	log := s.log
	statusFn := s.statusFn
	s.mu.Unlock()

	if !cur.Enabled {
		return context.Canceled
	}

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if err := checkBind(cur, addr, log); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("pprof listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	prefix := normalizePrefix(cur.Prefix)
	srv := &http.Server{
		Handler:      routes(cur, prefix, statusFn),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	// Publish the handles so Stop and Addr can reach them.
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	// Tie the server to the supervisor context. Stop does the graceful
	// drain; this path only has to be prompt, hence the short budget.
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	bound := ln.Addr().String()
	log.Info("pprof started",
		logx.String("addr", bound),
		logx.String("prefix", prefix),
		logx.Bool("token_set", cur.Token != ""),
		logx.String("hint", fmt.Sprintf("http://%s%s", bound, prefix)),
	)

	err = srv.Serve(ln)

	// Drop the handles unless a newer serve already replaced them.
	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	switch {
	case stopping || ctx.Err() != nil:
		return context.Canceled
	case err == nil || errors.Is(err, http.ErrServerClosed):
		// Serve returned without anybody asking it to.
		return errors.New("pprof server exited unexpectedly")
	default:
		return err
	}
}

// checkBind refuses a non-loopback bind that has neither a token nor an
// explicit insecure waiver. pprof exposes heap contents; one typo in
// the addr must not leak them onto a public interface.
func checkBind(cur Config, addr string, log logx.Logger) error {
	if isLoopbackAddr(addr) {
		return nil
	}
	if cur.Token == "" {
		if !cur.AllowInsecure {
			log.Error("pprof refused to start: non-loopback addr requires token or allow_insecure",
				logx.String("addr", addr))
			return errors.New("pprof refused to start: insecure bind")
		}
		log.Warn("pprof running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}
	return nil
}

// routes builds the handler set: the liveness probe, the optional
// status snapshot, and the pprof family under the configured prefix.
func routes(cur Config, prefix string, statusFn func() any) *http.ServeMux {
	mux := http.NewServeMux()
	guard := func(h http.HandlerFunc) http.HandlerFunc { return requireToken(cur.Token, h) }

	mux.HandleFunc("/healthz", guard(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	if statusFn != nil {
		mux.HandleFunc("/statusz", guard(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(statusFn()); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		}))
	}

	base := strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix, guard(indexAt(prefix)))
	mux.HandleFunc(base+"/cmdline", guard(hpprof.Cmdline))
	mux.HandleFunc(base+"/profile", guard(hpprof.Profile))
	mux.HandleFunc(base+"/symbol", guard(hpprof.Symbol))
	mux.HandleFunc(base+"/trace", guard(hpprof.Trace))

	// The bare prefix without a slash redirects to the canonical form.
	mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
	})
	return mux
}

// requireToken wraps h with token auth. The token may arrive as a
// ?token= query parameter (handy in a browser) or as a bearer header.
// An empty configured token disables the check entirely.
func requireToken(token string, h http.HandlerFunc) http.HandlerFunc {
	want := strings.TrimSpace(token)
	if want == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == want {
				h(w, r)
			} else {
				deny(w)
			}
			return
		}
		const scheme = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, scheme) {
			if strings.TrimSpace(strings.TrimPrefix(ah, scheme)) == want {
				h(w, r)
				return
			}
		}
		deny(w)
	}
}

func deny(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// normalizePrefix forces a leading and trailing slash on the mount
// point, defaulting to the stock /debug/pprof/ path.
func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		return "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// indexAt adapts hpprof.Index to a non-standard prefix. The stock
// handler routes named profiles by trimming /debug/pprof/ from the
// path, so requests are rewritten to look like they arrived there.
func indexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		clone := r.Clone(r.Context())
		clone.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, canon)
		hpprof.Index(w, clone)
	}
}

// isLoopbackAddr reports whether a host:port bind stays on loopback.
// An empty host means all interfaces, which is not loopback.
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
