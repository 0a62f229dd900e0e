// Copyright 2026 The Poolvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/crypto/bcrypt"

	"github.com/gdamore/poolvisor"
)

// Handler serves the control API of a Pool.
type Handler struct {
	p       *poolvisor.Pool
	log     *poolvisor.Log
	r       *mux.Router
	users   map[string][]byte
	metrics http.Handler
	logger  hclog.Logger
}

type Option func(*Handler)

// WithLog serves the given log ring on /log.
func WithLog(l *poolvisor.Log) Option {
	return func(h *Handler) {
		h.log = l
	}
}

// WithMetrics serves the given handler on /metrics.
func WithMetrics(m http.Handler) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithUser requires HTTP basic auth, and adds a user whose password has
// the given bcrypt hash.
func WithUser(user string, hash []byte) Option {
	return func(h *Handler) {
		if h.users == nil {
			h.users = make(map[string][]byte)
		}
		h.users[user] = hash
	}
}

func WithLogger(l hclog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// poolError maps an error from the pool to an HTTP status.
func poolError(err error) *Error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, poolvisor.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, poolvisor.ErrRestarting):
		code = http.StatusConflict
	case errors.Is(err, poolvisor.ErrDraining):
		code = http.StatusServiceUnavailable
	}
	return &Error{Code: code, Message: err.Error()}
}

func pollTime(r *http.Request) time.Duration {
	secs, err := strconv.Atoi(r.Header.Get(PollTimeHeader))
	if err != nil || secs <= 0 {
		return 0
	}
	if secs > MaxPollTime {
		secs = MaxPollTime
	}
	return time.Duration(secs) * time.Second
}

// notModified handles conditional requests against the pool serial.  When
// the client's Etag is current it waits for a change for as long as the
// client asked, and writes 304 if none came.
func (h *Handler) notModified(w http.ResponseWriter, r *http.Request) bool {
	etag := r.Header.Get("If-None-Match")
	if etag == "" {
		return false
	}
	serial := h.p.Info().Serial
	if etag != formatEtag(serial) {
		return false
	}
	if d := pollTime(r); d > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		serial = h.p.WatchSerial(ctx, serial)
		cancel()
	}
	if etag != formatEtag(serial) {
		return false
	}
	w.Header().Set("Etag", etag)
	w.WriteHeader(http.StatusNotModified)
	return true
}

func (h *Handler) getPool(w http.ResponseWriter, r *http.Request) {
	if h.notModified(w, r) {
		return
	}
	info := h.p.Info()
	w.Header().Set("Etag", formatEtag(info.Serial))
	h.writeJson(w, info)
}

func (h *Handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	if h.notModified(w, r) {
		return
	}
	// Read the serial first; a change in between only makes the Etag
	// stale, which costs the client one extra fetch.
	serial := h.p.Info().Serial
	workers := h.p.Workers()
	w.Header().Set("Etag", formatEtag(serial))
	h.writeJson(w, workers)
}

func (h *Handler) getWorker(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	if info, found := h.p.Lookup(uid); !found {
		h.writeError(w, &Error{http.StatusNotFound, "Worker not found"})
	} else {
		h.writeJson(w, info)
	}
}

func (h *Handler) restartWorker(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	h.logger.Info("restart requested", "uid", uid, "remote", r.RemoteAddr)
	if err := h.p.Restart(uid); err != nil {
		h.writeError(w, poolError(err))
	} else {
		h.writeJson(w, ok)
	}
}

func (h *Handler) terminateWorker(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	h.logger.Info("terminate requested", "uid", uid, "remote", r.RemoteAddr)
	if err := h.p.Terminate(uid); err != nil {
		h.writeError(w, poolError(err))
	} else {
		h.writeJson(w, ok)
	}
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since int64
	if s := q.Get("since"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			h.writeError(w, &Error{http.StatusBadRequest, "Bad since parameter"})
			return
		}
		since = v
	}
	wait := 0
	if s := q.Get("wait"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			h.writeError(w, &Error{http.StatusBadRequest, "Bad wait parameter"})
			return
		}
		wait = min(v, MaxPollTime)
	}

	recs, last := h.log.Since(since)
	if len(recs) == 0 && wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(wait)*time.Second)
		h.log.Watch(ctx, last)
		cancel()
		recs, last = h.log.Since(since)
	}
	if recs == nil {
		recs = []LogRecord{}
	}
	h.writeJson(w, &LogInfo{Last: last, Records: recs})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.users) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, found := r.BasicAuth()
		if found {
			if hash, known := h.users[user]; known &&
				bcrypt.CompareHashAndPassword(hash, []byte(pass)) == nil {
				next.ServeHTTP(w, r)
				return
			}
			h.logger.Warn("authentication failed", "user", user, "remote", r.RemoteAddr)
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="poolvisor"`)
		h.writeError(w, &Error{http.StatusUnauthorized, "Unauthorized"})
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func NewHandler(p *poolvisor.Pool, opts ...Option) *Handler {
	r := mux.NewRouter()
	h := &Handler{p: p, r: r}
	for _, o := range opts {
		o(h)
	}
	if h.logger == nil {
		h.logger = hclog.NewNullLogger()
	}
	if h.log == nil {
		h.log = poolvisor.NewLog(0)
	}
	r.Use(h.authenticate)
	r.HandleFunc("/pool", h.getPool).Methods("GET")
	r.HandleFunc("/workers", h.listWorkers).Methods("GET")
	r.HandleFunc("/workers/{uid}", h.getWorker).Methods("GET")
	r.HandleFunc("/workers/{uid}/restart", h.restartWorker).Methods("POST")
	r.HandleFunc("/workers/{uid}/terminate", h.terminateWorker).Methods("POST")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods("GET")
	}
	return h
}
