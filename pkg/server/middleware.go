/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordigilh/audittrail/pkg/auth"
)

// Identity headers mapped into auth.UserContext. The gateway in front of
// this service authenticates callers and forwards their claims.
const (
	headerUserID       = "X-User-ID"
	headerOrganization = "X-Organization-ID"
	headerRole         = "X-Role"
	headerPermissions  = "X-Permissions"
)

type contextKey string

const userContextKey contextKey = "audittrail-user"

// userFrom returns the authenticated caller stored by the user-context
// middleware.
func userFrom(ctx context.Context) *auth.UserContext {
	u, _ := ctx.Value(userContextKey).(*auth.UserContext)
	return u
}

// userContext maps the identity headers into an auth.UserContext. Requests
// without an identity get 401; an unknown role gets 400.
func (s *Server) userContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(headerUserID)
		orgID := r.Header.Get(headerOrganization)
		if userID == "" || orgID == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing identity headers")
			return
		}
		role := auth.Role(r.Header.Get(headerRole))
		if role == "" {
			role = auth.RoleViewer
		}
		user, err := auth.NewUserContext(userID, orgID, role,
			auth.ParsePermissions(r.Header.Get(headerPermissions))...)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_role", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	})
}

// requireOperation enforces ValidateOperation before the handler runs.
func (s *Server) requireOperation(op auth.Operation, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r.Context())
		if decision := user.ValidateOperation(op, nil); !decision.Allowed {
			writeError(w, http.StatusForbidden, "forbidden", decision.Reason)
			return
		}
		next(w, r)
	}
}

// requestLogger logs one line per request with latency and status.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.log.V(1).Info("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(started).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// recoverer converts handler panics into 500s without killing the server.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error(nil, "handler panicked",
					"panic", rec,
					"path", r.URL.Path,
					"stack", string(debug.Stack()))
				writeError(w, http.StatusInternalServerError, "internal", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// observeRequests feeds the HTTP latency histogram, labelled by the chi
// route pattern so path parameters do not explode cardinality.
func (s *Server) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.recorder.ObserveHTTPRequest(r.Method, route, strconv.Itoa(ww.Status()), time.Since(started).Seconds())
	})
}
