// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package middleware carries the request plumbing: request id, request
// scoped logger and authentication. Every request ends up with a
// principal in its context, anonymous included.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unistor/unistor/internal/http/services/httperrors"
	"github.com/unistor/unistor/pkg/apikey"
	"github.com/unistor/unistor/pkg/appctx"
	uctx "github.com/unistor/unistor/pkg/ctx"
	"github.com/unistor/unistor/pkg/errtypes"
)

// RequestID attaches a request id to the context and the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(uctx.ContextSetReqID(r.Context(), id)))
	})
}

// Log attaches a request scoped logger and emits one line per request.
func Log(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sub := log.With().Str("method", r.Method).Str("path", r.URL.Path).Logger()
			if id, ok := uctx.ContextGetReqID(r.Context()); ok {
				sub = sub.With().Str("request-id", id).Logger()
			}
			ctx := appctx.WithLogger(r.Context(), &sub)
			start := time.Now()
			next.ServeHTTP(w, r.WithContext(ctx))
			sub.Debug().Dur("duration", time.Since(start)).Msg("request handled")
		})
	}
}

// Auth resolves the caller to a principal. The admin token grants the
// operator identity; api keys resolve through the key service; anything
// else is anonymous. Routes decide themselves how much identity they need.
func Auth(keys *apikey.Service, adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := presentedToken(r)
			ctx := r.Context()

			switch {
			case presented == "":
				ctx = uctx.ContextSetPrincipal(ctx, uctx.Anonymous())
			case adminToken != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(adminToken)) == 1:
				ctx = uctx.ContextSetPrincipal(ctx, &uctx.Principal{
					Kind:      uctx.KindAdmin,
					ID:        "admin",
					Name:      "admin",
					BasicPath: "/",
				})
			default:
				k, err := keys.Authenticate(ctx, presented)
				if err != nil {
					httperrors.Write(w, r, err)
					return
				}
				keys.Touch(ctx, k.ID)
				ctx = uctx.ContextSetPrincipal(ctx, &uctx.Principal{
					Kind:        uctx.KindAPIKey,
					ID:          k.ID,
					Name:        k.Name,
					BasicPath:   k.BasicPath,
					Authorities: k.Authorities,
					KeyInfo:     &uctx.KeyInfo{ID: k.ID, Name: k.Name},
				})
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminOnly rejects requests whose principal is not the operator.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := uctx.ContextGetPrincipal(r.Context())
		if !ok || p.IsAnonymous() {
			httperrors.Write(w, r, errtypes.UserRequired("authentication required"))
			return
		}
		if !p.IsAdmin() {
			httperrors.Write(w, r, errtypes.PermissionDenied("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func presentedToken(r *http.Request) string {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}
	return ""
}
