// Copyright 2021 the Radar COVID authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package middleware contains application specific http middlewares.
package middleware

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/radarcovid/gaen-server/pkg/logging"
)

// contextKey is a private type for context keys set by this package.
type contextKey string

// Recovery recovers from panics in downstream handlers and converts them into
// a 500 response instead of tearing down the connection.
func Recovery() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			defer func() {
				if p := recover(); p != nil {
					logger := logging.FromContext(ctx).Named("middleware.recovery")
					logger.Errorw("http handler panicked", "panic", p)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
