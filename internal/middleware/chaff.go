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

package middleware

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mikehelmick/go-chaff"
)

// ProcessChaff returns the middleware that handles chaff (decoy) requests.
// Clients periodically send chaff with the X-Chaff header set so that an
// observer cannot distinguish real uploads from cover traffic; the tracker
// replies with a payload shaped like a real response.
func ProcessChaff(tracker *chaff.Tracker) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return tracker.HandleTrack(chaff.HeaderDetector("X-Chaff"), next)
	}
}
