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

// Package httperrors renders core errors as the JSON error envelope of
// the HTTP API. Backend and repository failures keep their code but get a
// generic message; the raw cause stays in the server log.
package httperrors

import (
	"encoding/json"
	"net/http"

	"github.com/unistor/unistor/pkg/appctx"
	"github.com/unistor/unistor/pkg/errtypes"
)

// Envelope is the wire shape of an error response.
type Envelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Write renders err on w.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	status := errtypes.StatusCode(err)
	code := errtypes.Code(err)
	msg := "internal error"
	if errtypes.Expose(err) {
		msg = err.Error()
	}

	log := appctx.GetLogger(r.Context())
	ev := log.Debug()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Str("code", code).Int("status", status).
		Str("path", r.URL.Path).Msg("request failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Code: code, Message: msg, Status: status})
}

// WriteJSON renders a success payload.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
