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

// Package ctx holds the request scoped values the core passes around:
// the acting principal and the request id. Principals are not persisted,
// authentication is an external concern.
package ctx

import "context"

type key int

const (
	principalKey key = iota
	reqIDKey
)

// PrincipalKind discriminates the acting identity.
type PrincipalKind string

const (
	// KindAdmin is a fully privileged operator identity.
	KindAdmin PrincipalKind = "ADMIN"
	// KindAPIKey is a scoped machine identity.
	KindAPIKey PrincipalKind = "API_KEY"
	// KindAnonymous is an unauthenticated caller.
	KindAnonymous PrincipalKind = "ANONYMOUS"
)

// KeyInfo carries the api_keys row fields the core needs at request time.
type KeyInfo struct {
	ID   string
	Name string
}

// Principal is the acting identity as seen by the core.
type Principal struct {
	Kind PrincipalKind
	ID   string
	Name string
	// BasicPath is the path prefix an API key is scoped to. Defaults to "/".
	BasicPath string
	// Authorities is the permission bitmask granted to the principal.
	Authorities uint32
	KeyInfo     *KeyInfo
}

// IsAdmin reports whether the principal bypasses policy checks.
func (p *Principal) IsAdmin() bool { return p != nil && p.Kind == KindAdmin }

// IsAnonymous reports whether the request carries no identity.
func (p *Principal) IsAnonymous() bool { return p == nil || p.Kind == KindAnonymous }

// ScopePath returns the navigation scope of the principal.
func (p *Principal) ScopePath() string {
	if p == nil || p.BasicPath == "" {
		return "/"
	}
	return p.BasicPath
}

// Anonymous returns the principal used for unauthenticated requests.
func Anonymous() *Principal {
	return &Principal{Kind: KindAnonymous, BasicPath: "/"}
}

// ContextSetPrincipal stores the principal in the context.
func ContextSetPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// ContextGetPrincipal returns the principal if set in the given context.
func ContextGetPrincipal(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// ContextMustGetPrincipal panics if no principal is stored in the context.
// Handlers run behind the auth middleware, which always stores one.
func ContextMustGetPrincipal(ctx context.Context) *Principal {
	p, ok := ContextGetPrincipal(ctx)
	if !ok {
		panic("principal not found in context")
	}
	return p
}

// ContextSetReqID stores the request id in the context.
func ContextSetReqID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, reqIDKey, id)
}

// ContextGetReqID returns the request id if set in the given context.
func ContextGetReqID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(reqIDKey).(string)
	return id, ok
}
