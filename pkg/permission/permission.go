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

// Package permission evaluates access policies against the acting
// principal: required permission bits, a path scope check and an optional
// custom predicate. Admins bypass everything unless a policy opts out.
package permission

import (
	"context"

	"github.com/unistor/unistor/pkg/ctx"
	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/utils"
)

// Permission bits.
const (
	TextShare uint32 = 1 << iota
	TextManage
	FileShare
	FileManage
	MountView
	MountUpload
	MountCopy
	MountRename
	MountDelete
	WebDAVRead
	WebDAVManage
)

// Path check modes.
const (
	// PathModeNavigation allows targets inside the scope and strict
	// ancestors of it, so scoped callers can walk down to their subtree.
	PathModeNavigation = "navigation"
	// PathModeExact requires the target to be inside the scope.
	PathModeExact = "exact"
)

// PathCheck declares how the request path is checked against the
// principal's basic path.
type PathCheck struct {
	Mode string
}

// Policy is a declarative access requirement attached to an operation.
type Policy struct {
	Require   uint32
	PathCheck *PathCheck
	// Predicate is an optional additional check.
	Predicate func(c context.Context, p *ctx.Principal) bool
	// Message is returned to the caller on denial.
	Message string
	// NoAdminBypass makes the policy apply to admins too.
	NoAdminBypass bool
}

// Has reports whether authorities contains every bit of required.
func Has(authorities, required uint32) bool {
	return authorities&required == required
}

// Evaluate checks the policy for the principal acting on path. An empty
// path skips the path check.
func Evaluate(c context.Context, p *ctx.Principal, pol Policy, path string) error {
	if p == nil || p.IsAnonymous() {
		return errtypes.UserRequired("authentication required")
	}
	if p.IsAdmin() && !pol.NoAdminBypass {
		return nil
	}
	if !Has(p.Authorities, pol.Require) {
		return deny(pol, "missing required permission")
	}
	if pol.PathCheck != nil && path != "" {
		ok := false
		switch pol.PathCheck.Mode {
		case PathModeExact:
			ok = utils.IsSelfOrSub(p.ScopePath(), path)
		default:
			ok = utils.CanNavigate(p.ScopePath(), path)
		}
		if !ok {
			return deny(pol, "path outside the allowed scope")
		}
	}
	if pol.Predicate != nil && !pol.Predicate(c, p) {
		return deny(pol, "request denied by policy")
	}
	return nil
}

func deny(pol Policy, fallback string) error {
	if pol.Message != "" {
		return errtypes.PermissionDenied(pol.Message)
	}
	return errtypes.PermissionDenied(fallback)
}
