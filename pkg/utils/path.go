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

package utils

import "strings"

// NormalizePath ensures a leading slash, collapses repeated slashes and
// strips the trailing slash except for the root and when isDir is true.
// It is idempotent.
func NormalizePath(p string, isDir bool) string {
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if p == "/" {
		return p
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		p = "/"
	}
	if isDir && p != "/" {
		p += "/"
	}
	return p
}

// IsSelfOrSub reports whether dst equals src or lives under it.
// Both paths are normalized with forward slashes only.
func IsSelfOrSub(src, dst string) bool {
	src = NormalizePath(src, false)
	dst = NormalizePath(dst, false)
	if src == dst {
		return true
	}
	if src == "/" {
		return true
	}
	return strings.HasPrefix(dst, src+"/")
}

// CanNavigate reports whether a principal scoped to basePath may visit
// target. Navigation is allowed when the target equals the base, is below
// it, or is a strict ancestor of it, so scoped callers can walk down from
// the virtual root to their scope but never sideways.
func CanNavigate(basePath, target string) bool {
	basePath = NormalizePath(basePath, false)
	target = NormalizePath(target, false)
	if basePath == "/" {
		return true
	}
	if IsSelfOrSub(basePath, target) {
		return true
	}
	// strict ancestor of the base
	return strings.HasPrefix(basePath, target+"/") || target == "/"
}

// FirstSegment returns the first path segment of p below prefix, or ""
// when p does not extend prefix.
func FirstSegment(prefix, p string) string {
	prefix = NormalizePath(prefix, false)
	p = NormalizePath(p, false)
	if prefix != "/" {
		if !strings.HasPrefix(p, prefix+"/") {
			return ""
		}
		p = p[len(prefix):]
	}
	p = strings.TrimPrefix(p, "/")
	if i := strings.Index(p, "/"); i >= 0 {
		return p[:i]
	}
	return p
}

// JoinPath joins the elements with single slashes and normalizes the result.
func JoinPath(elems ...string) string {
	return NormalizePath(strings.Join(elems, "/"), false)
}
