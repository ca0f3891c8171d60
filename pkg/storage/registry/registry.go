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

// Package registry holds the driver type registrations and enforces the
// capability contract on every driver creation.
package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/storage"
)

// NewFunc is the constructor a driver package registers at init time.
// The raw map combines the decrypted credentials with the provider
// specific settings of the storage config.
type NewFunc func(ctx context.Context, m map[string]interface{}) (storage.Driver, error)

// TestFunc probes connectivity with the given config without keeping any
// state around.
type TestFunc func(ctx context.Context, m map[string]interface{}) (*storage.TestReport, error)

// ValidateFunc statically validates a raw config map.
type ValidateFunc func(m map[string]interface{}) *storage.ValidationResult

// Registration declares a driver type: its constructor, its static tester,
// the capability set the instances must satisfy and the config schema the
// admin UI renders.
type Registration struct {
	New          NewFunc
	Test         TestFunc
	Capabilities []storage.Capability
	Schema       []storage.SchemaField
	Validate     ValidateFunc
}

// registrations is only written from package init functions.
var registrations = map[storage.Type]Registration{}

// Register registers a driver type.
// Not safe for concurrent use. Safe for use from package init.
func Register(t storage.Type, r Registration) {
	registrations[t] = r
}

// Get returns the registration for the given type.
func Get(t storage.Type) (Registration, bool) {
	r, ok := registrations[t]
	return r, ok
}

// Types returns the registered driver types, sorted.
func Types() []storage.Type {
	ts := make([]storage.Type, 0, len(registrations))
	for t := range registrations {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	return ts
}

// Create validates the config, instantiates and initializes a driver of
// the given type and asserts its contract. A contract violation is fatal
// and surfaced as such.
func Create(ctx context.Context, t storage.Type, m map[string]interface{}) (storage.Driver, error) {
	r, ok := registrations[t]
	if !ok {
		return nil, errtypes.NotFound(fmt.Sprintf("driver type %q not registered", t))
	}
	if r.Validate != nil {
		if res := r.Validate(m); res != nil && !res.Valid {
			return nil, errtypes.BadRequest(fmt.Sprintf("invalid %s config: %v", t, res.Errors))
		}
	}

	d, err := r.New(ctx, m)
	if err != nil {
		return nil, err
	}
	if err := d.Initialize(ctx); err != nil {
		return nil, err
	}
	if err := CheckContract(t, d, r.Capabilities); err != nil {
		return nil, err
	}
	return d, nil
}

// CheckContract asserts that the driver reports the registered type,
// claims exactly the declared capabilities and implements the methods each
// declared capability requires.
func CheckContract(t storage.Type, d storage.Driver, caps []storage.Capability) error {
	if d.Type() != t {
		return errtypes.DriverContract(fmt.Sprintf("driver reports type %q, registered as %q", d.Type(), t))
	}
	for _, c := range caps {
		if !d.HasCapability(c) {
			return errtypes.DriverContract(fmt.Sprintf("%s: declared capability %s not claimed by instance", t, c))
		}
		if !implementsCapability(d, c) {
			return errtypes.DriverContract(fmt.Sprintf("%s: capability %s declared but methods not implemented", t, c))
		}
	}
	return nil
}

func implementsCapability(d storage.Driver, c storage.Capability) bool {
	switch c {
	case storage.CapReader, storage.CapProxy:
		_, ok := d.(storage.Reader)
		return ok
	case storage.CapWriter:
		_, ok := d.(storage.Writer)
		return ok
	case storage.CapPresigned, storage.CapDirectLink:
		_, ok := d.(storage.Presigner)
		return ok
	case storage.CapMultipart:
		_, ok := d.(storage.Multiparter)
		return ok
	case storage.CapUpstreamHTTP:
		_, ok := d.(storage.UpstreamHTTPer)
		return ok
	case storage.CapAtomic:
		_, ok := d.(storage.Atomicer)
		return ok
	case storage.CapSearch:
		_, ok := d.(storage.Searcher)
		return ok
	}
	return false
}
