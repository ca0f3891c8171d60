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

// Package cfg decodes the raw configuration maps of drivers and services
// into typed structs, applying defaults and validating required fields.
package cfg

import (
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/unistor/unistor/pkg/errtypes"
)

var validate = validator.New()

// Setter is the interface a config struct may implement
// to fill in default values after decoding.
type Setter interface {
	ApplyDefaults()
}

// Decode decodes the raw map into c, applies the defaults defined by c
// and validates it against its `validate` struct tags.
func Decode(input map[string]interface{}, c any) error {
	if err := mapstructure.Decode(input, c); err != nil {
		return errors.Wrap(err, "error decoding config")
	}
	if s, ok := c.(Setter); ok {
		s.ApplyDefaults()
	}
	if err := validate.Struct(c); err != nil {
		if _, ok := err.(validator.ValidationErrors); ok {
			return errtypes.BadRequest(err.Error())
		}
		return err
	}
	return nil
}
