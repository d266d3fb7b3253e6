// Copyright (c) 2026 John Earle
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

// Package validate turns raw bus messages into validated events.
//
// Decoding is strict at every level: unknown envelope, detail and reason
// fields are rejected. Failures are reported as a Permanent error listing
// the offending JSON paths. Values are never included because they may
// carry PII.
package validate

import (
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"

	"github.com/ndx/notify/internal/events"
	"github.com/ndx/notify/internal/failure"
)

const op = "validate"

// Validator checks raw events against the per-type schemas.
type Validator struct {
	v *validator.Validate
}

// New creates a Validator with the custom field rules registered.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	registerRules(v)
	return &Validator{v: v}
}

// Validate decodes raw into an Event. Every failure is Permanent.
func (val *Validator) Validate(raw []byte) (*events.Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, failure.Invalid(op, []string{"$"})
	}

	if dup := duplicateKeys(raw); len(dup) > 0 {
		return nil, failure.Invalid(op, dup)
	}

	typ := events.Type(gjson.GetBytes(raw, "detail-type").String())
	if !typ.Known() {
		return nil, failure.Invalid(op, []string{"detail-type"})
	}

	var env events.Envelope
	if err := events.DecodeStrict(raw, &env); err != nil {
		return nil, failure.Invalid(op, decodePaths(err, ""))
	}
	if err := val.v.Struct(&env); err != nil {
		return nil, failure.Invalid(op, structPaths(err, ""))
	}
	if env.DetailType != typ {
		return nil, failure.Invalid(op, []string{"detail-type"})
	}

	detail := events.NewDetail(typ)
	if err := events.DecodeStrict(env.Detail, detail); err != nil {
		return nil, failure.Invalid(op, decodePaths(err, "detail"))
	}
	if err := val.v.Struct(detail); err != nil {
		return nil, failure.Invalid(op, structPaths(err, "detail"))
	}

	return &events.Event{
		ID:      env.ID,
		Time:    env.Time,
		Type:    typ,
		Source:  env.Source,
		Account: env.Account,
		Detail:  detail,
		Raw:     append([]byte(nil), raw...),
	}, nil
}

// structPaths converts validator namespaces ("LeaseFrozenDetail.reason.Variant.comment")
// into JSON paths ("detail.reason.comment").
func structPaths(err error, prefix string) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{join(prefix, "$")}
	}

	seen := make(map[string]bool, len(verrs))
	for _, fe := range verrs {
		parts := strings.Split(fe.Namespace(), ".")
		if len(parts) > 0 {
			parts = parts[1:]
		}
		kept := parts[:0]
		for _, p := range parts {
			if p != "Variant" {
				kept = append(kept, p)
			}
		}
		seen[join(prefix, strings.Join(kept, "."))] = true
	}
	return sortedKeys(seen)
}

// decodePaths extracts a field path from a JSON decode error.
func decodePaths(err error, prefix string) []string {
	var (
		fe *events.FieldError
		te *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &fe):
		path := fe.Path
		if name, ok := unknownField(fe.Err); ok {
			path += "." + name
		}
		return []string{join(prefix, path)}
	case errors.As(err, &te) && te.Field != "":
		return []string{join(prefix, te.Field)}
	}
	if name, ok := unknownField(err); ok {
		return []string{join(prefix, name)}
	}
	if prefix == "" {
		return []string{"$"}
	}
	return []string{prefix}
}

// unknownField pulls the key name out of encoding/json's unknown field
// error. The name is a JSON key, not a value.
func unknownField(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	const marker = `json: unknown field "`
	msg := err.Error()
	i := strings.Index(msg, marker)
	if i < 0 {
		return "", false
	}
	rest := msg[i+len(marker):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return "", false
	}
	return rest[:j], true
}

func join(prefix, path string) string {
	switch {
	case prefix == "":
		return path
	case path == "" || path == "$":
		return prefix
	}
	return prefix + "." + path
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
