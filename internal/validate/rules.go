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

package validate

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	accountIDPattern  = regexp.MustCompile(`^[0-9]{12}$`)
	strictUUIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	emailLocalPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]{1,64}$`)
	emailHostPattern  = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9\-]{0,61}[A-Za-z0-9])?(?:\.[A-Za-z0-9](?:[A-Za-z0-9\-]{0,61}[A-Za-z0-9])?)+$`)
)

// AccountID reports whether s is a 12-digit account identifier.
func AccountID(s string) bool {
	return accountIDPattern.MatchString(s)
}

// StrictUUID reports whether s is a bare 8-4-4-4-12 hex UUID. Braced, URN
// and un-hyphenated forms are refused because the value ends up in URLs.
func StrictUUID(s string) bool {
	if !strictUUIDPattern.MatchString(s) {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// SafeEmail reports whether s is a plain address without the local-part
// patterns used for header or routing injection.
func SafeEmail(s string) bool {
	if len(s) > 254 || strings.TrimSpace(s) != s {
		return false
	}
	at := strings.IndexByte(s, '@')
	if at <= 0 || at != strings.LastIndexByte(s, '@') {
		return false
	}
	local, host := s[:at], s[at+1:]
	switch {
	case !emailLocalPattern.MatchString(local):
		return false
	case strings.HasPrefix(local, "."), strings.HasSuffix(local, "."):
		return false
	case strings.Contains(local, ".."), strings.Contains(local, "++"):
		return false
	}
	return emailHostPattern.MatchString(host)
}

func registerRules(v *validator.Validate) {
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("accountid", func(fl validator.FieldLevel) bool {
		return AccountID(fl.Field().String())
	})
	_ = v.RegisterValidation("strictuuid", func(fl validator.FieldLevel) bool {
		return StrictUUID(fl.Field().String())
	})
	_ = v.RegisterValidation("safeemail", func(fl validator.FieldLevel) bool {
		return SafeEmail(fl.Field().String())
	})
}
