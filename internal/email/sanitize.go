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

package email

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// maxStripPasses bounds re-stripping of entity-encoded markup such as
// "&lt;script&gt;", which decodes to a tag on the first pass.
const maxStripPasses = 3

// Sanitize removes all markup from s and returns the remaining text with
// whitespace collapsed. Script and style contents are dropped entirely.
func Sanitize(s string) string {
	for i := 0; i < maxStripPasses; i++ {
		out := stripOnce(s)
		if out == s {
			break
		}
		s = out
	}
	// Anything still shaped like a tag after the passes is removed bluntly.
	s = strings.NewReplacer("<", "", ">", "").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func stripOnce(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var (
		b    strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a malformed tail; either way the text so far stands.
			return b.String()
		case html.StartTagToken:
			if isRawText(z) {
				skip++
			}
		case html.EndTagToken:
			if isRawText(z) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func isRawText(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch atom.Lookup(name) {
	case atom.Script, atom.Style, atom.Iframe, atom.Noscript:
		return true
	}
	return false
}
