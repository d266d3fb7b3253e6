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

package chat

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MaxTextLen is the ceiling for any single text field in a payload.
	MaxTextLen = 2500
	// Placeholder stands in for absent values.
	Placeholder = "(not provided)"
	// ProtocolVersion is stamped into every alert's context block.
	ProtocolVersion = "v1"

	maxLabelLen = 100

	colorCritical = "#d00000"
	colorNormal   = "#ffbf00"
)

// idempotencyNamespace seeds the name-based UUIDs in the context block so
// a receiver can collapse repeated posts of the same alert.
var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:ndx:notify:chat-alert"))

// Priority selects the attachment colour and whether action links render.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityCritical
)

func (p Priority) String() string {
	if p == PriorityCritical {
		return "critical"
	}
	return "normal"
}

// Field is one labelled value in the section block.
type Field struct {
	Label string
	Value string
}

// Link is an action button. Only https links are rendered.
type Link struct {
	Text string
	URL  string
}

// Alert is one operational alert.
type Alert struct {
	Type        string
	AccountID   string
	Priority    Priority
	Details     []Field
	EventID     string
	ActionLinks []Link
}

// Payload is the webhook body.
type Payload struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments"`
}

type Attachment struct {
	Color  string  `json:"color"`
	Blocks []Block `json:"blocks"`
}

// Block is a layout block. Elements holds Text values for context blocks
// and Button values for action blocks.
type Block struct {
	Type     string `json:"type"`
	Text     *Text  `json:"text,omitempty"`
	Fields   []Text `json:"fields,omitempty"`
	Elements []any  `json:"elements,omitempty"`
}

type Text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Button struct {
	Type string `json:"type"`
	Text Text   `json:"text"`
	URL  string `json:"url"`
}

var titles = map[string]string{
	"AccountCleanupFailed":  "Account cleanup failed",
	"AccountQuarantined":    "Account quarantined",
	"AccountDriftDetected":  "Account drift detected",
	"OperationalEscalation": "Notification pipeline escalation",
}

// Builder renders alerts into payloads. The zero value is ready to use.
type Builder struct {
	// Limit overrides MaxTextLen when positive and smaller.
	Limit int
}

func (b Builder) limit() int {
	if b.Limit > 0 && b.Limit < MaxTextLen {
		return b.Limit
	}
	return MaxTextLen
}

// Build renders a. Every dynamic string is escaped and truncated, and
// missing values render as Placeholder.
func (b Builder) Build(a Alert) Payload {
	lim := b.limit()

	title := titles[a.Type]
	if title == "" {
		title = a.Type
	}

	fields := make([]Text, 0, len(a.Details)+1)
	fields = append(fields, b.field("Account", a.AccountID))
	for _, f := range a.Details {
		fields = append(fields, b.field(f.Label, f.Value))
	}

	blocks := []Block{
		{Type: "header", Text: &Text{Type: "plain_text", Text: clip(title, lim)}},
		{Type: "section", Fields: fields},
		{Type: "context", Elements: []any{
			Text{Type: "mrkdwn", Text: clip("Event ID: "+orPlaceholder(a.EventID), lim)},
			Text{Type: "mrkdwn", Text: "protocol " + ProtocolVersion},
			Text{Type: "mrkdwn", Text: "idempotency: " + IdempotencyKey(a)},
		}},
	}

	if a.Priority == PriorityCritical {
		var buttons []any
		for _, l := range a.ActionLinks {
			if !isHTTPS(l.URL) {
				continue
			}
			buttons = append(buttons, Button{
				Type: "button",
				Text: Text{Type: "plain_text", Text: clip(orPlaceholder(l.Text), lim)},
				URL:  l.URL,
			})
		}
		if len(buttons) > 0 {
			blocks = append(blocks, Block{Type: "actions", Elements: buttons})
		}
	}

	color := colorNormal
	if a.Priority == PriorityCritical {
		color = colorCritical
	}

	fallback := fmt.Sprintf("[%s] %s: account %s (event %s)",
		strings.ToUpper(a.Priority.String()), title, orPlaceholder(a.AccountID), orPlaceholder(a.EventID))

	return Payload{
		Text:        clip(fallback, lim),
		Attachments: []Attachment{{Color: color, Blocks: blocks}},
	}
}

func (b Builder) field(label, value string) Text {
	prefix := "*" + clip(label, maxLabelLen) + "*\n"
	room := b.limit() - utf8.RuneCountInString(prefix)
	return Text{Type: "mrkdwn", Text: prefix + clip(orPlaceholder(value), room)}
}

// IdempotencyKey is a name-based UUID over the event id and alert type.
func IdempotencyKey(a Alert) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(a.EventID+"|"+a.Type)).String()
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return Placeholder
	}
	return s
}

// escape replaces the three characters the chat markup reserves.
func escape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

// clip escapes s and truncates it to at most limit runes without splitting
// an entity. Truncated text ends with an ellipsis.
func clip(s string, limit int) string {
	if out := escape(s); utf8.RuneCountInString(out) <= limit {
		return out
	}
	if limit < 1 {
		return ""
	}
	var (
		b strings.Builder
		n int
	)
	for _, r := range s {
		piece := escape(string(r))
		w := utf8.RuneCountInString(piece)
		if n+w > limit-1 {
			break
		}
		b.WriteString(piece)
		n += w
	}
	b.WriteString("…")
	return b.String()
}

func isHTTPS(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme == "https" && u.Host != ""
}
