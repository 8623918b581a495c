// Package sanitize implements the inbound validation and sanitization
// gates the apply pipeline runs before any remote annotation touches
// the local store: payload shape, size ceilings, tombstone-flood
// detection, HTML cleaning, and selection geometry checks.
package sanitize

import (
	"strconv"
	"strings"
)

// allowedTags is the fixed inline/structural tag set. Anything else is
// stripped together with its content.
var allowedTags = map[string]bool{
	"a": true, "b": true, "strong": true, "i": true, "em": true,
	"u": true, "s": true, "p": true, "br": true, "div": true,
	"span": true, "ul": true, "ol": true, "li": true,
	"blockquote": true, "h1": true, "h2": true, "h3": true,
}

// voidTags never carry content and take no closing tag.
var voidTags = map[string]bool{"br": true}

// allowedProtocols for href values. Checked after entity decoding so
// numeric character references cannot smuggle an executable protocol
// through.
var allowedProtocols = []string{"http:", "https:", "mailto:"}

// allowedStyles maps style properties to their permitted values.
var allowedStyles = map[string]map[string]bool{
	"font-weight":     {"bold": true, "normal": true},
	"font-style":      {"italic": true, "normal": true},
	"text-decoration": {"underline": true, "line-through": true},
}

// HTML sanitizes one HTML fragment in a single character-level pass.
// Disallowed tags are removed together with their entire content;
// event-handler and data attributes are dropped; link protocols are
// allowlisted. The result is always safe to hand to the local store.
func HTML(input string) string {
	var out strings.Builder
	out.Grow(len(input))
	i := 0
	for i < len(input) {
		c := input[i]
		if c != '<' {
			out.WriteByte(c)
			i++
			continue
		}
		// Comments and declarations are dropped whole.
		if strings.HasPrefix(input[i:], "<!--") {
			if end := strings.Index(input[i+4:], "-->"); end >= 0 {
				i += 4 + end + 3
			} else {
				i = len(input)
			}
			continue
		}
		tag, ok := parseTag(input[i:])
		if !ok {
			// Bare '<' that opens no tag is kept as text.
			out.WriteByte(c)
			i++
			continue
		}
		if !allowedTags[tag.name] {
			i += tag.length
			if !tag.closing && !tag.selfClosing {
				i += skipElementContent(input[i:], tag.name)
			}
			continue
		}
		if tag.closing {
			if !voidTags[tag.name] {
				out.WriteString("</" + tag.name + ">")
			}
			i += tag.length
			continue
		}
		out.WriteString(renderTag(tag))
		i += tag.length
	}
	return out.String()
}

type parsedTag struct {
	name        string
	attrs       []attribute
	closing     bool
	selfClosing bool
	length      int
}

type attribute struct {
	name  string
	value string
}

// parseTag reads one tag starting at '<'. Returns ok=false when the
// input is not a well-formed tag open.
func parseTag(s string) (parsedTag, bool) {
	if len(s) < 2 || s[0] != '<' {
		return parsedTag{}, false
	}
	i := 1
	tag := parsedTag{}
	if s[i] == '/' {
		tag.closing = true
		i++
	}
	start := i
	for i < len(s) && (isAlphaNum(s[i])) {
		i++
	}
	if i == start {
		return parsedTag{}, false
	}
	tag.name = strings.ToLower(s[start:i])

	for i < len(s) && s[i] != '>' {
		// Attribute name.
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) || s[i] == '>' {
			break
		}
		if s[i] == '/' {
			tag.selfClosing = true
			i++
			continue
		}
		nameStart := i
		for i < len(s) && s[i] != '=' && s[i] != '>' && !isSpace(s[i]) && s[i] != '/' {
			i++
		}
		attrName := strings.ToLower(s[nameStart:i])
		attrValue := ""
		if i < len(s) && s[i] == '=' {
			i++
			if i < len(s) && (s[i] == '"' || s[i] == '\'') {
				quote := s[i]
				i++
				valStart := i
				for i < len(s) && s[i] != quote {
					i++
				}
				attrValue = s[valStart:i]
				if i < len(s) {
					i++
				}
			} else {
				valStart := i
				for i < len(s) && !isSpace(s[i]) && s[i] != '>' {
					i++
				}
				attrValue = s[valStart:i]
			}
		}
		if attrName != "" {
			tag.attrs = append(tag.attrs, attribute{name: attrName, value: attrValue})
		}
	}
	if i >= len(s) {
		return parsedTag{}, false
	}
	tag.length = i + 1 // include '>'
	return tag, true
}

// skipElementContent returns how many bytes to skip to pass the content
// and closing tag of a stripped element. Nested same-name tags are
// balanced; an unterminated element swallows the rest of the input.
func skipElementContent(s, name string) int {
	depth := 1
	i := 0
	for i < len(s) {
		if s[i] != '<' {
			i++
			continue
		}
		tag, ok := parseTag(s[i:])
		if !ok {
			i++
			continue
		}
		if tag.name == name {
			if tag.closing {
				depth--
				if depth == 0 {
					return i + tag.length
				}
			} else if !tag.selfClosing {
				depth++
			}
		}
		i += tag.length
	}
	return len(s)
}

func renderTag(tag parsedTag) string {
	var out strings.Builder
	out.WriteByte('<')
	out.WriteString(tag.name)
	for _, attr := range tag.attrs {
		value, keep := sanitizeAttribute(tag.name, attr)
		if !keep {
			continue
		}
		out.WriteString(" " + attr.name + `="` + value + `"`)
	}
	if voidTags[tag.name] {
		out.WriteString("/>")
		return out.String()
	}
	out.WriteByte('>')
	return out.String()
}

func sanitizeAttribute(tagName string, attr attribute) (string, bool) {
	if strings.HasPrefix(attr.name, "on") || strings.HasPrefix(attr.name, "data-") {
		return "", false
	}
	switch attr.name {
	case "href":
		if tagName != "a" || !SafeLink(attr.value) {
			return "", false
		}
		// Escape before re-emitting: the value is rendered inside
		// double quotes, and a single-quoted source attribute may
		// legally contain a literal '"'.
		return escapeAttr(attr.value), true
	case "style":
		cleaned := escapeAttr(sanitizeStyle(attr.value))
		return cleaned, cleaned != ""
	case "title":
		return escapeAttr(attr.value), true
	default:
		return "", false
	}
}

// SafeLink reports whether an href carries an allowlisted protocol.
// Character references are decoded and control characters stripped
// first, so `&#x6A;avascript:` does not slip through.
func SafeLink(href string) bool {
	decoded := strings.ToLower(decodeEntities(href))
	var compact strings.Builder
	for _, r := range decoded {
		if r <= ' ' || r == 0x7f {
			continue
		}
		compact.WriteRune(r)
	}
	normalized := compact.String()
	for _, proto := range allowedProtocols {
		if strings.HasPrefix(normalized, proto) {
			return true
		}
	}
	// Relative and fragment links carry no protocol at all.
	return !strings.Contains(normalized, ":")
}

// decodeEntities resolves numeric character references and the handful
// of named entities relevant to protocol obfuscation.
func decodeEntities(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	i := 0
	for i < len(s) {
		if s[i] != '&' {
			out.WriteByte(s[i])
			i++
			continue
		}
		end := strings.IndexByte(s[i:], ';')
		if end < 0 || end > 10 {
			out.WriteByte(s[i])
			i++
			continue
		}
		entity := s[i+1 : i+end]
		replacement, ok := resolveEntity(entity)
		if !ok {
			out.WriteByte(s[i])
			i++
			continue
		}
		out.WriteString(replacement)
		i += end + 1
	}
	return out.String()
}

func resolveEntity(entity string) (string, bool) {
	switch strings.ToLower(entity) {
	case "amp":
		return "&", true
	case "lt":
		return "<", true
	case "gt":
		return ">", true
	case "quot":
		return `"`, true
	case "colon":
		return ":", true
	}
	if !strings.HasPrefix(entity, "#") {
		return "", false
	}
	body := entity[1:]
	base := 10
	if len(body) > 0 && (body[0] == 'x' || body[0] == 'X') {
		base = 16
		body = body[1:]
	}
	code, err := strconv.ParseInt(body, base, 32)
	if err != nil || code < 0 || code > 0x10ffff {
		return "", false
	}
	return string(rune(code)), true
}

func sanitizeStyle(style string) string {
	var kept []string
	for _, decl := range strings.Split(style, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.ToLower(strings.TrimSpace(value))
		values, ok := allowedStyles[name]
		if !ok || !values[value] {
			continue
		}
		kept = append(kept, name+": "+value)
	}
	return strings.Join(kept, "; ")
}

func escapeAttr(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return s
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isAlphaNum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
