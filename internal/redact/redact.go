// Package redact implements structural secret masking applied at the parser
// boundary (spec §4.3). It never runs on the refresh loop's hot path for
// anything beyond a single trace's new records, and it never writes back to
// the source file.
package redact

import (
	"regexp"
)

const defaultReplacement = "[REDACTED]"

// defaultKeyPattern matches object keys considered sensitive regardless of
// their value's shape.
var defaultKeyPattern = regexp.MustCompile(`(?i)(token|key|secret|password|authorization|api[_-]?key|bearer|session[_-]?token|cookie|openai_api_key|anthropic_api_key)`)

// defaultValuePattern matches provider-shaped bearer tokens embedded in
// otherwise-innocuous string values (e.g. inside a shell command preview).
var defaultValuePattern = regexp.MustCompile(`sk-[a-zA-Z0-9_-]{8,}`)

// Filter redacts secrets from parsed transcript content. The zero value is
// ready to use and applies the default patterns.
type Filter struct {
	KeyPattern   *regexp.Regexp
	ValuePattern *regexp.Regexp
	Replacement  string
}

// New builds a Filter from config-supplied pattern strings. Empty strings
// fall back to the built-in defaults.
func New(keyPattern, valuePattern, replacement string) (*Filter, error) {
	f := &Filter{Replacement: replacement}
	if f.Replacement == "" {
		f.Replacement = defaultReplacement
	}
	if keyPattern == "" {
		f.KeyPattern = defaultKeyPattern
	} else {
		re, err := regexp.Compile(keyPattern)
		if err != nil {
			return nil, err
		}
		f.KeyPattern = re
	}
	if valuePattern == "" {
		f.ValuePattern = defaultValuePattern
	} else {
		re, err := regexp.Compile(valuePattern)
		if err != nil {
			return nil, err
		}
		f.ValuePattern = re
	}
	return f, nil
}

// Default returns a Filter using the built-in key and value patterns.
func Default() *Filter {
	f, _ := New("", "", "")
	return f
}

func (f *Filter) pattern() (*regexp.Regexp, *regexp.Regexp, string) {
	key, val, repl := f.KeyPattern, f.ValuePattern, f.Replacement
	if key == nil {
		key = defaultKeyPattern
	}
	if val == nil {
		val = defaultValuePattern
	}
	if repl == "" {
		repl = defaultReplacement
	}
	return key, val, repl
}

// String redacts any provider-shaped secret found anywhere in s, regardless
// of whether s is known to come from a sensitive key.
func (f *Filter) String(s string) string {
	_, val, repl := f.pattern()
	if !val.MatchString(s) {
		return s
	}
	return val.ReplaceAllString(s, repl)
}

// Strings redacts each fragment of a slice of text, used for
// textBlocks-shaped fields. It returns a new slice; fragments are not joined.
func (f *Filter) Strings(blocks []string) []string {
	if len(blocks) == 0 {
		return blocks
	}
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = f.String(b)
	}
	return out
}

// Walk redacts a decoded JSON tree in place (maps/slices/strings), masking
// any string value whose sibling object key matches KeyPattern, and any
// string value (regardless of key) matching ValuePattern. It returns the
// (possibly same, possibly replaced) value so callers can do `raw =
// filter.Walk(raw)`.
func (f *Filter) Walk(v any) any {
	key, val, repl := f.pattern()
	return walk(v, key, val, repl)
}

func walk(v any, keyPattern, valPattern *regexp.Regexp, repl string) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if keyPattern.MatchString(k) {
				if _, ok := child.(string); ok {
					t[k] = repl
					continue
				}
			}
			t[k] = walk(child, keyPattern, valPattern, repl)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = walk(child, keyPattern, valPattern, repl)
		}
		return t
	case string:
		if valPattern.MatchString(t) {
			return valPattern.ReplaceAllString(t, repl)
		}
		return t
	default:
		return v
	}
}

// ContainsSecret reports whether s still contains an unredacted
// provider-shaped token, i.e. whether ValuePattern still matches it.
func (f *Filter) ContainsSecret(s string) bool {
	_, val, _ := f.pattern()
	return val.MatchString(s)
}
