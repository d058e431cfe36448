package dispatch

import (
	"regexp"
	"strings"
)

// Recipient is one spreadsheet row: field name -> value. One of the fields
// is expected to carry the phone number (see PhoneOf).
type Recipient map[string]string

// placeholderRe matches #name and #{multi word name}. Unicode letters are
// allowed so non-Latin field names work.
var placeholderRe = regexp.MustCompile(`#(?:\{([^}]+)\}|([\p{L}\p{N}_]+))`)

// Render substitutes placeholders from the recipient row. Key matching is
// case-insensitive and ignores spaces and underscores. Placeholders with no
// matching field are left literally in the output.
func Render(template string, row Recipient) string {
	if len(row) == 0 || !strings.Contains(template, "#") {
		return template
	}
	normalized := make(map[string]string, len(row))
	for k, v := range row {
		normalized[normalizeKey(k)] = v
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		key := sub[1]
		if key == "" {
			key = sub[2]
		}
		if v, ok := normalized[normalizeKey(key)]; ok {
			return v
		}
		return m
	})
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	var b strings.Builder
	for _, r := range k {
		if r == ' ' || r == '_' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
