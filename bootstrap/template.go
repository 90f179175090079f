package bootstrap

import "regexp"

// placeholderPattern matches {name} placeholders in bootstrap script
// templates.
var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

// Render substitutes {name} placeholders in a script template with the
// given values. Placeholders with no matching value are left verbatim so
// the script fails loudly at execution instead of silently running with an
// empty field.
func Render(template []byte, values map[string]string) []byte {
	return placeholderPattern.ReplaceAllFunc(template, func(match []byte) []byte {
		name := string(match[1 : len(match)-1])
		if value, ok := values[name]; ok {
			return []byte(value)
		}
		return match
	})
}
