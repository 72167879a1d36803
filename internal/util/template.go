package util

import "regexp"

// Placeholders look like {{name}}; whitespace inside the braces is fine.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// RenderTemplate replaces every {{var}} occurrence with its mapped value.
// Unknown variables render as empty strings, never as an error, and the
// substituted values are not re-expanded.
func RenderTemplate(input string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(input, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		return vars[key]
	})
}
