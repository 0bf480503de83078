// Package tmpl renders operator-edited text templates against live event
// data. Placeholders use a closed token alphabet of the form {name}; unknown
// tokens pass through verbatim, and replacement values are never re-scanned,
// so substitution is single-pass and non-recursive.
package tmpl

import "strings"

// EventData is the externally supplied run record, read-only per call.
// Recognized keys: gamename, gamecategory, gamesupport, runner, runner2,
// runner3, runner4, commentator, customMessage, imageUrl. Missing keys
// substitute the empty string; unrecognized keys are ignored.
type EventData map[string]string

// runnerKeys in display order; {runners} joins their non-empty values.
var runnerKeys = [4]string{"runner", "runner2", "runner3", "runner4"}

// tokens that substitute directly from EventData. Case-sensitive.
var tokens = map[string]bool{
	"gamename":      true,
	"gamecategory":  true,
	"gamesupport":   true,
	"runner":        true,
	"runner2":       true,
	"runner3":       true,
	"runner4":       true,
	"commentator":   true,
	"customMessage": true,
}

// Runners joins the non-empty runner fields with ", ". The derived value is
// always computed from the original data record, never from rendered text.
func Runners(data EventData) string {
	parts := make([]string, 0, len(runnerKeys))
	for _, k := range runnerKeys {
		if v := data[k]; v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ", ")
}

// Render substitutes every {token} occurrence in template from data. All
// occurrences are replaced; a template with no recognized tokens is returned
// unchanged.
func Render(template string, data EventData) string {
	if !strings.ContainsRune(template, '{') {
		return template
	}
	runners := Runners(data)

	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); {
		open := strings.IndexByte(template[i:], '{')
		if open < 0 {
			b.WriteString(template[i:])
			break
		}
		open += i
		b.WriteString(template[i:open])
		close := strings.IndexByte(template[open:], '}')
		if close < 0 {
			b.WriteString(template[open:])
			break
		}
		close += open
		name := template[open+1 : close]
		if inner := strings.LastIndexByte(name, '{'); inner >= 0 {
			// Stray brace before a real token, e.g. "{foo {runner}":
			// emit the prefix literally and rescan from the inner brace.
			b.WriteString(template[open : open+1+inner])
			i = open + 1 + inner
			continue
		}
		switch {
		case name == "runners":
			b.WriteString(runners)
		case tokens[name]:
			b.WriteString(data[name])
		default:
			// Unknown placeholder passes through untouched.
			b.WriteString(template[open : close+1])
		}
		i = close + 1
	}
	return b.String()
}
