package formula

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// {{ name }}
	varUsePattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	// {% macro "a" "b" %}, excluding {% if %} blocks which name conditions
	macroPattern = regexp.MustCompile(`\{%\s*([A-Za-z_][A-Za-z0-9_]*)\s+((?:"[^"]*"\s*)+)%\}`)
	macroArg     = regexp.MustCompile(`"([^"]*)"`)
	// {% if condition %}
	conditionUsePattern = regexp.MustCompile(`\{%\s*if\s+(.+?)\s*%\}`)
)

// RenameTemplateVariable rewrites the column references of an action text.
// Only whole {{ old }} tokens and quoted macro arguments equal to old change;
// text that merely contains old is left alone.
func RenameTemplateVariable(text, oldName, newName string) string {
	if text == "" || oldName == newName {
		return text
	}
	text = varUsePattern.ReplaceAllStringFunc(text, func(m string) string {
		name := varUsePattern.FindStringSubmatch(m)[1]
		if name != oldName {
			return m
		}
		return "{{ " + newName + " }}"
	})

	return macroPattern.ReplaceAllStringFunc(text, func(m string) string {
		sub := macroPattern.FindStringSubmatch(m)
		if sub[1] == "if" {
			return m
		}
		args := macroArg.FindAllStringSubmatch(sub[2], -1)
		quoted := make([]string, len(args))
		for i, a := range args {
			v := a[1]
			if v == oldName {
				v = newName
			}
			quoted[i] = strconv.Quote(v)
		}
		return "{% " + sub[1] + " " + strings.Join(quoted, " ") + " %}"
	})
}

// TemplateVariables lists the column names an action text refers to, in
// order of first appearance.
func TemplateVariables(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, m := range varUsePattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range macroPattern.FindAllStringSubmatch(text, -1) {
		if m[1] == "if" {
			continue
		}
		for _, a := range macroArg.FindAllStringSubmatch(m[2], -1) {
			add(a[1])
		}
	}
	return out
}

// TemplateConditions lists the condition names used in {% if %} blocks.
func TemplateConditions(text string) []string {
	var out []string
	for _, m := range conditionUsePattern.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}
