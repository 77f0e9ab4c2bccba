package mcp

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/yosida95/uritemplate/v3"
)

var promptPlaceholder = regexp.MustCompile(`\{\{(\w+)\}\}`)

// RenderTemplate substitutes every {{key}} token in text with args[key]. Tokens without a
// matching argument are left untouched, so "Hi {{name}}" renders unchanged when name is absent.
// The function is pure: equal inputs always produce equal output.
func RenderTemplate(text string, args map[string]string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return promptPlaceholder.ReplaceAllStringFunc(text, func(token string) string {
		key := token[2 : len(token)-2]
		if v, ok := args[key]; ok {
			return v
		}
		return token
	})
}

// RenderPrompt renders every text content of msgs with RenderTemplate and returns new messages.
func RenderPrompt(msgs []PromptMessage, args map[string]string) []PromptMessage {
	out := make([]PromptMessage, len(msgs))
	for i, msg := range msgs {
		out[i] = msg
		if msg.Content.Type == ContentTypeText {
			out[i].Content.Text = RenderTemplate(msg.Content.Text, args)
		}
	}
	return out
}

type uriTemplate struct {
	tmpl *uritemplate.Template
	// loose matches URIs that carry unencoded characters in simple {var} positions, e.g.
	// greeting://张三. Nil when the template uses operators.
	loose *regexp.Regexp
}

var uriExpression = regexp.MustCompile(`\{([^{}]*)\}`)

func compileURITemplate(raw string) (uriTemplate, error) {
	t, err := uritemplate.New(raw)
	if err != nil {
		return uriTemplate{}, fmt.Errorf("invalid uri template %q: %w", raw, err)
	}
	if len(t.Varnames()) == 0 {
		return uriTemplate{}, fmt.Errorf("uri template %q has no placeholders", raw)
	}
	return uriTemplate{tmpl: t, loose: looseURIPattern(raw)}, nil
}

// looseURIPattern turns a template made only of literals and simple {var} expressions into a
// regexp where each variable captures one path segment.
func looseURIPattern(raw string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	last := 0
	for _, loc := range uriExpression.FindAllStringSubmatchIndex(raw, -1) {
		name := raw[loc[2]:loc[3]]
		if !simpleVarname.MatchString(name) {
			return nil
		}
		b.WriteString(regexp.QuoteMeta(raw[last:loc[0]]))
		b.WriteString("(?P<" + name + ">[^/?#]+)")
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(raw[last:]))
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil
	}
	return re
}

var simpleVarname = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// match reports whether uri belongs to the template and returns its decoded variables.
func (u uriTemplate) match(uri string) (map[string]string, bool) {
	values := u.tmpl.Match(uri)
	if values == nil {
		return u.matchLoose(uri)
	}
	vars := make(map[string]string, len(u.tmpl.Varnames()))
	for _, name := range u.tmpl.Varnames() {
		v := values.Get(name)
		if !v.Valid() {
			continue
		}
		vars[name] = v.String()
	}
	return vars, true
}

func (u uriTemplate) matchLoose(uri string) (map[string]string, bool) {
	if u.loose == nil {
		return nil, false
	}
	m := u.loose.FindStringSubmatch(uri)
	if m == nil {
		return nil, false
	}
	vars := make(map[string]string, len(m)-1)
	for i, name := range u.loose.SubexpNames() {
		if name == "" {
			continue
		}
		v, err := url.PathUnescape(m[i])
		if err != nil {
			v = m[i]
		}
		vars[name] = v
	}
	return vars, true
}
