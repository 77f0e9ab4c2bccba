package mcp_test

import (
	"testing"

	"github.com/TangGee/mcp-session"
	"github.com/google/go-cmp/cmp"
)

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name string
		text string
		args map[string]string
		want string
	}{
		{"single", "Hi {{name}}", map[string]string{"name": "Ada"}, "Hi Ada"},
		{"repeated", "{{a}}-{{a}}", map[string]string{"a": "x"}, "x-x"},
		{"missing argument", "Hi {{name}}", nil, "Hi {{name}}"},
		{"extra argument", "Hi", map[string]string{"name": "Ada"}, "Hi"},
		{"value with braces", "{{a}} {{b}}", map[string]string{"a": "{{b}}", "b": "B"}, "{{b}} B"},
		{"not a token", "{{ name }} {name}", map[string]string{"name": "Ada"}, "{{ name }} {name}"},
		{"empty value", "[{{v}}]", map[string]string{"v": ""}, "[]"},
		{"unicode", "你好，{{name}}！", map[string]string{"name": "世界"}, "你好，世界！"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := mcp.RenderTemplate(tc.text, tc.args)
			if got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
			// Rendering is pure.
			if again := mcp.RenderTemplate(tc.text, tc.args); again != got {
				t.Errorf("second render differs: %q vs %q", again, got)
			}
		})
	}
}

func TestRenderPrompt(t *testing.T) {
	msgs := []mcp.PromptMessage{
		{Role: mcp.RoleUser, Content: mcp.Content{Type: mcp.ContentTypeText, Text: "Review {{lang}}"}},
		{Role: mcp.RoleAssistant, Content: mcp.Content{Type: mcp.ContentTypeImage, Data: "{{lang}}", MimeType: "image/png"}},
	}
	got := mcp.RenderPrompt(msgs, map[string]string{"lang": "go"})
	want := []mcp.PromptMessage{
		{Role: mcp.RoleUser, Content: mcp.Content{Type: mcp.ContentTypeText, Text: "Review go"}},
		{Role: mcp.RoleAssistant, Content: mcp.Content{Type: mcp.ContentTypeImage, Data: "{{lang}}", MimeType: "image/png"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	if msgs[0].Content.Text != "Review {{lang}}" {
		t.Error("RenderPrompt must not modify its input")
	}
}
