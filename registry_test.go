package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/TangGee/mcp-session"
	"github.com/google/go-cmp/cmp"
)

func noopTool(context.Context, *mcp.Call, json.RawMessage) (mcp.CallToolResult, error) {
	return mcp.CallToolResult{}, nil
}

func noopResource(context.Context, *mcp.Call, string, map[string]string) (mcp.ReadResourceResult, error) {
	return mcp.ReadResourceResult{}, nil
}

func TestRegistryAdd(t *testing.T) {
	reg := mcp.NewRegistry()

	if err := reg.AddTool(mcp.Tool{Name: "a"}, noopTool); err != nil {
		t.Fatalf("failed to add tool: %v", err)
	}

	tests := []struct {
		name string
		add  func() error
	}{
		{"duplicate tool", func() error { return reg.AddTool(mcp.Tool{Name: "a"}, noopTool) }},
		{"empty tool name", func() error { return reg.AddTool(mcp.Tool{}, noopTool) }},
		{"nil tool handler", func() error { return reg.AddTool(mcp.Tool{Name: "b"}, nil) }},
		{"invalid schema", func() error {
			return reg.AddTool(mcp.Tool{Name: "c", InputSchema: json.RawMessage(`{"type":`)}, noopTool)
		}},
		{"nil prompt handler", func() error { return reg.AddPromptHandler(mcp.Prompt{Name: "p"}, nil) }},
		{"nil resource handler", func() error { return reg.AddResource(mcp.Resource{URI: "x://1"}, nil) }},
		{"template without placeholder", func() error {
			return reg.AddResourceTemplate(mcp.ResourceTemplate{URITemplate: "x://fixed"}, noopResource)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.add(); err == nil {
				t.Error("expected an error")
			}
		})
	}

	mustAdd(t, reg.AddPrompt(mcp.Prompt{Name: "p"}, nil))
	if err := reg.AddPrompt(mcp.Prompt{Name: "p"}, nil); err == nil {
		t.Error("expected duplicate prompt to be rejected")
	}
	mustAdd(t, reg.AddResource(mcp.Resource{URI: "x://1"}, noopResource))
	if err := reg.AddResource(mcp.Resource{URI: "x://1"}, noopResource); err == nil {
		t.Error("expected duplicate resource to be rejected")
	}
	mustAdd(t, reg.AddResourceTemplate(mcp.ResourceTemplate{URITemplate: "x://items/{id}"}, noopResource))
	if err := reg.AddResourceTemplate(mcp.ResourceTemplate{URITemplate: "x://items/{id}"}, noopResource); err == nil {
		t.Error("expected duplicate template to be rejected")
	}
}

func TestRegistryOrderAndDefaults(t *testing.T) {
	reg := mcp.NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		mustAdd(t, reg.AddTool(mcp.Tool{Name: name}, noopTool))
	}

	want := []mcp.Tool{
		{Name: "zeta", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "alpha", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "mid", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}
	if diff := cmp.Diff(want, reg.Tools()); diff != "" {
		t.Errorf("tools mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryDeclares(t *testing.T) {
	reg := mcp.NewRegistry()
	for _, kind := range []mcp.CapabilityKind{mcp.CapabilityTools, mcp.CapabilityPrompts, mcp.CapabilityResources, mcp.CapabilitySampling} {
		if reg.Declares(kind) {
			t.Errorf("empty registry must not declare %s", kind)
		}
	}

	mustAdd(t, reg.AddResourceTemplate(mcp.ResourceTemplate{URITemplate: "x://{id}"}, noopResource))
	if !reg.Declares(mcp.CapabilityResources) {
		t.Error("a template alone declares resources")
	}
	if reg.Declares(mcp.CapabilityTools) || reg.Declares(mcp.CapabilityPrompts) {
		t.Error("only resources should be declared")
	}
	if reg.Declares(mcp.CapabilitySampling) {
		t.Error("a registry never declares sampling")
	}
}

func TestRegistryHasResource(t *testing.T) {
	reg := mcp.NewRegistry()
	mustAdd(t, reg.AddResource(mcp.Resource{URI: "file:///etc/motd"}, noopResource))
	mustAdd(t, reg.AddResourceTemplate(mcp.ResourceTemplate{URITemplate: "greeting://{name}"}, noopResource))

	tests := []struct {
		uri  string
		want bool
	}{
		{"file:///etc/motd", true},
		{"file:///etc/passwd", false},
		{"greeting://Ada", true},
		{"greeting://张三", true},
		{"greeting://o'neil", true},
		{"greeting://a/b", false},
		{"farewell://Ada", false},
	}
	for _, tc := range tests {
		t.Run(tc.uri, func(t *testing.T) {
			if got := reg.HasResource(tc.uri); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestRegistryFrozen(t *testing.T) {
	reg := mcp.NewRegistry()
	mustAdd(t, reg.AddTool(mcp.Tool{Name: "a"}, noopTool))
	_ = mcp.NewServer(serverInfo, mcp.NewStdIO(nil, io.Discard), reg)

	if err := reg.AddTool(mcp.Tool{Name: "b"}, noopTool); !errors.Is(err, mcp.ErrRegistryFrozen) {
		t.Errorf("expected ErrRegistryFrozen, got %v", err)
	}
	if err := reg.AddPrompt(mcp.Prompt{Name: "p"}, nil); !errors.Is(err, mcp.ErrRegistryFrozen) {
		t.Errorf("expected ErrRegistryFrozen, got %v", err)
	}
}

func TestInputSchemaFor(t *testing.T) {
	type args struct {
		City  string `json:"city" jsonschema:"the city to look up"`
		Units string `json:"units,omitempty"`
	}
	raw, err := mcp.InputSchemaFor[args]()
	if err != nil {
		t.Fatalf("failed to infer schema: %v", err)
	}

	var got struct {
		Type       string   `json:"type"`
		Required   []string `json:"required"`
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("failed to unmarshal schema: %v", err)
	}
	if got.Type != "object" {
		t.Errorf("expected object schema, got %q", got.Type)
	}
	if diff := cmp.Diff([]string{"city"}, got.Required); diff != "" {
		t.Errorf("required mismatch (-want +got):\n%s", diff)
	}
	if city := got.Properties["city"]; city.Type != "string" || city.Description != "the city to look up" {
		t.Errorf("unexpected city property %+v", city)
	}

	reg := mcp.NewRegistry()
	if err := reg.AddTool(mcp.Tool{Name: "weather", InputSchema: raw}, noopTool); err != nil {
		t.Errorf("inferred schema must compile: %v", err)
	}
}
