package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/google/jsonschema-go/jsonschema"
)

// CapabilityKind is the closed set of capability families a session can advertise.
type CapabilityKind int

// ToolHandler runs a tool. args has already been validated against the tool's input schema.
// Business failures belong in CallToolResult.IsError; a returned error is sent to the caller as
// a HandlerFailure unless it is already a tagged JSONRPCError.
type ToolHandler func(ctx context.Context, call *Call, args json.RawMessage) (CallToolResult, error)

// PromptHandler builds the messages of a prompt. Required arguments are checked before it runs.
type PromptHandler func(ctx context.Context, call *Call, args map[string]string) (GetPromptResult, error)

// ResourceHandler produces the contents of a resource. For a templated resource vars holds the
// decoded placeholder values; for a static resource it is empty.
type ResourceHandler func(ctx context.Context, call *Call, uri string, vars map[string]string) (ReadResourceResult, error)

// Registry maps each capability kind to its items. A Registry is filled before it is handed to
// NewServer; after that it is frozen and only read. Use Server.UpdateRegistry to publish a new
// set of items.
type Registry struct {
	tools     map[string]*toolEntry
	toolOrder []string

	prompts     map[string]*promptEntry
	promptOrder []string

	resources     map[string]*resourceEntry
	resourceOrder []string

	templates []*templateEntry

	frozen atomic.Bool
}

type toolEntry struct {
	tool    Tool
	schema  *jsonschema.Resolved
	handler ToolHandler
}

type promptEntry struct {
	prompt   Prompt
	messages []PromptMessage
	handler  PromptHandler
}

type resourceEntry struct {
	resource Resource
	handler  ResourceHandler
}

type templateEntry struct {
	template ResourceTemplate
	uri      uriTemplate
	handler  ResourceHandler
}

// CapabilityKind values.
const (
	CapabilityTools CapabilityKind = iota
	CapabilityPrompts
	CapabilityResources
	CapabilitySampling
)

var defaultInputSchema = json.RawMessage(`{"type":"object"}`)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]*toolEntry),
		prompts:   make(map[string]*promptEntry),
		resources: make(map[string]*resourceEntry),
	}
}

// InputSchemaFor infers a JSON Schema for the arguments struct T. Fields without omitempty are
// required, and a jsonschema struct tag becomes the property description.
func InputSchemaFor[T any]() (json.RawMessage, error) {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("failed to infer schema: %w", err)
	}
	bs, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return bs, nil
}

// AddTool registers a tool. The tool's InputSchema is compiled here, so an invalid schema is
// reported at startup instead of on the first call. An empty schema accepts any object.
func (r *Registry) AddTool(tool Tool, handler ToolHandler) error {
	if err := r.checkAdd(tool.Name, handler != nil); err != nil {
		return err
	}
	if _, ok := r.tools[tool.Name]; ok {
		return fmt.Errorf("tool %q already registered", tool.Name)
	}
	if len(tool.InputSchema) == 0 {
		tool.InputSchema = defaultInputSchema
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
		return fmt.Errorf("tool %q: failed to parse input schema: %w", tool.Name, err)
	}
	// Validation follows the draft the library implements, whatever the declared dialect.
	schema.Schema = ""
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("tool %q: failed to resolve input schema: %w", tool.Name, err)
	}
	r.tools[tool.Name] = &toolEntry{tool: tool, schema: resolved, handler: handler}
	r.toolOrder = append(r.toolOrder, tool.Name)
	return nil
}

// AddPrompt registers a prompt rendered from msgs. Every {{key}} token in the text contents is
// replaced with the argument of that name.
func (r *Registry) AddPrompt(prompt Prompt, msgs []PromptMessage) error {
	return r.addPrompt(prompt, msgs, nil)
}

// AddPromptHandler registers a prompt whose messages are produced by handler.
func (r *Registry) AddPromptHandler(prompt Prompt, handler PromptHandler) error {
	if handler == nil {
		return fmt.Errorf("prompt %q: nil handler", prompt.Name)
	}
	return r.addPrompt(prompt, nil, handler)
}

func (r *Registry) addPrompt(prompt Prompt, msgs []PromptMessage, handler PromptHandler) error {
	if err := r.checkAdd(prompt.Name, true); err != nil {
		return err
	}
	if _, ok := r.prompts[prompt.Name]; ok {
		return fmt.Errorf("prompt %q already registered", prompt.Name)
	}
	r.prompts[prompt.Name] = &promptEntry{prompt: prompt, messages: slices.Clone(msgs), handler: handler}
	r.promptOrder = append(r.promptOrder, prompt.Name)
	return nil
}

// AddResource registers a static resource identified by its URI.
func (r *Registry) AddResource(resource Resource, handler ResourceHandler) error {
	if err := r.checkAdd(resource.URI, handler != nil); err != nil {
		return err
	}
	if _, ok := r.resources[resource.URI]; ok {
		return fmt.Errorf("resource %q already registered", resource.URI)
	}
	r.resources[resource.URI] = &resourceEntry{resource: resource, handler: handler}
	r.resourceOrder = append(r.resourceOrder, resource.URI)
	return nil
}

// AddResourceTemplate registers a family of resources. URIs that match no static resource are
// tried against templates in registration order.
func (r *Registry) AddResourceTemplate(tmpl ResourceTemplate, handler ResourceHandler) error {
	if err := r.checkAdd(tmpl.URITemplate, handler != nil); err != nil {
		return err
	}
	for _, t := range r.templates {
		if t.template.URITemplate == tmpl.URITemplate {
			return fmt.Errorf("resource template %q already registered", tmpl.URITemplate)
		}
	}
	u, err := compileURITemplate(tmpl.URITemplate)
	if err != nil {
		return err
	}
	r.templates = append(r.templates, &templateEntry{template: tmpl, uri: u, handler: handler})
	return nil
}

// Declares reports whether the registry has at least one item of kind. Sampling is a client
// capability and is never declared by a registry.
func (r *Registry) Declares(kind CapabilityKind) bool {
	switch kind {
	case CapabilityTools:
		return len(r.tools) > 0
	case CapabilityPrompts:
		return len(r.prompts) > 0
	case CapabilityResources:
		return len(r.resources) > 0 || len(r.templates) > 0
	case CapabilitySampling:
		return false
	}
	return false
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []Tool {
	tools := make([]Tool, 0, len(r.toolOrder))
	for _, name := range r.toolOrder {
		tools = append(tools, r.tools[name].tool)
	}
	return tools
}

// Prompts returns the registered prompts in registration order.
func (r *Registry) Prompts() []Prompt {
	prompts := make([]Prompt, 0, len(r.promptOrder))
	for _, name := range r.promptOrder {
		prompts = append(prompts, r.prompts[name].prompt)
	}
	return prompts
}

// Resources returns the static resources in registration order.
func (r *Registry) Resources() []Resource {
	resources := make([]Resource, 0, len(r.resourceOrder))
	for _, uri := range r.resourceOrder {
		resources = append(resources, r.resources[uri].resource)
	}
	return resources
}

// ResourceTemplates returns the resource templates in registration order.
func (r *Registry) ResourceTemplates() []ResourceTemplate {
	templates := make([]ResourceTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		templates = append(templates, t.template)
	}
	return templates
}

// HasResource reports whether uri names a static resource or matches a template.
func (r *Registry) HasResource(uri string) bool {
	_, _, ok := r.lookupResource(uri)
	return ok
}

func (r *Registry) freeze() {
	r.frozen.Store(true)
}

func (r *Registry) checkAdd(id string, hasHandler bool) error {
	if r.frozen.Load() {
		return ErrRegistryFrozen
	}
	if id == "" {
		return fmt.Errorf("empty identifier")
	}
	if !hasHandler {
		return fmt.Errorf("%q: nil handler", id)
	}
	return nil
}

func (r *Registry) lookupResource(uri string) (ResourceHandler, map[string]string, bool) {
	if e, ok := r.resources[uri]; ok {
		return e.handler, map[string]string{}, true
	}
	for _, t := range r.templates {
		if vars, ok := t.uri.match(uri); ok {
			return t.handler, vars, true
		}
	}
	return nil, nil, false
}

// validateArgs checks raw tool arguments against the compiled schema. Absent arguments are
// treated as an empty object.
func (e *toolEntry) validateArgs(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, Errorf(TagInvalidParams, "tool %q: arguments are not valid JSON: %v", e.tool.Name, err)
	}
	if err := e.schema.Validate(v); err != nil {
		return nil, Errorf(TagInvalidParams, "tool %q: %v", e.tool.Name, err)
	}
	return raw, nil
}

// missingArg returns the first required argument absent from args, in declaration order.
func (e *promptEntry) missingArg(args map[string]string) (string, bool) {
	for _, arg := range e.prompt.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := args[arg.Name]; !ok {
			return arg.Name, true
		}
	}
	return "", false
}

// withDefaults returns args completed with the declared defaults of absent arguments. Arguments
// without a default stay absent, so their tokens pass through rendering unchanged.
func (e *promptEntry) withDefaults(args map[string]string) map[string]string {
	out := maps.Clone(args)
	for _, arg := range e.prompt.Arguments {
		if arg.Default == "" {
			continue
		}
		if _, ok := out[arg.Name]; ok {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(e.prompt.Arguments))
		}
		out[arg.Name] = arg.Default
	}
	return out
}

// filterPrompts keeps the prompts whose name or description contains filter, ignoring case.
func filterPrompts(prompts []Prompt, filter string) []Prompt {
	if filter == "" {
		return prompts
	}
	filter = strings.ToLower(filter)
	return slices.DeleteFunc(prompts, func(p Prompt) bool {
		return !strings.Contains(strings.ToLower(p.Name), filter) &&
			!strings.Contains(strings.ToLower(p.Description), filter)
	})
}

// sameItems reports whether r and other advertise identical items of kind.
func (r *Registry) sameItems(other *Registry, kind CapabilityKind) bool {
	switch kind {
	case CapabilityTools:
		return slices.EqualFunc(r.Tools(), other.Tools(), func(a, b Tool) bool {
			return a.Name == b.Name && a.Description == b.Description && string(a.InputSchema) == string(b.InputSchema)
		})
	case CapabilityPrompts:
		return slices.EqualFunc(r.Prompts(), other.Prompts(), func(a, b Prompt) bool {
			return a.Name == b.Name && a.Description == b.Description && slices.Equal(a.Arguments, b.Arguments)
		})
	case CapabilityResources:
		return slices.Equal(r.Resources(), other.Resources()) &&
			slices.Equal(r.ResourceTemplates(), other.ResourceTemplates())
	case CapabilitySampling:
		return true
	}
	return true
}

func (k CapabilityKind) String() string {
	switch k {
	case CapabilityTools:
		return "tools"
	case CapabilityPrompts:
		return "prompts"
	case CapabilityResources:
		return "resources"
	case CapabilitySampling:
		return "sampling"
	}
	return fmt.Sprintf("CapabilityKind(%d)", int(k))
}

// listChangedMethod returns the notification announcing a change of kind's item set.
func (k CapabilityKind) listChangedMethod() string {
	switch k {
	case CapabilityTools:
		return MethodNotificationsToolsListChanged
	case CapabilityPrompts:
		return MethodNotificationsPromptsListChanged
	case CapabilityResources:
		return MethodNotificationsResourcesListChanged
	case CapabilitySampling:
		return ""
	}
	return ""
}
