// Package toolbus exposes a read-mostly tool invocation surface over the
// Store, modeled on the Model Context Protocol tool-call shape: a tool name
// plus JSON arguments in, a single JSON result out. It is served over two
// transports, stdio and HTTP/SSE, both driven by the same Registry.
package toolbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/bryankemp/network-scanner/internal/db"
	"github.com/bryankemp/network-scanner/internal/orchestrator"
)

// Handler executes one tool call. args is the raw JSON arguments object (may
// be nil/empty for tools that take none); the returned value is marshaled to
// JSON by the transport.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is one named entry in the Registry.
type Tool struct {
	Name        string
	Description string
	Handler     Handler
}

// Descriptor is a Tool without its handler, for tools/list responses.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Registry is the set of tools exposed to MCP clients, backed by the Store,
// the schedule/user repositories, and the orchestrator for the one writer
// tool, start_scan.
type Registry struct {
	store        *orchestrator.Store
	stats        *db.StatsRepository
	schedules    *db.ScheduleRepository
	users        *db.UserRepository
	orchestrator *orchestrator.Orchestrator
	tools        map[string]Tool
}

// NewRegistry builds the registry and registers every tool named in the
// external interface: the read-only set plus start_scan.
func NewRegistry(
	store *orchestrator.Store,
	stats *db.StatsRepository,
	schedules *db.ScheduleRepository,
	users *db.UserRepository,
	orch *orchestrator.Orchestrator,
) *Registry {
	r := &Registry{
		store:        store,
		stats:        stats,
		schedules:    schedules,
		users:        users,
		orchestrator: orch,
		tools:        make(map[string]Tool),
	}
	r.registerTools()
	return r
}

func (r *Registry) register(name, description string, h Handler) {
	r.tools[name] = Tool{Name: name, Description: description, Handler: h}
}

// List returns every registered tool's descriptor, sorted by name.
func (r *Registry) List() []Descriptor {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	descriptors := make([]Descriptor, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		descriptors = append(descriptors, Descriptor{Name: t.Name, Description: t.Description})
	}
	return descriptors
}

// Call invokes a registered tool by name. It returns an error carrying
// ErrUnknownTool if no tool with that name is registered.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return tool.Handler(ctx, args)
}

// ErrUnknownTool is wrapped by Call when name does not match a registered tool.
var ErrUnknownTool = fmt.Errorf("unknown tool")
