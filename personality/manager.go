package personality

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/corvid-ai/agentruntime/telemetry"
)

// PersonalityInstance is an immutable snapshot of a loaded pack. Reloading
// the manager replaces the whole instance in the registry; callers that
// captured an instance at turn start keep using that snapshot even after a
// reload swaps the registry out from under them.
type PersonalityInstance struct {
	ID                 string
	Version            string
	Name               string
	Description        string
	SystemPromptText   string
	Traits             map[string]string
	ToolsModuleRef     string
	AvailableToolNames []string
	DefaultProvider    string
	DefaultModel       string
}

// Manager discovers, validates, and serves personality packs from a
// directory. It is safe for concurrent use; Reload swaps the registry
// atomically via a copy-on-write pointer.
type Manager struct {
	dir      string
	schema   *jsonschema.Schema
	telemetry telemetry.Set

	reloadMu sync.Mutex // serializes concurrent Reload calls

	registry atomicRegistry
}

type atomicRegistry struct {
	mu    sync.RWMutex
	packs map[string]PersonalityInstance
}

func (r *atomicRegistry) swap(packs map[string]PersonalityInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packs = packs
}

func (r *atomicRegistry) snapshot() map[string]PersonalityInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.packs
}

// New constructs a Manager over the given directory and performs an initial
// load. A dir containing no valid packs is not an error; List will simply be
// empty.
func New(ctx context.Context, dir string, set telemetry.Set) (*Manager, error) {
	compiler := jsonschema.NewCompiler()
	var schemaDoc any
	if err := json.Unmarshal([]byte(manifestSchema), &schemaDoc); err != nil {
		return nil, fmt.Errorf("personality: parse manifest schema: %w", err)
	}
	if err := compiler.AddResource("manifest.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("personality: add manifest schema resource: %w", err)
	}
	schema, err := compiler.Compile("manifest.json")
	if err != nil {
		return nil, fmt.Errorf("personality: compile manifest schema: %w", err)
	}

	m := &Manager{dir: dir, schema: schema, telemetry: set}
	if _, _, err := m.load(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// List returns every currently registered pack instance.
func (m *Manager) List() []PersonalityInstance {
	packs := m.registry.snapshot()
	out := make([]PersonalityInstance, 0, len(packs))
	for _, p := range packs {
		out = append(out, p)
	}
	return out
}

// Get returns the pack instance for id, if loaded.
func (m *Manager) Get(id string) (PersonalityInstance, bool) {
	packs := m.registry.snapshot()
	p, ok := packs[id]
	return p, ok
}

// Reload rescans the pack directory and atomically replaces the registry.
// In-flight turns that already captured a PersonalityInstance are
// unaffected: they hold a value, not a pointer into the registry.
func (m *Manager) Reload(ctx context.Context) (loaded int, failedIDs []string, err error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	return m.load(ctx)
}

func (m *Manager) load(ctx context.Context) (loaded int, failedIDs []string, err error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, nil, fmt.Errorf("personality: read pack directory %q: %w", m.dir, err)
	}

	packs := make(map[string]PersonalityInstance, len(entries))
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return loaded, failedIDs, ctx.Err()
		default:
		}
		if !entry.IsDir() {
			continue
		}
		packDir := filepath.Join(m.dir, entry.Name())
		instance, err := m.loadPack(packDir)
		if err != nil {
			failedIDs = append(failedIDs, entry.Name())
			m.telemetry.Logger.Error(ctx, "personality pack failed to load",
				"component", "personality-pack-manager",
				"pack_dir", packDir,
				"err", err,
			)
			m.telemetry.Metrics.IncCounter("personality_pack_load_failures_total", 1, "pack_dir", entry.Name())
			continue
		}
		packs[instance.ID] = instance
		loaded++
	}

	m.registry.swap(packs)
	return loaded, failedIDs, nil
}

func (m *Manager) loadPack(dir string) (PersonalityInstance, error) {
	manifestPath := findManifestFile(dir)
	if manifestPath == "" {
		return PersonalityInstance{}, fmt.Errorf("no manifest.yaml or manifest.json in %q", dir)
	}

	manifest, jsonEquivalent, err := parseManifestFile(manifestPath)
	if err != nil {
		return PersonalityInstance{}, err
	}

	var doc any
	if err := json.Unmarshal(jsonEquivalent, &doc); err != nil {
		return PersonalityInstance{}, fmt.Errorf("decode manifest for validation: %w", err)
	}
	if err := m.schema.Validate(doc); err != nil {
		return PersonalityInstance{}, fmt.Errorf("manifest validation failed: %w", err)
	}

	var systemPrompt string
	if manifest.SystemPromptFile != "" {
		raw, err := os.ReadFile(filepath.Join(dir, manifest.SystemPromptFile))
		if err != nil {
			return PersonalityInstance{}, fmt.Errorf("read system prompt file: %w", err)
		}
		systemPrompt = string(raw)
	}

	return PersonalityInstance{
		ID:                 manifest.ID,
		Version:            manifest.Version,
		Name:               manifest.Name,
		Description:        manifest.Description,
		SystemPromptText:   systemPrompt,
		Traits:             manifest.Traits,
		ToolsModuleRef:     manifest.ToolsModule,
		AvailableToolNames: toolNamesFor(manifest.ID),
		DefaultProvider:    manifest.DefaultProvider,
		DefaultModel:       manifest.DefaultModel,
	}, nil
}

func findManifestFile(dir string) string {
	for _, name := range []string{"manifest.yaml", "manifest.yml", "manifest.json"} {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// ExecuteTool invokes a registered tool for personalityID, recovering from
// panics and translating them into a ToolExecutionError so a misbehaving
// tool cannot take down the process.
func (m *Manager) ExecuteTool(ctx context.Context, personalityID, toolName string, args map[string]any) (result any, metrics ToolMetrics, err error) {
	fn, ok := lookupTool(personalityID, toolName)
	if !ok {
		return nil, ToolMetrics{}, &ErrToolNotFound{PackID: personalityID, Tool: toolName}
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &ToolExecutionError{Tool: toolName, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err = fn(ctx, args)
	metrics = ToolMetrics{LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		return nil, metrics, &ToolExecutionError{Tool: toolName, Err: err}
	}
	return result, metrics, nil
}
