// ABOUTME: Bundles the three registries and their JSON entry codecs.
// ABOUTME: Provides construction and startup hydration from the durable store.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opal-labs/opal-gateway/internal/store"
)

// encodeEntry serializes an entry for durable storage.
func encodeEntry(e Entry) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding registry entry: %w", err)
	}
	return raw, nil
}

func decodeTool(raw []byte) (*Tool, error) {
	var t Tool
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeResource(raw []byte) (*Resource, error) {
	var r Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func decodePrompt(raw []byte) (*Prompt, error) {
	var p Prompt
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Registries holds the three keyed stores the dispatcher serves.
type Registries struct {
	Tools     *Registry[*Tool]
	Resources *Registry[*Resource]
	Prompts   *Registry[*Prompt]
}

// NewRegistries creates the three registries over one durable store.
func NewRegistries(st store.Store, logger *slog.Logger) *Registries {
	return &Registries{
		Tools:     New(store.RegistryTools, st, logger, cloneTool),
		Resources: New(store.RegistryResources, st, logger, cloneResource),
		Prompts:   New(store.RegistryPrompts, st, logger, clonePrompt),
	}
}

// Load hydrates all three registries from the durable store.
func (r *Registries) Load(ctx context.Context) error {
	if err := r.Tools.Load(ctx, decodeTool); err != nil {
		return err
	}
	if err := r.Resources.Load(ctx, decodeResource); err != nil {
		return err
	}
	return r.Prompts.Load(ctx, decodePrompt)
}
