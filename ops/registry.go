package ops

import (
	"fmt"
	"sort"
	"sync"

	"github.com/holon-app/holon/render"
	"github.com/holon-app/holon/value"
)

// WildcardEntity selects operations not tied to a specific entity
// (global actions such as sync or undo/redo endpoints, §4.7).
const WildcardEntity = "*"

// Registry is the global, read-mostly-after-startup registry of
// operation descriptors, keyed by (entity_name, op_name). It is
// populated once at startup from the per-entity metadata the code
// generator produces alongside lenses and schemas, mirroring the
// allow-list Registry shape of the teacher's provider registry.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]map[string]Descriptor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]map[string]Descriptor)}
}

// Register adds d to the registry. Re-registering the same
// (EntityName, Name) pair overwrites the previous descriptor — used by
// tests and by manifest reloads during development, never in a running
// subscription's hot path.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("ops: descriptor has empty name")
	}
	if d.EntityName == "" {
		return fmt.Errorf("ops: descriptor %q has empty entity name", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byOp, ok := r.ops[d.EntityName]
	if !ok {
		byOp = make(map[string]Descriptor)
		r.ops[d.EntityName] = byOp
	}
	byOp[d.Name] = d
	return nil
}

// Get looks up one descriptor by entity and operation name.
func (r *Registry) Get(entityName, opName string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.ops[entityName][opName]
	return d, ok
}

// FindOperations returns the candidate operations for entityName given
// the caller's available parameter bag, implementing both required-
// parameter resolution (directly present or resolvable via a declared
// ParamMapping) and the intent filter: if availableParams contains any
// key that appears as some descriptor's ParamMapping.From, only
// descriptors that themselves declare that key are considered —
// preventing accidental matches (§4.7, §8 scenario 3). The wildcard
// entity is exempt from the intent filter (open question #3,
// SPEC_FULL.md).
func (r *Registry) FindOperations(entityName string, availableParams map[string]value.Value) []Descriptor {
	r.mu.RLock()
	byOp := r.ops[entityName]
	descs := make([]Descriptor, 0, len(byOp))
	for _, d := range byOp {
		descs = append(descs, d)
	}
	r.mu.RUnlock()

	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })

	intentKeys := intentCarryingKeys(descs, availableParams)
	exemptFromIntent := entityName == WildcardEntity

	out := make([]Descriptor, 0, len(descs))
	for _, d := range descs {
		if _, ok := d.resolvable(availableParams); !ok {
			continue
		}
		if !exemptFromIntent && len(intentKeys) > 0 && !d.declaresAny(intentKeys) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// intentCarryingKeys returns the subset of availableParams' keys that
// appear as some descriptor's ParamMapping.From — the presence of any
// such key signals a user gesture that should restrict the candidate set
// to operations declaring it.
func intentCarryingKeys(descs []Descriptor, availableParams map[string]value.Value) map[string]bool {
	fromKeys := map[string]bool{}
	for _, d := range descs {
		for _, m := range d.ParamMappings {
			fromKeys[m.From] = true
		}
	}
	out := map[string]bool{}
	for k := range availableParams {
		if fromKeys[k] {
			out[k] = true
		}
	}
	return out
}

// OperationsAffecting implements render.Registry: it returns every
// descriptor registered for entityName whose AffectedFields includes
// field, converted to render.Descriptor, sorted by name for determinism.
func (r *Registry) OperationsAffecting(entityName, field string) []render.Descriptor {
	r.mu.RLock()
	byOp := r.ops[entityName]
	matches := make([]Descriptor, 0, len(byOp))
	for _, d := range byOp {
		for _, af := range d.AffectedFields {
			if af == field {
				matches = append(matches, d)
				break
			}
		}
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })
	out := make([]render.Descriptor, len(matches))
	for i, d := range matches {
		out[i] = d.ToRender()
	}
	return out
}
