// Package ops implements the operation dispatcher (C7): a registry of
// operation descriptors populated at startup, candidate resolution under
// an intent filter, execution routed through the owning entity's
// handler, and a bounded undo/redo ring buffer.
package ops

import (
	"github.com/holon-app/holon/render"
	"github.com/holon-app/holon/value"
)

// ParamKind is the declared type of a required operation parameter.
type ParamKind uint8

const (
	ParamString ParamKind = iota
	ParamInteger
	ParamFloat
	ParamBoolean
	ParamDateTime
	ParamReference
	ParamAny
)

// ParamSpec is one required parameter of an operation.
type ParamSpec struct {
	Name string
	Kind ParamKind
}

// ParamMapping declares an intent-carrying source parameter: when a
// caller's parameter bag contains `From`, the values it `Provides` (with
// `Defaults` filling in anything the source parameter doesn't itself
// carry) are considered resolved, and the operation becomes eligible for
// the intent filter (§4.7).
type ParamMapping struct {
	From     string
	Provides []string
	Defaults map[string]value.Value
}

// Handler executes one operation invocation's business logic, producing
// zero or more writes through the cached-source wrapper and (when the
// operation supports undo) an InverseOperation describing how to reverse
// it.
type Handler func(ctx HandlerContext) (HandlerResult, error)

// HandlerResult is a Handler's outcome.
type HandlerResult struct {
	// Inverse, if non-nil, is queued onto the undo ring buffer.
	Inverse *InverseOperation
}

// Descriptor is the full operation descriptor (§3 Operation descriptor).
type Descriptor struct {
	Name            string
	DisplayName     string
	EntityName      string
	EntityShortName string
	IDColumn        string
	RequiredParams  []ParamSpec
	AffectedFields  []string
	ParamMappings   []ParamMapping
	Handler         Handler
}

// ToRender converts a Descriptor into the render package's narrower
// Descriptor shape, used when wiring operations onto render AST nodes.
func (d Descriptor) ToRender() render.Descriptor {
	return render.Descriptor{
		Name:            d.Name,
		DisplayName:     d.DisplayName,
		EntityName:      d.EntityName,
		EntityShortName: d.EntityShortName,
		IDColumn:        d.IDColumn,
		AffectedFields:  append([]string(nil), d.AffectedFields...),
	}
}

// resolvable reports whether every required param of d is present in
// params directly, or can be resolved through a declared ParamMapping.
// It returns the resolved parameter bag (original params plus any values
// supplied by a matching mapping) even when resolution fails, so callers
// can report which required params are still missing. An object-valued
// source param is destructured: each field named in Provides is lifted
// out of the object into the bag, with the mapping's Defaults filling in
// anything the object does not carry.
func (d Descriptor) resolvable(params map[string]value.Value) (map[string]value.Value, bool) {
	resolved := make(map[string]value.Value, len(params))
	for k, v := range params {
		resolved[k] = v
	}
	for _, m := range d.ParamMappings {
		src, present := params[m.From]
		if !present {
			continue
		}
		fields, _ := src.Fields()
		for _, p := range m.Provides {
			if _, ok := resolved[p]; ok {
				continue
			}
			if v, ok := fields[p]; ok {
				resolved[p] = v
				continue
			}
			if def, ok := m.Defaults[p]; ok {
				resolved[p] = def
			}
		}
	}
	ok := true
	for _, rp := range d.RequiredParams {
		if _, have := resolved[rp.Name]; !have {
			ok = false
		}
	}
	return resolved, ok
}

// declaresAny reports whether d declares any of the given keys as a
// ParamMapping.From, i.e. whether d is a candidate under the intent
// filter when the caller's bag contains one of those keys.
func (d Descriptor) declaresAny(keys map[string]bool) bool {
	for _, m := range d.ParamMappings {
		if keys[m.From] {
			return true
		}
	}
	return false
}
