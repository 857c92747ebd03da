package ops

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/holon-app/holon/value"
)

// manifestDescriptor is the on-disk shape of one operation descriptor,
// mirroring the teacher's allow-list YAML persistence (core/rolestmt.go
// neighbors an allow-list file read with yaml.v3). Handlers are not
// serializable and must be attached after loading via
// Registry.AttachHandler.
type manifestDescriptor struct {
	Name            string                       `yaml:"name"`
	DisplayName     string                       `yaml:"display_name"`
	EntityName      string                       `yaml:"entity_name"`
	EntityShortName string                       `yaml:"entity_short_name"`
	IDColumn        string                       `yaml:"id_column"`
	RequiredParams  []manifestParam              `yaml:"required_params"`
	AffectedFields  []string                     `yaml:"affected_fields"`
	ParamMappings   []manifestParamMapping       `yaml:"param_mappings"`
}

type manifestParam struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

type manifestParamMapping struct {
	From     string                 `yaml:"from"`
	Provides []string               `yaml:"provides"`
	Defaults map[string]interface{} `yaml:"defaults"`
}

type manifest struct {
	Operations []manifestDescriptor `yaml:"operations"`
}

func parseParamKind(s string) ParamKind {
	switch s {
	case "integer":
		return ParamInteger
	case "float":
		return ParamFloat
	case "boolean":
		return ParamBoolean
	case "datetime":
		return ParamDateTime
	case "reference":
		return ParamReference
	case "any":
		return ParamAny
	default:
		return ParamString
	}
}

func manifestValue(raw interface{}) value.Value {
	switch v := raw.(type) {
	case nil:
		return value.Null()
	case bool:
		return value.Boolean(v)
	case int:
		return value.Integer(int64(v))
	case int64:
		return value.Integer(v)
	case float64:
		return value.Float(v)
	case string:
		return value.String(v)
	default:
		return value.String(fmt.Sprint(v))
	}
}

// LoadManifest reads an operations.yaml document from r and registers
// every descriptor it describes into reg. Handlers must be wired in
// afterward with AttachHandler, since Go functions cannot round-trip
// through YAML.
func LoadManifest(reg *Registry, r io.Reader) error {
	var m manifest
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("ops: decode manifest: %w", err)
	}
	for _, md := range m.Operations {
		d := Descriptor{
			Name:            md.Name,
			DisplayName:     md.DisplayName,
			EntityName:      md.EntityName,
			EntityShortName: md.EntityShortName,
			IDColumn:        md.IDColumn,
			AffectedFields:  md.AffectedFields,
		}
		for _, p := range md.RequiredParams {
			d.RequiredParams = append(d.RequiredParams, ParamSpec{Name: p.Name, Kind: parseParamKind(p.Kind)})
		}
		for _, pm := range md.ParamMappings {
			mapping := ParamMapping{From: pm.From, Provides: pm.Provides}
			if len(pm.Defaults) > 0 {
				mapping.Defaults = make(map[string]value.Value, len(pm.Defaults))
				for k, v := range pm.Defaults {
					mapping.Defaults[k] = manifestValue(v)
				}
			}
			d.ParamMappings = append(d.ParamMappings, mapping)
		}
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// AttachHandler sets the Handler for an already-registered descriptor,
// used immediately after LoadManifest to wire in the Go closures a YAML
// document cannot carry.
func (r *Registry) AttachHandler(entityName, opName string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byOp, ok := r.ops[entityName]
	if !ok {
		return &ErrUnknownOperation{EntityName: entityName, OpName: opName}
	}
	d, ok := byOp[opName]
	if !ok {
		return &ErrUnknownOperation{EntityName: entityName, OpName: opName}
	}
	d.Handler = h
	byOp[opName] = d
	return nil
}
