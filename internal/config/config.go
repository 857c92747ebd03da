// Package config loads the façade's Init(db_path, config) parameter bag
// through spf13/viper over an spf13/afero filesystem, mirroring the
// teacher's Config/newViperWithDefaults layering (serv/config.go) scaled
// down to the one Map<String,String> spec.md's façade accepts (§4.8,
// §6).
package config

import (
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Recognized keys (§6). Unknown keys are preserved and may be consumed
// by source implementations.
const (
	KeyTodoistAPIKey        = "TODOIST_API_KEY"
	KeyOrgmodeRootDirectory = "ORGMODE_ROOT_DIRECTORY"
)

// Config is the resolved engine configuration: the recognized keys
// surfaced as typed fields, plus the full raw bag (including unrecognized
// keys) for source implementations that consume their own keys directly.
type Config struct {
	TodoistAPIKey        string
	OrgmodeRootDirectory string
	Raw                  map[string]string
}

// Load builds a Config from the caller-supplied Map<String,String>,
// layering it over environment variables of the same recognized keys via
// viper (so deployments can set TODOIST_API_KEY in the environment
// instead of the in-memory map). fs becomes viper's filesystem. Both
// recognized values are only whitespace-trimmed: a relative
// ORGMODE_ROOT_DIRECTORY is kept as given, not resolved against fs.
func Load(raw map[string]string, fs afero.Fs) Config {
	vi := viper.New()
	vi.SetFs(fs)
	vi.AutomaticEnv()

	for k, v := range raw {
		vi.Set(k, v)
	}

	out := Config{Raw: make(map[string]string, len(raw))}
	for k, v := range raw {
		out.Raw[k] = v
	}
	out.TodoistAPIKey = strings.TrimSpace(vi.GetString(KeyTodoistAPIKey))
	out.OrgmodeRootDirectory = strings.TrimSpace(vi.GetString(KeyOrgmodeRootDirectory))
	return out
}

// Get returns a raw config value by key, recognized or not, mirroring the
// "unknown keys are preserved" contract (§6).
func (c Config) Get(key string) (string, bool) {
	v, ok := c.Raw[key]
	return v, ok
}
