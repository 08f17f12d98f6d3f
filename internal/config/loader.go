package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// envNestSeparator splits environment keys into config tree paths:
// API__API_KEY addresses api.api_key.
const envNestSeparator = "__"

// LoadFile reads a config file into a raw map. Format is chosen by
// extension: .json/.json5 parse as JSON5, everything else as YAML.
func LoadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseRaw(data, path)
}

func parseRaw(data []byte, pathHint string) (map[string]any, error) {
	ext := strings.ToLower(filepath.Ext(pathHint))
	var raw map[string]any
	if ext == ".json" || ext == ".json5" {
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", pathHint, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", pathHint, err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// mergeMaps deep-merges src over dst, returning a new map. Nested maps merge
// recursively; any other value in src replaces the dst value.
func mergeMaps(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		srcMap, srcOK := toStringMap(v)
		dstMap, dstOK := toStringMap(out[k])
		if srcOK && dstOK {
			out[k] = mergeMaps(dstMap, srcMap)
			continue
		}
		out[k] = v
	}
	return out
}

func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		// yaml.v3 can produce interface-keyed maps for odd keys.
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

// envOverlay converts matching environment variables into a raw config map.
// Only keys containing the nesting separator participate; values parse as
// bool, number, then string.
func envOverlay(environ []string) map[string]any {
	out := map[string]any{}
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]
		if !strings.Contains(key, envNestSeparator) {
			continue
		}
		segments := strings.Split(strings.ToLower(key), envNestSeparator)
		clean := segments[:0]
		for _, s := range segments {
			if s != "" {
				clean = append(clean, s)
			}
		}
		if len(clean) < 2 {
			continue
		}
		setPath(out, clean, coerce(value))
	}
	return out
}

func setPath(m map[string]any, path []string, value any) {
	for _, seg := range path[:len(path)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[seg] = next
		}
		m = next
	}
	m[path[len(path)-1]] = value
}

func coerce(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// decode converts a merged raw map into a typed Config layered over base.
func decode(base Config, raw map[string]any) (Config, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return base, fmt.Errorf("encode merged config: %w", err)
	}
	cfg := base
	if err := json.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("decode merged config: %w", err)
	}
	return cfg, nil
}

func marshalIndent(raw map[string]any) ([]byte, error) {
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return append(data, '\n'), nil
}

// rawFromConfig converts a typed Config back into the raw tree form used for
// merging.
func rawFromConfig(c Config) map[string]any {
	data, _ := json.Marshal(c)
	var raw map[string]any
	_ = json.Unmarshal(data, &raw)
	if raw == nil {
		raw = map[string]any{}
	}
	return raw
}
