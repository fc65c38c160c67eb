package commands

import (
	"fmt"
	"strings"
)

// parseParams turns key=value arguments into a parameter map. Bracketed keys
// nest: filter[>ID]=1 becomes {"filter": {">ID": "1"}} and select[]=TITLE
// appends to a list.
func parseParams(args []string) (map[string]any, error) {
	params := make(map[string]any)
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", arg)
		}
		path, err := splitKey(key)
		if err != nil {
			return nil, err
		}
		if err := setParam(params, path, value); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", arg, err)
		}
	}
	return params, nil
}

// splitKey splits "filter[>ID]" into ["filter", ">ID"].
func splitKey(key string) ([]string, error) {
	name, rest, found := strings.Cut(key, "[")
	if name == "" {
		return nil, fmt.Errorf("invalid parameter key %q", key)
	}
	path := []string{name}
	if !found {
		return path, nil
	}

	rest = "[" + rest
	for rest != "" {
		end := strings.IndexByte(rest, ']')
		if rest[0] != '[' || end < 0 {
			return nil, fmt.Errorf("invalid parameter key %q", key)
		}
		path = append(path, rest[1:end])
		rest = rest[end+1:]
	}
	return path, nil
}

func setParam(m map[string]any, path []string, value string) error {
	key := path[0]
	if len(path) == 1 {
		if _, exists := m[key]; exists {
			return fmt.Errorf("%s set more than once", key)
		}
		m[key] = value
		return nil
	}

	// key[] appends
	if path[1] == "" {
		if len(path) > 2 {
			return fmt.Errorf("nested lists are not supported")
		}
		list, ok := m[key].([]any)
		if _, exists := m[key]; exists && !ok {
			return fmt.Errorf("%s is not a list", key)
		}
		m[key] = append(list, value)
		return nil
	}

	child, ok := m[key].(map[string]any)
	if !ok {
		if _, exists := m[key]; exists {
			return fmt.Errorf("%s is not a map", key)
		}
		child = make(map[string]any)
		m[key] = child
	}
	return setParam(child, path[1:], value)
}

// parseBatch reads NAME=METHOD arguments and NAME:key=value parameters.
func parseBatch(args, paramArgs []string) (map[string]string, map[string][]string, error) {
	if len(args) == 0 {
		return nil, nil, fmt.Errorf("missing batch commands")
	}

	commands := make(map[string]string, len(args))
	for _, arg := range args {
		name, method, ok := strings.Cut(arg, "=")
		if !ok || name == "" || method == "" {
			return nil, nil, fmt.Errorf("invalid batch command %q, want NAME=METHOD", arg)
		}
		if _, exists := commands[name]; exists {
			return nil, nil, fmt.Errorf("batch command %q defined more than once", name)
		}
		commands[name] = method
	}

	params := make(map[string][]string)
	for _, arg := range paramArgs {
		name, param, ok := strings.Cut(arg, ":")
		if !ok || name == "" || !strings.Contains(param, "=") {
			return nil, nil, fmt.Errorf("invalid batch parameter %q, want NAME:key=value", arg)
		}
		params[name] = append(params[name], param)
	}

	return commands, params, nil
}
