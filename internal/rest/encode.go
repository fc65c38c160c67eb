package rest

import (
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// EncodeParams encodes params as a query string, flattening nested maps and
// slices with bracket notation: {"filter": {">ID": 1}, "select": ["TITLE"]}
// becomes filter%5B%3EID%5D=1&select%5B0%5D=TITLE. Keys are sorted, nil values
// are skipped and booleans encode as 1 or 0.
func EncodeParams(params map[string]any) string {
	var pairs []string
	for _, key := range sortedKeys(params) {
		pairs = appendEncoded(pairs, key, reflect.ValueOf(params[key]))
	}
	return strings.Join(pairs, "&")
}

func appendEncoded(pairs []string, key string, v reflect.Value) []string {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return pairs
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return pairs
	}

	switch v.Kind() {
	case reflect.Map:
		keys := make([]string, 0, v.Len())
		byName := make(map[string]reflect.Value, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			name := fmt.Sprint(iter.Key().Interface())
			keys = append(keys, name)
			byName[name] = iter.Value()
		}
		sort.Strings(keys)
		for _, name := range keys {
			pairs = appendEncoded(pairs, key+"["+name+"]", byName[name])
		}
		return pairs
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return append(pairs, url.QueryEscape(key)+"="+url.QueryEscape(string(v.Bytes())))
		}
		for i := range v.Len() {
			pairs = appendEncoded(pairs, key+"["+strconv.Itoa(i)+"]", v.Index(i))
		}
		return pairs
	case reflect.Bool:
		value := "0"
		if v.Bool() {
			value = "1"
		}
		return append(pairs, url.QueryEscape(key)+"="+value)
	default:
		return append(pairs, url.QueryEscape(key)+"="+url.QueryEscape(fmt.Sprint(v.Interface())))
	}
}

// encodeRawParams URL-encodes key=value strings such as "select[]=TITLE" and
// joins them with &.
func encodeRawParams(params []string) string {
	encoded := make([]string, 0, len(params))
	for _, param := range params {
		key, value, hasValue := strings.Cut(param, "=")
		if !hasValue {
			encoded = append(encoded, url.QueryEscape(key))
			continue
		}
		encoded = append(encoded, url.QueryEscape(key)+"="+url.QueryEscape(value))
	}
	return strings.Join(encoded, "&")
}

// appendQuery appends an encoded query to a method string.
func appendQuery(method, query string) string {
	if query == "" {
		return method
	}
	if strings.Contains(method, "?") {
		return method + "&" + query
	}
	return method + "?" + query
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
