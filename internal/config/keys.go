package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Keys returns every settable dot-separated key, derived from Config's JSON
// tags. Map entries such as vendor names appear as a "*" segment.
func Keys() []string {
	var out []string
	collectKeys("", reflect.TypeOf(Config{}), &out)
	sort.Strings(out)
	return out
}

func collectKeys(prefix string, t reflect.Type, out *[]string) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				continue
			}
			collectKeys(join(prefix, name), f.Type, out)
		}
	case reflect.Map:
		collectKeys(join(prefix, "*"), t.Elem(), out)
	default:
		*out = append(*out, prefix)
	}
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// CheckKey returns an error unless key names a setting Config knows.
func CheckKey(key string) error {
	parts := strings.Split(key, ".")
	for _, k := range Keys() {
		if matchKey(strings.Split(k, "."), parts) {
			return nil
		}
	}
	return fmt.Errorf("unknown config key: %s", key)
}
