// Package config loads CLI options from a TOML file and PROCVISOR_*
// environment variables, watches the file for changes, and reads the
// [[daemons]] array that declares supervised daemons.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/smazurov/procvisor/internal/logging"
)

// EnvPrefix is prepended to every `env` tag when reading overrides.
const EnvPrefix = "PROCVISOR_"

var durationType = reflect.TypeFor[time.Duration]()

// binding ties one struct field to its flag, TOML key and environment name.
type binding struct {
	value reflect.Value
	flag  string
	toml  string
	env   string
}

// LoadConfig fills opts, a pointer to a flat struct, in three layers: the
// TOML file named by its Config field, then EnvPrefix+`env` variables, and
// finally any flag the user set on cmd, which is left untouched. Fields are
// matched to TOML by a dotted `toml` tag and to flags by a `flag` tag or,
// without one, by the kebab-cased field name. A missing file is not an
// error; an unparsable file or value is.
func LoadConfig(opts any, cmd *cobra.Command) error {
	rv := reflect.ValueOf(opts)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: need a pointer to a struct, got %T", opts)
	}
	st := rv.Elem()

	var path string
	if f := st.FieldByName("Config"); f.IsValid() && f.Kind() == reflect.String {
		path = f.String()
	}
	doc, err := readDocument(path)
	if err != nil {
		return err
	}

	for _, b := range bindings(st) {
		if cmd != nil && cmd.Flags().Changed(b.flag) {
			continue
		}
		if raw, ok := lookup(doc, b.toml); ok {
			if err := assign(b.value, raw); err != nil {
				return fmt.Errorf("%s: %s: %w", path, b.toml, err)
			}
		}
		if b.env == "" {
			continue
		}
		name := EnvPrefix + b.env
		if s := os.Getenv(name); s != "" {
			if err := assignString(b.value, s); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return nil
}

func bindings(st reflect.Value) []binding {
	t := st.Type()
	out := make([]binding, 0, t.NumField())
	for i := range t.NumField() {
		sf := t.Field(i)
		b := binding{
			value: st.Field(i),
			toml:  sf.Tag.Get("toml"),
			env:   sf.Tag.Get("env"),
			flag:  sf.Tag.Get("flag"),
		}
		if b.toml == "" && b.env == "" || !sf.IsExported() {
			continue
		}
		if b.flag == "" {
			b.flag = flagName(sf.Name)
		}
		out = append(out, b)
	}
	return out
}

func readDocument(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse TOML config %s: %w", path, err)
	}
	return doc, nil
}

// flagName converts a field name to its flag: "PoolRetryMax" becomes
// "pool-retry-max".
func flagName(field string) string {
	var sb strings.Builder
	for i, r := range field {
		if i > 0 && unicode.IsUpper(r) {
			sb.WriteByte('-')
		}
		sb.WriteRune(unicode.ToLower(r))
	}
	return sb.String()
}

// lookup walks doc along a dotted key such as "daemon.stop_interval".
func lookup(doc map[string]any, key string) (any, bool) {
	if doc == nil || key == "" {
		return nil, false
	}
	node := any(doc)
	for part := range strings.SplitSeq(key, ".") {
		table, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = table[part]; !ok {
			return nil, false
		}
	}
	return node, true
}

// assign stores a decoded TOML value. Durations accept a Go duration string
// or a number of seconds.
func assign(field reflect.Value, raw any) error {
	if field.Type() == durationType {
		switch v := raw.(type) {
		case string:
			return assignString(field, v)
		case int64:
			field.SetInt(v * int64(time.Second))
		case float64:
			field.SetInt(int64(v * float64(time.Second)))
		default:
			return mismatch(field, raw)
		}
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		s, ok := raw.(string)
		if !ok {
			return mismatch(field, raw)
		}
		field.SetString(s)
	case reflect.Bool:
		b, ok := raw.(bool)
		if !ok {
			return mismatch(field, raw)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, ok := raw.(int64)
		if !ok {
			return mismatch(field, raw)
		}
		field.SetInt(n)
	case reflect.Float64:
		switch n := raw.(type) {
		case float64:
			field.SetFloat(n)
		case int64:
			field.SetFloat(float64(n))
		default:
			return mismatch(field, raw)
		}
	case reflect.Slice:
		items, ok := raw.([]any)
		if !ok || field.Type().Elem().Kind() != reflect.String {
			return mismatch(field, raw)
		}
		out := make([]string, 0, len(items))
		for _, it := range items {
			s, ok := it.(string)
			if !ok {
				return fmt.Errorf("list item %v is %T, want string", it, it)
			}
			out = append(out, s)
		}
		field.Set(reflect.ValueOf(out))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// assignString parses an environment value. String slices are comma
// separated.
func assignString(field reflect.Value, s string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported field type %s", field.Type())
		}
		parts := strings.Split(s, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

func mismatch(field reflect.Value, raw any) error {
	return fmt.Errorf("cannot use %T value %v as %s", raw, raw, field.Type())
}

// LoadLoggingConfig returns the [logging] table of the file at path, or the
// defaults when it is missing or unreadable.
func LoadLoggingConfig(path string) logging.Config {
	cfg, _ := ReadLoggingConfig(path)
	return cfg
}

// ReadLoggingConfig reads the [logging] table. "level" and "format" are the
// global settings and every other key is a module level. Errors come back
// alongside the defaults, which suits it as a Watcher loader.
func ReadLoggingConfig(path string) (logging.Config, error) {
	cfg := logging.Config{Level: "info", Format: "text", Modules: map[string]string{}}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var file struct {
		Logging map[string]string `toml:"logging"`
	}
	if err := toml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("failed to parse TOML config %s: %w", path, err)
	}

	for key, value := range file.Logging {
		switch key {
		case "level":
			cfg.Level = value
		case "format":
			cfg.Format = value
		default:
			cfg.Modules[key] = value
		}
	}
	return cfg, nil
}
