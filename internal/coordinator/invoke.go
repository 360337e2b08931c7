package coordinator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ErrUnknownMethod is returned when an instance has no exported method of the given name.
var ErrUnknownMethod = errors.New("unknown method")

// MethodCall is one recorded method invocation.
type MethodCall struct {
	Name   string
	Args   []any
	Kwargs map[string]any
}

// InvokeInstanceMethods replays calls against instance in order. Kwargs are
// applied to a trailing struct, struct pointer or map parameter. If a
// method's last result is a non-nil error, replay stops and it is returned.
func InvokeInstanceMethods(instance any, calls []MethodCall) error {
	v := reflect.ValueOf(instance)
	for _, call := range calls {
		m := v.MethodByName(call.Name)
		if !m.IsValid() {
			return fmt.Errorf("%w: %T.%s", ErrUnknownMethod, instance, call.Name)
		}
		in, err := buildArgs(m.Type(), call)
		if err != nil {
			return fmt.Errorf("%s: %w", call.Name, err)
		}
		out := m.Call(in)
		if n := len(out); n > 0 {
			if err, ok := out[n-1].Interface().(error); ok && err != nil {
				return fmt.Errorf("%s: %w", call.Name, err)
			}
		}
	}
	return nil
}

func buildArgs(mt reflect.Type, call MethodCall) ([]reflect.Value, error) {
	numIn := mt.NumIn()
	positional := numIn
	if len(call.Kwargs) > 0 {
		if numIn == 0 {
			return nil, errors.New("keyword arguments given but method takes none")
		}
		positional--
	}
	variadic := mt.IsVariadic() && len(call.Kwargs) == 0

	switch {
	case variadic && len(call.Args) < positional-1:
		return nil, fmt.Errorf("want at least %d arguments, got %d", positional-1, len(call.Args))
	case !variadic && len(call.Args) != positional:
		return nil, fmt.Errorf("want %d arguments, got %d", positional, len(call.Args))
	}

	in := make([]reflect.Value, 0, len(call.Args)+1)
	for i, a := range call.Args {
		var t reflect.Type
		if variadic && i >= numIn-1 {
			t = mt.In(numIn - 1).Elem()
		} else {
			t = mt.In(i)
		}
		v, err := convertArg(a, t)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in = append(in, v)
	}

	if len(call.Kwargs) > 0 {
		kw, err := buildKwargs(mt.In(numIn-1), call.Kwargs)
		if err != nil {
			return nil, err
		}
		in = append(in, kw)
	}
	return in, nil
}

func convertArg(a any, t reflect.Type) (reflect.Value, error) {
	if a == nil {
		switch t.Kind() {
		case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("nil is not a valid %s", t)
	}
	v := reflect.ValueOf(a)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	if isNumeric(v.Kind()) && isNumeric(t.Kind()) && v.Type().ConvertibleTo(t) {
		return v.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", a, t)
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func buildKwargs(t reflect.Type, kwargs map[string]any) (reflect.Value, error) {
	switch {
	case t.Kind() == reflect.Map && t.Key().Kind() == reflect.String:
		m := reflect.MakeMapWithSize(t, len(kwargs))
		for k, a := range kwargs {
			v, err := convertArg(a, t.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("keyword %q: %w", k, err)
			}
			m.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), v)
		}
		return m, nil
	case t.Kind() == reflect.Struct:
		s := reflect.New(t).Elem()
		if err := setFields(s, kwargs); err != nil {
			return reflect.Value{}, err
		}
		return s, nil
	case t.Kind() == reflect.Ptr && t.Elem().Kind() == reflect.Struct:
		p := reflect.New(t.Elem())
		if err := setFields(p.Elem(), kwargs); err != nil {
			return reflect.Value{}, err
		}
		return p, nil
	}
	return reflect.Value{}, fmt.Errorf("keyword arguments need a trailing struct or map parameter, have %s", t)
}

// setFields matches keys to field names case-insensitively, ignoring underscores.
func setFields(s reflect.Value, kwargs map[string]any) error {
	for k, a := range kwargs {
		want := strings.ReplaceAll(k, "_", "")
		f := s.FieldByNameFunc(func(name string) bool { return strings.EqualFold(name, want) })
		if !f.IsValid() || !f.CanSet() {
			return fmt.Errorf("keyword %q: no such field in %s", k, s.Type())
		}
		v, err := convertArg(a, f.Type())
		if err != nil {
			return fmt.Errorf("keyword %q: %w", k, err)
		}
		f.Set(v)
	}
	return nil
}
