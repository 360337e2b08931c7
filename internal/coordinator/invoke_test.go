package coordinator

import (
	"errors"
	"strconv"
	"strings"
	"testing"
)

type recorder struct {
	calls []string
}

type connectOpts struct {
	Timeout int
	Retries int
}

func (r *recorder) Ping() {
	r.calls = append(r.calls, "ping")
}

func (r *recorder) Add(a, b int) int {
	r.calls = append(r.calls, "add")
	return a + b
}

func (r *recorder) Connect(host string, opts connectOpts) {
	r.calls = append(r.calls, host+":"+strconv.Itoa(opts.Timeout)+":"+strconv.Itoa(opts.Retries))
}

func (r *recorder) Tag(labels map[string]any) {
	r.calls = append(r.calls, "tag:"+labels["env"].(string))
}

func (r *recorder) Join(parts ...string) {
	r.calls = append(r.calls, strings.Join(parts, "+"))
}

func (r *recorder) Fail() error {
	return errors.New("nope")
}

func TestInvokeInstanceMethods(t *testing.T) {
	r := &recorder{}
	err := InvokeInstanceMethods(r, []MethodCall{
		{Name: "Ping"},
		{Name: "Add", Args: []any{1, int64(2)}},
		{Name: "Connect", Args: []any{"db"}, Kwargs: map[string]any{"timeout": 5, "Retries": 3}},
		{Name: "Tag", Kwargs: map[string]any{"env": "prod"}},
		{Name: "Join", Args: []any{"a", "b", "c"}},
	})
	if err != nil {
		t.Fatalf("InvokeInstanceMethods: %v", err)
	}

	want := []string{"ping", "add", "db:5:3", "tag:prod", "a+b+c"}
	if strings.Join(r.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", r.calls, want)
	}
}

func TestInvokeInstanceMethodsErrors(t *testing.T) {
	tests := []struct {
		name string
		call MethodCall
		want error
	}{
		{"unknown", MethodCall{Name: "Missing"}, ErrUnknownMethod},
		{"arity", MethodCall{Name: "Add", Args: []any{1}}, nil},
		{"type", MethodCall{Name: "Add", Args: []any{"x", 2}}, nil},
		{"bad kwarg", MethodCall{Name: "Connect", Args: []any{"db"}, Kwargs: map[string]any{"color": "red"}}, nil},
		{"method error", MethodCall{Name: "Fail"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := InvokeInstanceMethods(&recorder{}, []MethodCall{tt.call})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInvokeInstanceMethodsStopsOnError(t *testing.T) {
	r := &recorder{}
	err := InvokeInstanceMethods(r, []MethodCall{{Name: "Fail"}, {Name: "Ping"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(r.calls) != 0 {
		t.Errorf("calls after failure = %v, want none", r.calls)
	}
}
