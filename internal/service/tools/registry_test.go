package tools

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/rs/zerolog"
)

func echoTool(name string, handler Handler) Descriptor {
	input := openapi3.NewObjectSchema().WithProperty("q", openapi3.NewStringSchema())
	input.Required = []string{"q"}
	return Descriptor{Name: name, Description: "echo", Input: input, Handler: handler}
}

func newTestRegistry(t *testing.T, timeout time.Duration, tools ...Descriptor) *Registry {
	t.Helper()
	r := NewRegistry(timeout, zerolog.Nop())
	for _, d := range tools {
		if err := r.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}
	return r
}

func TestRegisterRejectsDuplicateAndInvalidNames(t *testing.T) {
	ok := func(context.Context, map[string]any) (Result, error) { return Result{}, nil }
	r := newTestRegistry(t, 0, echoTool("echo", ok))

	if err := r.Register(echoTool("echo", ok)); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := r.Register(echoTool("Bad Name", ok)); err == nil {
		t.Fatal("expected invalid name to fail")
	}
	if got := r.Names(); len(got) != 1 || got[0] != "echo" {
		t.Fatalf("unexpected names: %v", got)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	r := newTestRegistry(t, 0)

	_, err := r.Invoke(context.Background(), "missing", nil)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestInvokeInvalidArgumentsSkipsHandler(t *testing.T) {
	called := false
	r := newTestRegistry(t, 0, echoTool("echo", func(context.Context, map[string]any) (Result, error) {
		called = true
		return Result{}, nil
	}))

	_, err := r.Invoke(context.Background(), "echo", map[string]any{"q": 42})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if called {
		t.Fatal("handler must not run for invalid arguments")
	}

	if _, err := r.Invoke(context.Background(), "echo", map[string]any{}); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for missing required, got %v", err)
	}
}

func TestInvokeTimeoutAbandonsHandler(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	r := newTestRegistry(t, 20*time.Millisecond, echoTool("slow", func(context.Context, map[string]any) (Result, error) {
		<-release // 忽略 ctx，模拟不配合取消的实现
		return Result{Content: "late"}, nil
	}))

	started := time.Now()
	_, err := r.Invoke(context.Background(), "slow", map[string]any{"q": "x"})
	var te *ToolError
	if !errors.As(err, &te) || te.Code != CodeTimeout {
		t.Fatalf("expected timeout ToolError, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("invoke should return promptly, took %s", elapsed)
	}
}

func TestInvokeCancelled(t *testing.T) {
	r := newTestRegistry(t, time.Second, echoTool("wait", func(ctx context.Context, _ map[string]any) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Invoke(ctx, "wait", map[string]any{"q": "x"})
	var te *ToolError
	if !errors.As(err, &te) || te.Code != CodeCancelled {
		t.Fatalf("expected cancelled ToolError, got %v", err)
	}
}

func TestInvokeRecoversPanic(t *testing.T) {
	r := newTestRegistry(t, time.Second, echoTool("boom", func(context.Context, map[string]any) (Result, error) {
		panic("kaboom")
	}))

	_, err := r.Invoke(context.Background(), "boom", map[string]any{"q": "x"})
	var te *ToolError
	if !errors.As(err, &te) || te.Code != CodeProvider {
		t.Fatalf("expected provider ToolError, got %v", err)
	}
}

func TestInvokeOutputSchemaViolation(t *testing.T) {
	d := echoTool("shape", func(context.Context, map[string]any) (Result, error) {
		return Result{Content: "ok", Data: map[string]any{"n": "not-a-number"}}, nil
	})
	out := openapi3.NewObjectSchema().WithProperty("n", openapi3.NewFloat64Schema())
	out.Required = []string{"n"}
	d.Output = out
	r := newTestRegistry(t, time.Second, d)

	_, err := r.Invoke(context.Background(), "shape", map[string]any{"q": "x"})
	var te *ToolError
	if !errors.As(err, &te) || te.Code != CodeInvalidOutput {
		t.Fatalf("expected invalid_output ToolError, got %v", err)
	}
}

func TestFailureEnvelopeUsesSafeMessages(t *testing.T) {
	env := Failure(&ToolError{Tool: "x", Code: CodeTimeout, Err: errors.New("dial tcp 10.0.0.1: i/o timeout")})
	if env.Success || env.Code != "timeout" || env.Error != "工具调用超时" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestWeatherToolAgainstStub(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "Taipei" || r.URL.Query().Get("appid") != "k" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"Taipei","main":{"temp":25.5,"humidity":70},"weather":[{"description":"晴"}]}`))
	}))
	defer srv.Close()

	r := newTestRegistry(t, time.Second)
	if err := RegisterBuiltins(r, WeatherConfig{APIKey: "k", BaseURL: srv.URL}); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	env, err := r.Invoke(context.Background(), "weather_query", map[string]any{"city": "Taipei"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !env.Success || env.Data["city"] != "Taipei" || env.Data["temperature"] != 25.5 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestWeatherToolCityNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"cod":"404","message":"city not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	r := newTestRegistry(t, time.Second, WeatherTool(WeatherConfig{APIKey: "k", BaseURL: srv.URL}))

	_, err := r.Invoke(context.Background(), "weather_query", map[string]any{"city": "Atlantis"})
	var te *ToolError
	if !errors.As(err, &te) || te.Code != CodeProvider || te.Tool != "weather_query" {
		t.Fatalf("expected provider ToolError, got %v", err)
	}
}

func TestWeatherToolRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"name":"Taipei","main":{"temp":20,"humidity":60},"weather":[{"description":"多雲"}]}`))
	}))
	defer srv.Close()

	r := newTestRegistry(t, time.Second, WeatherTool(WeatherConfig{APIKey: "k", BaseURL: srv.URL, Retries: 2, RetryBase: time.Millisecond}))

	env, err := r.Invoke(context.Background(), "weather_query", map[string]any{"city": "Taipei"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !env.Success || env.Data["city"] != "Taipei" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestWeatherToolDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, `{"cod":"404"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	r := newTestRegistry(t, time.Second, WeatherTool(WeatherConfig{APIKey: "k", BaseURL: srv.URL, Retries: 3, RetryBase: time.Millisecond}))

	if _, err := r.Invoke(context.Background(), "weather_query", map[string]any{"city": "Atlantis"}); err == nil {
		t.Fatal("expected error for unknown city")
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", hits.Load())
	}
}

func TestWeatherRetriesBoundedByToolTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "busy", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := newTestRegistry(t, 50*time.Millisecond, WeatherTool(WeatherConfig{APIKey: "k", BaseURL: srv.URL, Retries: 5, RetryBase: 200 * time.Millisecond}))

	started := time.Now()
	_, err := r.Invoke(context.Background(), "weather_query", map[string]any{"city": "Taipei"})
	var te *ToolError
	if !errors.As(err, &te) || te.Code != CodeTimeout {
		t.Fatalf("expected timeout ToolError, got %v", err)
	}
	if took := time.Since(started); took > time.Second {
		t.Fatalf("expected retries to stop at the tool deadline, took %v", took)
	}
}

func TestWeatherRejectsUnsupportedLanguage(t *testing.T) {
	r := newTestRegistry(t, time.Second, WeatherTool(WeatherConfig{APIKey: "k"}))

	err := r.Validate("weather_query", map[string]any{"city": "Taipei", "language": "fr"})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestClockTool(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 4, 0, 0, 0, time.UTC)
	r := newTestRegistry(t, time.Second, ClockTool(func() time.Time { return fixed }))

	env, err := r.Invoke(context.Background(), "local_time", map[string]any{"timezone": "Asia/Taipei"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if env.Data["time"] != "2025-03-01T12:00:00+08:00" {
		t.Fatalf("unexpected time: %v", env.Data["time"])
	}
}

func TestToolInfosMirrorSchemas(t *testing.T) {
	r := newTestRegistry(t, time.Second, WeatherTool(WeatherConfig{}))

	infos := r.ToolInfos()
	if len(infos) != 1 || infos[0].Name != "weather_query" {
		t.Fatalf("unexpected tool infos: %+v", infos)
	}
	if infos[0].ParamsOneOf == nil {
		t.Fatal("expected parameters to be populated")
	}
	params := paramsFromSchema(weatherInputSchema())
	if !params["city"].Required || params["language"].Required {
		t.Fatalf("unexpected required flags: %+v", params)
	}
	if len(params["language"].Enum) != 2 {
		t.Fatalf("expected language enum, got %v", params["language"].Enum)
	}
}
