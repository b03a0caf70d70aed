package tools

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/schema"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/rs/zerolog"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Result 工具实现的原始输出，Data 需满足输出 schema。
type Result struct {
	Content string
	Data    map[string]any
}

// Handler 工具实现。args 已通过输入 schema 校验。
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Descriptor 描述一个可调用的工具。
type Descriptor struct {
	Name        string
	Description string
	Input       *openapi3.Schema
	Output      *openapi3.Schema
	Timeout     time.Duration
	Handler     Handler
}

// Info 对外展示的工具摘要。
type Info struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Input       *openapi3.Schema `json:"inputSchema"`
	Output      *openapi3.Schema `json:"outputSchema,omitempty"`
}

// Registry 注册后只读，可被多个会话并发使用。
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Descriptor
	timeout time.Duration
	logger  zerolog.Logger
}

func NewRegistry(timeout time.Duration, logger zerolog.Logger) *Registry {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Registry{
		tools:   make(map[string]Descriptor),
		timeout: timeout,
		logger:  logger,
	}
}

func (r *Registry) Register(d Descriptor) error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid tool name %q", d.Name)
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", d.Name)
	}
	if d.Input == nil {
		d.Input = openapi3.NewObjectSchema()
	}
	if d.Input.Type != openapi3.TypeObject {
		return fmt.Errorf("tool %s: input schema must be an object", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("tool %s already registered", d.Name)
	}
	r.tools[d.Name] = d
	return nil
}

func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Names 按字母序返回已注册工具名。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Descriptors() []Info {
	names := r.Names()
	out := make([]Info, 0, len(names))
	for _, name := range names {
		d, _ := r.Lookup(name)
		out = append(out, Info{Name: d.Name, Description: d.Description, Input: d.Input, Output: d.Output})
	}
	return out
}

// Validate 校验工具名与参数。
func (r *Registry) Validate(name string, args map[string]any) error {
	d, ok := r.Lookup(name)
	if !ok {
		return &ValidationError{Tool: name, Reason: "unknown tool"}
	}
	return validateArgs(d, args)
}

func validateArgs(d Descriptor, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	// 统一成 JSON 值类型（数字为 float64）再校验
	normalized, err := normalize(args)
	if err != nil {
		return &ValidationError{Tool: d.Name, Reason: "arguments are not JSON", Err: err}
	}
	if err := d.Input.VisitJSON(normalized); err != nil {
		return &ValidationError{Tool: d.Name, Reason: "arguments do not match input schema", Err: err}
	}
	return nil
}

// Invoke 校验参数后在独立 goroutine 中执行工具；超时或取消时放弃该 goroutine。
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (Envelope, error) {
	d, ok := r.Lookup(name)
	if !ok {
		return Envelope{}, &ValidationError{Tool: name, Reason: "unknown tool"}
	}
	if err := validateArgs(d, args); err != nil {
		return Envelope{}, err
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	started := time.Now()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: &ToolError{Code: CodeProvider, Err: fmt.Errorf("panic: %v", p)}}
			}
		}()
		res, err := d.Handler(callCtx, args)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		out = outcome{err: callCtx.Err()}
	}

	logger := r.logger.With().Str("tool", name).Dur("took", time.Since(started)).Logger()
	if out.err != nil {
		te := classify(name, out.err, callCtx)
		logger.Warn().Err(te.Err).Str("code", string(te.Code)).Msg("tool invocation failed")
		return Envelope{}, te
	}

	if d.Output != nil {
		data, err := normalize(out.result.Data)
		if err == nil {
			err = d.Output.VisitJSON(data)
		}
		if err != nil {
			logger.Warn().Err(err).Msg("tool output failed schema validation")
			return Envelope{}, &ToolError{Tool: name, Code: CodeInvalidOutput, Err: err}
		}
	}

	logger.Debug().Msg("tool invocation succeeded")
	return Envelope{Success: true, Content: out.result.Content, Data: out.result.Data}, nil
}

// ToolInfos 转换为模型可识别的工具定义。
func (r *Registry) ToolInfos() []*schema.ToolInfo {
	names := r.Names()
	infos := make([]*schema.ToolInfo, 0, len(names))
	for _, name := range names {
		d, _ := r.Lookup(name)
		infos = append(infos, &schema.ToolInfo{
			Name:        d.Name,
			Desc:        d.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(paramsFromSchema(d.Input)),
		})
	}
	return infos
}

func paramsFromSchema(s *openapi3.Schema) map[string]*schema.ParameterInfo {
	if s == nil || len(s.Properties) == 0 {
		return map[string]*schema.ParameterInfo{}
	}
	required := make(map[string]bool, len(s.Required))
	for _, name := range s.Required {
		required[name] = true
	}

	params := make(map[string]*schema.ParameterInfo, len(s.Properties))
	for name, ref := range s.Properties {
		if ref == nil || ref.Value == nil {
			continue
		}
		params[name] = paramFromSchema(ref.Value, required[name])
	}
	return params
}

func paramFromSchema(s *openapi3.Schema, required bool) *schema.ParameterInfo {
	p := &schema.ParameterInfo{
		Type:     dataType(s.Type),
		Desc:     s.Description,
		Required: required,
	}
	for _, v := range s.Enum {
		p.Enum = append(p.Enum, fmt.Sprint(v))
	}
	switch s.Type {
	case openapi3.TypeObject:
		p.SubParams = paramsFromSchema(s)
	case openapi3.TypeArray:
		if s.Items != nil && s.Items.Value != nil {
			p.ElemInfo = paramFromSchema(s.Items.Value, false)
		}
	}
	return p
}

func dataType(t string) schema.DataType {
	switch t {
	case openapi3.TypeInteger:
		return schema.Integer
	case openapi3.TypeNumber:
		return schema.Number
	case openapi3.TypeBoolean:
		return schema.Boolean
	case openapi3.TypeArray:
		return schema.Array
	case openapi3.TypeObject:
		return schema.Object
	default:
		return schema.String
	}
}

func normalize(v map[string]any) (any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	raw, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterBuiltins 注册内置工具：weather_query 与 local_time。
func RegisterBuiltins(r *Registry, weather WeatherConfig) error {
	for _, d := range []Descriptor{WeatherTool(weather), ClockTool(nil)} {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}
