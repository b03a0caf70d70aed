package tools

import (
	"context"
	"errors"
	"fmt"
)

// ValidationError 工具名未知或参数不符合输入 schema，不会发起外部调用。
type ValidationError struct {
	Tool   string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Reason, e.Err)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ErrorCode 工具执行失败的分类。
type ErrorCode string

const (
	CodeTimeout       ErrorCode = "timeout"
	CodeCancelled     ErrorCode = "cancelled"
	CodeProvider      ErrorCode = "provider"
	CodeTransport     ErrorCode = "transport"
	CodeInvalidOutput ErrorCode = "invalid_output"
)

// ToolError 工具执行阶段的失败。
type ToolError struct {
	Tool string
	Code ErrorCode
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed (%s): %v", e.Tool, e.Code, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// ProviderError 由工具实现返回，表示下游服务拒绝了请求。
func ProviderError(err error) error {
	return &ToolError{Code: CodeProvider, Err: err}
}

// TransportError 由工具实现返回，表示网络或协议层失败。
func TransportError(err error) error {
	return &ToolError{Code: CodeTransport, Err: err}
}

// classify 把执行结果映射到 ToolError，已是 ToolError 的补上工具名。
func classify(tool string, err error, ctx context.Context) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		out := *te
		out.Tool = tool
		return &out
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &ToolError{Tool: tool, Code: CodeTimeout, Err: err}
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return &ToolError{Tool: tool, Code: CodeCancelled, Err: err}
	default:
		return &ToolError{Tool: tool, Code: CodeProvider, Err: err}
	}
}

// Envelope 工具结果的统一外形，成功与失败互斥。
type Envelope struct {
	Success bool           `json:"success"`
	Content string         `json:"content,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Code    string         `json:"code,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Failure 把校验或执行错误转换为失败信封，消息为固定安全文本。
func Failure(err error) Envelope {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return Envelope{Code: "invalid_arguments", Error: "工具参数无效"}
	}
	var te *ToolError
	if errors.As(err, &te) {
		return Envelope{Code: string(te.Code), Error: failureMessages[te.Code]}
	}
	return Envelope{Code: string(CodeProvider), Error: failureMessages[CodeProvider]}
}

var failureMessages = map[ErrorCode]string{
	CodeTimeout:       "工具调用超时",
	CodeCancelled:     "工具调用已取消",
	CodeProvider:      "外部服务暂时无法提供结果",
	CodeTransport:     "无法连接外部服务",
	CodeInvalidOutput: "外部服务返回了无法识别的结果",
}
