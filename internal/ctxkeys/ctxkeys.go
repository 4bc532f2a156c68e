package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	toolKey      contextKey = "tool"
)

// WithRequestID 设置执行请求 ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 获取执行请求 ID
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithTool 设置当前执行的工具名
func WithTool(ctx context.Context, tool string) context.Context {
	return context.WithValue(ctx, toolKey, tool)
}

// Tool 获取当前执行的工具名
func Tool(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(toolKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
