package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, ok := RequestID(ctx)
	assert.False(t, ok)

	ctx = WithTool(WithRequestID(ctx, "req-1"), "subfinder")
	id, ok := RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-1", id)

	tool, ok := Tool(ctx)
	assert.True(t, ok)
	assert.Equal(t, "subfinder", tool)

	_, ok = RequestID(WithRequestID(context.Background(), ""))
	assert.False(t, ok)
}
