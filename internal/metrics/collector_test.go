package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector("toolguard", zap.NewNop())

	assert.NotNil(t, collector.Registry())
	assert.NotNil(t, collector.executionsTotal)
	assert.NotNil(t, collector.imageVerifications)

	// 每个实例独立注册，重复创建不会冲突
	assert.NotPanics(t, func() { NewCollector("toolguard", nil) })
}

func TestCollector_RecordExecution(t *testing.T) {
	c := NewCollector("toolguard", zap.NewNop())

	c.RecordExecution("nmap", "sandbox", "SUCCESS", 2*time.Second, false)
	c.RecordExecution("nmap", "sandbox", "SUCCESS", time.Second, true)
	c.RecordExecution("nmap", "", "STEALTH_POLICY_VIOLATION", 0, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("nmap", "sandbox", "SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("nmap", "none", "STEALTH_POLICY_VIOLATION")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outputTruncations.WithLabelValues("nmap")))
	// 未执行的请求不计入耗时直方图
	assert.Equal(t, 1, testutil.CollectAndCount(c.executionDuration))
}

func TestCollector_PoolAndSandbox(t *testing.T) {
	c := NewCollector("toolguard", zap.NewNop())

	c.SetPoolState(4, 3, 7)
	assert.Equal(t, 4.0, testutil.ToFloat64(c.poolCapacity))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.activeExecutions))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.queuedRequests))

	c.RecordImageVerification("nmap", true)
	c.RecordImageVerification("nmap", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.imageVerifications.WithLabelValues("nmap", "mismatch")))

	c.RecordSandboxTransition("RUNNING", "FAILED")
	c.RecordSandboxTeardown(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sandboxTransitions.WithLabelValues("RUNNING", "FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sandboxTeardowns.WithLabelValues("failure")))

	c.RecordPolicyRejection("nmap", "PROXY_VALIDATION_FAILED")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.policyRejections.WithLabelValues("nmap", "PROXY_VALIDATION_FAILED")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := NewCollector("toolguard", zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordExecution("whois", "native", "SUCCESS", 100*time.Millisecond, false)
			c.RecordSandboxTransition("PENDING", "IMAGE_RESOLVING")
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("whois", "native", "SUCCESS")))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("toolguard", zap.NewNop())
	c.RecordExecution("whois", "native", "SUCCESS", time.Second, false)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `toolguard_executions_total{outcome="SUCCESS",runner="native",tool="whois"} 1`))
}
