package monitoring

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoOpMetricsCollector(t *testing.T) {
	collector := &NoOpMetricsCollector{}
	tags := map[string]string{"test": "value"}

	// Should not panic
	collector.IncrementCounter("test_counter", tags)
	collector.SetGauge("test_gauge", 42.5, tags)
	collector.RecordTiming("test_timing", time.Millisecond, tags)
}

func TestInMemoryMetricsCollector_Counters(t *testing.T) {
	collector := NewInMemoryMetricsCollector()
	tags := map[string]string{"backend": "vault", "operation": "encrypt"}

	collector.IncrementCounter("requests", tags)
	collector.IncrementCounter("requests", map[string]string{"operation": "encrypt", "backend": "vault"})

	assert.Equal(t, int64(2), collector.GetCounter("requests", tags))
	assert.Equal(t, int64(0), collector.GetCounter("requests", nil))
}

func TestInMemoryMetricsCollector_Concurrent(t *testing.T) {
	collector := NewInMemoryMetricsCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.IncrementCounter("hits", nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), collector.GetCounter("hits", nil))
}

func TestInMemoryMetricsCollector_GaugesAndTimings(t *testing.T) {
	collector := NewInMemoryMetricsCollector()

	collector.SetGauge("signing.active_keys", 2, nil)
	collector.SetGauge("signing.active_keys", 3, nil)
	collector.RecordTiming("latency", time.Millisecond, nil)
	collector.RecordTiming("latency", 2*time.Millisecond, nil)

	assert.Equal(t, 3.0, collector.GetGauge("signing.active_keys", nil))
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, collector.GetTimings("latency", nil))

	snap := collector.Snapshot()
	assert.Equal(t, 3.0, snap["signing.active_keys"])

	collector.Reset()
	assert.Empty(t, collector.Snapshot())
}

func TestKeyWithTags(t *testing.T) {
	assert.Equal(t, "m", keyWithTags("m", nil))
	assert.Equal(t, "m,a=1,b=2", keyWithTags("m", map[string]string{"b": "2", "a": "1"}))
}
