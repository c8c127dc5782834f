package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"fortio.org/assert"
)

func TestWritePrometheus(t *testing.T) {
	PushRows("driver_hourly_stats", "accepted", 3)
	PushRows("driver_hourly_stats", "rejected", 0)
	MaterializationJob("driver_hourly_stats", "succeeded")
	MaterializationDuration("driver_hourly_stats", time.Now())
	RegistryVersion("metrics_test", 1)
	RegistryVersion("other_project", 7)
	RegistryVersion("metrics_test", 3)

	var buf bytes.Buffer
	WritePrometheus(&buf)
	out := buf.String()
	assert.True(t, strings.Contains(out, `fs_push_rows_total{view="driver_hourly_stats",status="accepted"} 3`))
	assert.False(t, strings.Contains(out, `status="rejected"`))
	assert.True(t, strings.Contains(out, `fs_materialization_jobs_total{view="driver_hourly_stats",status="succeeded"} 1`))
	assert.True(t, strings.Contains(out, `fs_registry_version{project="metrics_test"} 3`))
	assert.True(t, strings.Contains(out, `fs_registry_version{project="other_project"} 7`))
}
