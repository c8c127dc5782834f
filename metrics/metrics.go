package metrics

import (
	"fmt"
	"io"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
)

func PushRows(view, status string, n int) {
	if n <= 0 {
		return
	}
	vm.GetOrCreateCounter(fmt.Sprintf(`fs_push_rows_total{view=%q,status=%q}`, view, status)).Add(n)
}

func OnlineWrites(view string, applied bool, n int) {
	if n <= 0 {
		return
	}
	vm.GetOrCreateCounter(fmt.Sprintf(`fs_online_writes_total{view=%q,applied="%t"}`, view, applied)).Add(n)
}

func OfflineRows(view string, n int) {
	if n <= 0 {
		return
	}
	vm.GetOrCreateCounter(fmt.Sprintf(`fs_offline_rows_total{view=%q}`, view)).Add(n)
}

func MaterializationJob(view, status string) {
	vm.GetOrCreateCounter(fmt.Sprintf(`fs_materialization_jobs_total{view=%q,status=%q}`, view, status)).Inc()
}

func MaterializationDuration(view string, start time.Time) {
	vm.GetOrCreateHistogram(fmt.Sprintf(`fs_materialization_duration_seconds{view=%q}`, view)).UpdateDuration(start)
}

func HistoricalJoin(service string, rows int, start time.Time) {
	vm.GetOrCreateHistogram(fmt.Sprintf(`fs_historical_join_duration_seconds{service=%q}`, service)).UpdateDuration(start)
	vm.GetOrCreateCounter(fmt.Sprintf(`fs_historical_join_rows_total{service=%q}`, service)).Add(rows)
}

func OnlineRead(service string, keys int, start time.Time) {
	vm.GetOrCreateHistogram(fmt.Sprintf(`fs_online_read_duration_seconds{service=%q}`, service)).UpdateDuration(start)
	vm.GetOrCreateCounter(fmt.Sprintf(`fs_online_read_keys_total{service=%q}`, service)).Add(keys)
}

// RegistryVersion records the version of the project last applied.
func RegistryVersion(project string, version int64) {
	vm.GetOrCreateFloatCounter(fmt.Sprintf(`fs_registry_version{project=%q}`, project)).Set(float64(version))
}

// WritePrometheus writes every registered metric in text exposition format.
func WritePrometheus(w io.Writer) {
	vm.WritePrometheus(w, true)
}
