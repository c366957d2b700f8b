package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const (
	eventsMetricName      = "aero_webrtc_signaling_relay_events_total"
	connectionsMetricName = "aero_webrtc_signaling_relay_connections"
)

// GaugeFunc reports point-in-time values keyed by label value. It is called
// once per scrape.
type GaugeFunc func() map[string]int

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// Counters are exported as a single metric with an `event` label. When
// connections is non-nil its values are exported as a gauge with a `state`
// label.
func PrometheusHandler(m *Metrics, connections GaugeFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		snap := m.Snapshot()
		_, _ = fmt.Fprintf(w, "# HELP %s Internal event counters.\n", eventsMetricName)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", eventsMetricName)
		for _, k := range sortedKeys(snap) {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", eventsMetricName, escapeLabel(k), snap[k])
		}

		if connections == nil {
			return
		}
		gauges := connections()
		_, _ = fmt.Fprintf(w, "# HELP %s Live connection records by state.\n", connectionsMetricName)
		_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", connectionsMetricName)
		for _, k := range sortedKeys(gauges) {
			_, _ = fmt.Fprintf(w, "%s{state=\"%s\"} %d\n", connectionsMetricName, escapeLabel(k), gauges[k])
		}
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

func escapeLabel(v string) string {
	return labelEscaper.Replace(v)
}
