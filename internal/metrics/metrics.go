// Package metrics exposes Prometheus collectors for the tracker.
package metrics

const namespace = "mining_wave"

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
