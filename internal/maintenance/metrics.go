package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	integrityRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sketchsql_integrity_runs_total",
			Help: "Total number of integrity check runs by status.",
		},
		[]string{"status"},
	)
	integrityObjectsCheckedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sketchsql_integrity_objects_checked_total",
			Help: "Total number of catalogued objects checked by integrity validation.",
		},
	)
	integrityMissingObjectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sketchsql_integrity_missing_objects_total",
			Help: "Total number of missing objects detected by integrity validation.",
		},
	)
	integritySizeMismatchObjectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sketchsql_integrity_size_mismatch_objects_total",
			Help: "Total number of checkpoint blob size mismatches detected by integrity validation.",
		},
	)
	sweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sketchsql_orphan_sweep_runs_total",
			Help: "Total number of orphan sweep runs by status.",
		},
		[]string{"status"},
	)
	sweepObjectsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sketchsql_orphan_objects_deleted_total",
			Help: "Total number of uncatalogued checkpoint blobs deleted by orphan sweeps.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		integrityRunsTotal,
		integrityObjectsCheckedTotal,
		integrityMissingObjectsTotal,
		integritySizeMismatchObjectsTotal,
		sweepRunsTotal,
		sweepObjectsDeletedTotal,
	)
}
