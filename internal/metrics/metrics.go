// Package metrics holds the prometheus collectors of the resolution core.
// They are registered on the controller-runtime registry so a hosting
// manager exposes them without further wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	LibraryScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bindery_library_scan_duration_seconds",
			Help:    "Time taken to scan all configured library locations.",
			Buckets: prometheus.DefBuckets,
		},
	)
	LibraryArtifacts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bindery_library_artifacts",
			Help: "Number of artifacts in the current catalog.",
		},
	)
	LibraryArtifactErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bindery_library_artifact_errors_total",
			Help: "Number of artifacts skipped because their metadata could not be read or parsed.",
		},
		[]string{"driver"},
	)

	MetadataCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bindery_metadata_cache_lookups_total",
			Help: "Artifact metadata lookups by the tier that answered them.",
		},
		[]string{"tier"},
	)

	ResolutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bindery_resolver_resolution_duration_seconds",
			Help:    "Time taken to resolve an assembly.",
			Buckets: prometheus.DefBuckets,
		},
	)
	ResolutionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bindery_resolver_resolutions_total",
			Help: "Number of resolution passes by outcome.",
		},
		[]string{"outcome"},
	)
	CandidatesRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bindery_resolver_candidates_rejected_total",
			Help: "Number of candidate implementations excluded by hard filters.",
		},
	)
	SearchSteps = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bindery_resolver_search_steps",
			Help:    "Number of assignments visited by the joint search of one resolution pass.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)
)

func init() {
	metrics.Registry.MustRegister(
		LibraryScanDuration,
		LibraryArtifacts,
		LibraryArtifactErrorsTotal,
		MetadataCacheLookups,
		ResolutionDuration,
		ResolutionTotal,
		CandidatesRejectedTotal,
		SearchSteps,
	)
}
