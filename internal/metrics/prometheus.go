// Package metrics registers and records Prometheus metrics for the toolkit
// subsystems: process supervision, statistical evaluation, input pre-checks,
// result storage and MQTT notification.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VariantsStarted        prometheus.Counter
	VariantExecutions      *prometheus.CounterVec
	VariantDuration        prometheus.Histogram
	ActiveProcesses        prometheus.Gauge
	QueuedVariants         prometheus.Gauge
	OutputBytes            *prometheus.CounterVec
	KSComputations         *prometheus.CounterVec
	SubTestsEvaluated      prometheus.Counter
	StatisticsOutOfBand    prometheus.Counter
	TestVerdicts           *prometheus.CounterVec
	EvaluationErrors       *prometheus.CounterVec
	StorageWrites          *prometheus.CounterVec
	MQTTPublishes          *prometheus.CounterVec
	MQTTConnected          prometheus.Gauge
	PrecheckFailures       *prometheus.CounterVec
	PrecheckFrequencyRatio prometheus.Histogram
	PrecheckMinEntropy     *prometheus.HistogramVec
	PrecheckDuration       prometheus.Histogram

	metricsMu         sync.RWMutex
	currentRegisterer prometheus.Registerer = prometheus.DefaultRegisterer
)

func init() {
	resetMetrics(prometheus.DefaultRegisterer)
}

// SetRegisterer sets a new registerer and reinitializes all metrics.
// It returns the previous registerer so it can be restored later.
func SetRegisterer(registerer prometheus.Registerer) prometheus.Registerer {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	previous := currentRegisterer

	if currentRegisterer != nil {
		unregisterAll(currentRegisterer)
	}

	currentRegisterer = registerer
	initializeMetrics(registerer)

	return previous
}

// ResetForTesting reconfigures all metric collectors against the provided registerer.
// It unregisters the existing metrics from the previous registerer to prevent
// duplicate registrations when invoked repeatedly.
func ResetForTesting(registerer prometheus.Registerer) {
	resetMetrics(registerer)
}

func resetMetrics(registerer prometheus.Registerer) {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	if currentRegisterer != nil {
		unregisterAll(currentRegisterer)
	}

	currentRegisterer = registerer
	initializeMetrics(registerer)
}

// initializeMetrics creates all metrics using the provided registerer.
// This function must be called while holding metricsMu.
func initializeMetrics(registerer prometheus.Registerer) {
	factory := promauto.With(registerer)

	VariantsStarted = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "rtt_variants_started_total",
			Help: "Total number of variant executions handed to the process runner",
		},
	)

	VariantExecutions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtt_variant_executions_total",
			Help: "Total number of variant executions by terminal status",
		},
		[]string{"status"},
	)

	VariantDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rtt_variant_duration_seconds",
			Help:    "Wall-clock duration of a variant execution",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
	)

	ActiveProcesses = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtt_active_processes",
			Help: "Number of battery processes currently running",
		},
	)

	QueuedVariants = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtt_queued_variants",
			Help: "Number of variants waiting for a free worker slot",
		},
	)

	OutputBytes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtt_output_bytes_total",
			Help: "Total bytes drained from battery processes by stream",
		},
		[]string{"stream"},
	)

	KSComputations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtt_ks_computations_total",
			Help: "Total number of Kolmogorov-Smirnov p-value computations by path (exact, asymptotic)",
		},
		[]string{"path"},
	)

	SubTestsEvaluated = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "rtt_subtests_evaluated_total",
			Help: "Total number of sub-test p-value groups reduced to a statistic",
		},
	)

	StatisticsOutOfBand = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "rtt_statistics_out_of_band_total",
			Help: "Total number of statistics found outside the corrected acceptance band",
		},
	)

	TestVerdicts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtt_test_verdicts_total",
			Help: "Total number of test verdicts by result",
		},
		[]string{"result"},
	)

	EvaluationErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtt_evaluation_errors_total",
			Help: "Total number of tests that could not be evaluated",
		},
		[]string{"reason"},
	)

	StorageWrites = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtt_storage_writes_total",
			Help: "Total number of result tree writes by sink and result",
		},
		[]string{"sink", "result"},
	)

	MQTTPublishes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtt_mqtt_publishes_total",
			Help: "Total number of MQTT result publications by result",
		},
		[]string{"result"},
	)

	MQTTConnected = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtt_mqtt_connection_status",
			Help: "MQTT connection status (1=connected, 0=disconnected)",
		},
	)

	PrecheckFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtt_input_precheck_failures_total",
			Help: "Total number of input pre-check failures by check",
		},
		[]string{"check"},
	)

	PrecheckFrequencyRatio = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rtt_input_precheck_frequency_ratio",
			Help:    "Ratio of ones to total bits in the screened input prefix",
			Buckets: []float64{0.45, 0.48, 0.49, 0.495, 0.5, 0.505, 0.51, 0.52, 0.55},
		},
	)

	PrecheckMinEntropy = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rtt_input_precheck_min_entropy_bits",
			Help:    "Min-entropy estimate of the screened input prefix in bits per byte",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 7.5, 7.8, 7.9, 8},
		},
		[]string{"estimator"},
	)

	PrecheckDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rtt_input_precheck_duration_seconds",
			Help:    "Duration of the input pre-check",
			Buckets: prometheus.DefBuckets,
		},
	)
}

// unregisterAll removes all metrics from the given registerer.
// This function must be called while holding metricsMu.
func unregisterAll(registerer prometheus.Registerer) {
	if VariantsStarted != nil {
		registerer.Unregister(VariantsStarted)
	}
	if VariantExecutions != nil {
		registerer.Unregister(VariantExecutions)
	}
	if VariantDuration != nil {
		registerer.Unregister(VariantDuration)
	}
	if ActiveProcesses != nil {
		registerer.Unregister(ActiveProcesses)
	}
	if QueuedVariants != nil {
		registerer.Unregister(QueuedVariants)
	}
	if OutputBytes != nil {
		registerer.Unregister(OutputBytes)
	}
	if KSComputations != nil {
		registerer.Unregister(KSComputations)
	}
	if SubTestsEvaluated != nil {
		registerer.Unregister(SubTestsEvaluated)
	}
	if StatisticsOutOfBand != nil {
		registerer.Unregister(StatisticsOutOfBand)
	}
	if TestVerdicts != nil {
		registerer.Unregister(TestVerdicts)
	}
	if EvaluationErrors != nil {
		registerer.Unregister(EvaluationErrors)
	}
	if StorageWrites != nil {
		registerer.Unregister(StorageWrites)
	}
	if MQTTPublishes != nil {
		registerer.Unregister(MQTTPublishes)
	}
	if MQTTConnected != nil {
		registerer.Unregister(MQTTConnected)
	}
	if PrecheckFailures != nil {
		registerer.Unregister(PrecheckFailures)
	}
	if PrecheckFrequencyRatio != nil {
		registerer.Unregister(PrecheckFrequencyRatio)
	}
	if PrecheckMinEntropy != nil {
		registerer.Unregister(PrecheckMinEntropy)
	}
	if PrecheckDuration != nil {
		registerer.Unregister(PrecheckDuration)
	}
}

// RecordVariantStarted counts a variant handed to the runner.
func RecordVariantStarted() {
	VariantsStarted.Inc()
}

// RecordVariantFinished records the terminal status and duration of a variant.
func RecordVariantFinished(status string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	VariantExecutions.WithLabelValues(status).Inc()
	VariantDuration.Observe(duration.Seconds())
}

// SetActiveProcesses publishes the number of running battery processes.
func SetActiveProcesses(n int64) {
	ActiveProcesses.Set(float64(n))
}

// SetQueuedVariants publishes the number of variants waiting for a slot.
func SetQueuedVariants(n int64) {
	QueuedVariants.Set(float64(n))
}

// RecordOutputBytes adds drained bytes for stdout or stderr.
func RecordOutputBytes(stream string, n int64) {
	if n <= 0 {
		return
	}
	OutputBytes.WithLabelValues(stream).Add(float64(n))
}

// RecordKSComputation counts one p-value computation by path.
func RecordKSComputation(path string) {
	KSComputations.WithLabelValues(path).Inc()
}

// RecordSubTestEvaluated counts one reduced p-value group.
func RecordSubTestEvaluated() {
	SubTestsEvaluated.Inc()
}

// RecordStatisticOutOfBand counts a statistic rejected by the band check.
func RecordStatisticOutOfBand() {
	StatisticsOutOfBand.Inc()
}

// RecordTestVerdict records the verdict of one test
func RecordTestVerdict(passed bool) {
	if passed {
		TestVerdicts.WithLabelValues("passed").Inc()
	} else {
		TestVerdicts.WithLabelValues("failed").Inc()
	}
}

// RecordEvaluationError records a test without a verdict
func RecordEvaluationError(reason string) {
	EvaluationErrors.WithLabelValues(reason).Inc()
}

// RecordStorageWrite records the outcome of a sink write.
func RecordStorageWrite(sink string, err error) {
	StorageWrites.WithLabelValues(sink, resultLabel(err)).Inc()
}

// RecordMQTTPublish records the outcome of one publication.
func RecordMQTTPublish(err error) {
	MQTTPublishes.WithLabelValues(resultLabel(err)).Inc()
}

// SetMQTTConnected sets the MQTT connection status
func SetMQTTConnected(connected bool) {
	if connected {
		MQTTConnected.Set(1)
	} else {
		MQTTConnected.Set(0)
	}
}

// RecordPrecheckFailure counts a failed input pre-check.
func RecordPrecheckFailure(check string) {
	PrecheckFailures.WithLabelValues(check).Inc()
}

// RecordPrecheckFrequency records the ones ratio of the screened prefix.
func RecordPrecheckFrequency(ratio float64) {
	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}
	PrecheckFrequencyRatio.Observe(ratio)
}

// RecordPrecheckMinEntropy records a min-entropy estimate for estimator.
func RecordPrecheckMinEntropy(estimator string, bits float64) {
	// Clamp to valid range [0.0, 8.0]
	if bits < 0.0 {
		bits = 0.0
	} else if bits > 8.0 {
		bits = 8.0
	}
	PrecheckMinEntropy.WithLabelValues(estimator).Observe(bits)
}

// RecordPrecheckDuration records how long the pre-check took.
func RecordPrecheckDuration(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	PrecheckDuration.Observe(duration.Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
