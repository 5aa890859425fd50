package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PredictionsTotal counts served predictions by model (duration, failure,
// resources, sequence, forecast, anomaly).
var PredictionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "taskmill_analytics_predictions_total",
		Help: "Total number of predictions served, by model",
	},
	[]string{"model"},
)

// PredictionErrors counts recovered prediction failures by model.
var PredictionErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "taskmill_analytics_prediction_errors_total",
		Help: "Total number of prediction failures recovered, by model",
	},
	[]string{"model"},
)

// Training cycle metrics
var (
	TrainingCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmill_analytics_training_cycles_total",
			Help: "Training cycles by result (completed, skipped, failed)",
		},
		[]string{"result"},
	)

	TrainingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskmill_analytics_training_duration_seconds",
			Help:    "Wall time of a full training cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ModelR2 = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmill_analytics_model_r2",
			Help: "Cross-validated R-squared of the committed model",
		},
		[]string{"model"},
	)

	ModelMSE = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmill_analytics_model_mse",
			Help: "Cross-validated mean squared error of the committed model",
		},
		[]string{"model"},
	)
)

// HistoryLength tracks the number of buffered observations.
var HistoryLength = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "taskmill_analytics_history_length",
		Help: "Number of observations currently buffered for training",
	},
)

// AnomaliesFound counts flagged points by detection method.
var AnomaliesFound = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "taskmill_analytics_anomalies_found_total",
		Help: "Anomalous points flagged, by method",
	},
	[]string{"method"},
)

// NotificationsDropped counts notifications discarded on a full channel.
var NotificationsDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "taskmill_analytics_notifications_dropped_total",
		Help: "Notifications dropped because the subscriber channel was full",
	},
)

func init() {
	prometheus.MustRegister(PredictionsTotal, PredictionErrors)
	prometheus.MustRegister(TrainingCycles, TrainingDuration, ModelR2, ModelMSE)
	prometheus.MustRegister(HistoryLength, AnomaliesFound, NotificationsDropped)
}
