package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SagasStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bazaar_sagas_started_total",
		Help: "Sagas started, by saga type.",
	}, []string{"saga_type"})

	SagasCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bazaar_sagas_completed_total",
		Help: "Sagas that reached the completed state, by saga type.",
	}, []string{"saga_type"})

	SagasCompensated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bazaar_sagas_compensated_total",
		Help: "Sagas that finished through the compensation path, by saga type.",
	}, []string{"saga_type"})

	CompensationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bazaar_saga_compensation_failures_total",
		Help: "Step compensations that failed and were left for operator follow-up.",
	}, []string{"saga_type", "step"})

	ReservationsReserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bazaar_reservations_reserved_total",
		Help: "Successful stock reservations.",
	})

	ReservationsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bazaar_reservations_confirmed_total",
		Help: "Reservations confirmed.",
	})

	ReservationsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bazaar_reservations_released_total",
		Help: "Reservations released back to stock.",
	})

	ReservationsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bazaar_reservations_expired_total",
		Help: "Reservations expired by the reaper.",
	})

	InsufficientStock = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bazaar_reservations_insufficient_stock_total",
		Help: "Reserve attempts rejected for insufficient stock.",
	})

	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bazaar_publish_failures_total",
		Help: "Event publishes that exhausted their attempts, by topic.",
	}, []string{"topic"})
)
