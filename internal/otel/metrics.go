package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the automation core's metric instruments.
type Metrics struct {
	EventsConsumed     metric.Int64Counter
	DuplicatesDropped  metric.Int64Counter
	InstancesGenerated metric.Int64Counter
	SeriesEnded        metric.Int64Counter
	Deliveries         metric.Int64Counter
	DeliveryRetries    metric.Int64Counter
	DeliveryFailures   metric.Int64Counter
	DeltasBroadcast    metric.Int64Counter
	DeltasReordered    metric.Int64Counter
	DeliveryDuration   metric.Float64Histogram
}

// NewMetrics creates the instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.EventsConsumed, err = meter.Int64Counter("taskmill.events.consumed",
		metric.WithDescription("Task events consumed from the bus")); err != nil {
		return nil, err
	}
	if m.DuplicatesDropped, err = meter.Int64Counter("taskmill.events.duplicates",
		metric.WithDescription("Redelivered events dropped by seen-sets")); err != nil {
		return nil, err
	}
	if m.InstancesGenerated, err = meter.Int64Counter("taskmill.series.instances",
		metric.WithDescription("Recurring task instances generated")); err != nil {
		return nil, err
	}
	if m.SeriesEnded, err = meter.Int64Counter("taskmill.series.ended",
		metric.WithDescription("Series ended at their horizon")); err != nil {
		return nil, err
	}
	if m.Deliveries, err = meter.Int64Counter("taskmill.delivery.sent",
		metric.WithDescription("Successful reminder deliveries")); err != nil {
		return nil, err
	}
	if m.DeliveryRetries, err = meter.Int64Counter("taskmill.delivery.retries",
		metric.WithDescription("Reminder delivery retries")); err != nil {
		return nil, err
	}
	if m.DeliveryFailures, err = meter.Int64Counter("taskmill.delivery.failures",
		metric.WithDescription("Reminders that failed permanently")); err != nil {
		return nil, err
	}
	if m.DeltasBroadcast, err = meter.Int64Counter("taskmill.sync.deltas",
		metric.WithDescription("Deltas broadcast to sync clients")); err != nil {
		return nil, err
	}
	if m.DeltasReordered, err = meter.Int64Counter("taskmill.sync.reordered",
		metric.WithDescription("Deltas delivered past the reorder window")); err != nil {
		return nil, err
	}
	if m.DeliveryDuration, err = meter.Float64Histogram("taskmill.delivery.duration",
		metric.WithDescription("Delivery channel call duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}
