package station

// Observer is notified of engine events. Calls happen on the goroutine that
// caused the event, outside the engine's locks; implementations must not
// block for long.
type Observer interface {
	MeasurementPersisted(m Measurement)
	SensorBound(s Sensor)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) MeasurementPersisted(Measurement) {}
func (NopObserver) SensorBound(Sensor)               {}

// Observers fans events out to each member in order.
type Observers []Observer

func (o Observers) MeasurementPersisted(m Measurement) {
	for _, obs := range o {
		obs.MeasurementPersisted(m)
	}
}

func (o Observers) SensorBound(s Sensor) {
	for _, obs := range o {
		obs.SensorBound(s)
	}
}
