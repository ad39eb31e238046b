package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for pool telemetry, following namespace.attribute_name.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrPoolName    = attribute.Key("pool.name")
	AttrReason      = attribute.Key("reason")
	AttrState       = attribute.Key("state")
)

// Instrument names.
const (
	MetricAcquireDuration = "pool.acquire.duration"
	MetricAcquired        = "pool.acquired"
	MetricReleased        = "pool.released"
	MetricManufactured    = "pool.manufactured"
	MetricRetired         = "pool.retired"
	MetricExhausted       = "pool.exhausted"
	MetricInvalidRelease  = "pool.invalid_release"
	MetricInstances       = "pool.instances"
	MetricCapacity        = "pool.capacity"
	MetricWaiting         = "pool.waiting"
)

// Instance state values for MetricInstances.
const (
	StateFree      = "free"
	StateInUse     = "in_use"
	StateResetting = "resetting"
)

// PoolAttributes returns common attributes for pool metrics.
func PoolAttributes(environment, poolName string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrPoolName.String(poolName),
	}
}
