package transport

import (
	"context"
	"fmt"
)

// Well-known probe attribute names.
const (
	AttrIntegrationTime          = "integration_time"
	AttrIntegrationTimeAvailable = "integration_time_available"
	AttrOversamplingRatio        = "in_oversampling_ratio"
	AttrAllowAsyncReadout        = "in_allow_async_readout"
	AttrSamplingFrequency        = "in_sampling_frequency"
)

// ShuntResistorAttr returns the per-channel shunt resistor attribute name.
// The value is reported by the probe in microohms.
func ShuntResistorAttr(channel int) string {
	return fmt.Sprintf("in_shunt_resistor%d", channel)
}

// VshuntScaleAttr returns the per-channel Vshunt scale attribute name.
func VshuntScaleAttr(channel int) string {
	return fmt.Sprintf("in_voltage%d_shunt_scale", channel)
}

// VbatScaleAttr returns the per-channel Vbat scale attribute name.
func VbatScaleAttr(channel int) string {
	return fmt.Sprintf("in_voltage%d_bat_scale", channel)
}

// RawSample is one acquisition tick for one channel, in raw device units.
// Timestamp is the device clock in nanoseconds. Immutable once produced.
type RawSample struct {
	Timestamp int64
	Vshunt    float64
	Vbat      float64
	HasVbat   bool
}

// Batch is the unit returned by a single blocking read: samples for one
// channel, ordered by device timestamp.
type Batch struct {
	Channel int
	Samples []RawSample
}

// ProbeInfo carries per-channel probe metadata not exposed through attributes.
type ProbeInfo struct {
	Name           string
	Serial         string
	HasPowerSwitch bool
}

// Handle represents an open acquisition stream over a set of channels.
type Handle interface {
	Channels() []int
}

// Adapter is the abstract probe transport. Implementations own the wire
// protocol; callers own calibration, scheduling and computation.
//
// ReadBatch is the sole blocking call: it suspends until the probe delivers
// the next batch, the context is canceled, or a fault occurs. Callers must
// never issue two concurrent ReadBatch calls against the same handle.
type Adapter interface {
	Discover(ctx context.Context) ([]int, error)
	Open(ctx context.Context, channels []int) (Handle, error)
	ReadBatch(ctx context.Context, h Handle) (Batch, error)
	SetAttribute(name, value string) error
	GetAttribute(name string) (string, error)
	SetSwitch(channel int, on bool) error
	Info(channel int) (ProbeInfo, error)
	Close(h Handle) error
}
