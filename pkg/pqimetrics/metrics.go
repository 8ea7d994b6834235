// Package pqimetrics exports a device's runtime counters as Prometheus
// const metrics, in the same pull-model collector shape the corpus uses for
// its own disk-inventory metrics: a single prometheus.Collector gathered
// into a pedantic registry and serialized with expfmt on demand.
package pqimetrics

import (
	"io"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// QueueStat is one active queue's depth snapshot.
type QueueStat struct {
	ID    uint32
	Depth uint32
}

// Snapshot is everything one scrape needs from a device instance.
type Snapshot struct {
	Instance       uint32
	State          string
	IQ             []QueueStat
	OQ             []QueueStat
	DoorbellCount  uint64
	InterruptCount uint64
	AdminErrors    uint64
}

// SnapshotFunc pulls a fresh Snapshot at scrape time.
type SnapshotFunc func() Snapshot

type collector struct {
	snapshot SnapshotFunc
}

// NewCollector builds a prometheus.Collector that calls snapshot once per
// Collect, matching the corpus's pull-at-gather-time pattern rather than
// push-on-every-event instrumentation.
func NewCollector(snapshot SnapshotFunc) prometheus.Collector {
	return &collector{snapshot: snapshot}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {}

var (
	descDeviceState = prometheus.NewDesc(
		"pqiemu_device_state",
		"Current PQI device lifecycle state (PD0-PD4) as a label, value always 1",
		[]string{"instance", "state"}, nil,
	)
	descQueueDepth = prometheus.NewDesc(
		"pqiemu_queue_depth",
		"Number of elements currently outstanding on a queue",
		[]string{"instance", "direction", "queue_id"}, nil,
	)
	descDoorbellTotal = prometheus.NewDesc(
		"pqiemu_doorbell_writes_total",
		"Total doorbell register writes observed",
		[]string{"instance"}, nil,
	)
	descInterruptTotal = prometheus.NewDesc(
		"pqiemu_interrupts_total",
		"Total interrupts raised to notify the guest of a posted response",
		[]string{"instance"}, nil,
	)
	descAdminErrorsTotal = prometheus.NewDesc(
		"pqiemu_admin_errors_total",
		"Total non-GOOD admin function responses returned",
		[]string{"instance"}, nil,
	)
)

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	inst := instanceLabel(s.Instance)

	ch <- prometheus.MustNewConstMetric(descDeviceState, prometheus.GaugeValue, 1, inst, s.State)
	for _, q := range s.IQ {
		ch <- prometheus.MustNewConstMetric(descQueueDepth, prometheus.GaugeValue, float64(q.Depth), inst, "inbound", queueIDLabel(q.ID))
	}
	for _, q := range s.OQ {
		ch <- prometheus.MustNewConstMetric(descQueueDepth, prometheus.GaugeValue, float64(q.Depth), inst, "outbound", queueIDLabel(q.ID))
	}
	ch <- prometheus.MustNewConstMetric(descDoorbellTotal, prometheus.CounterValue, float64(s.DoorbellCount), inst)
	ch <- prometheus.MustNewConstMetric(descInterruptTotal, prometheus.CounterValue, float64(s.InterruptCount), inst)
	ch <- prometheus.MustNewConstMetric(descAdminErrorsTotal, prometheus.CounterValue, float64(s.AdminErrors), inst)
}

// WriteText gathers the collector into a pedantic registry and writes the
// Prometheus text exposition format to w, the same two-step
// Gather-then-MetricFamilyToText sequence the corpus uses.
func WriteText(w io.Writer, snapshot SnapshotFunc) error {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector(snapshot)); err != nil {
		return err
	}
	mfs, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func instanceLabel(instance uint32) string {
	return strconv.FormatUint(uint64(instance), 10)
}

func queueIDLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
