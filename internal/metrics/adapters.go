package metrics

import (
	"time"

	"bus-buddy/internal/ingest"
	"bus-buddy/internal/publisher"
	"bus-buddy/internal/tracking"
	"bus-buddy/internal/transmit"
)

// Each adapter returns a nil interface for a nil collector so callers can
// keep their `if m != nil` checks.

func Publisher(c *Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

func Transmit(c *Collector) transmit.Metrics {
	if c == nil {
		return nil
	}
	return &transmitMetrics{c: c}
}

type transmitMetrics struct{ c *Collector }

func (t *transmitMetrics) SentInc()                    { t.c.Sends.Inc() }
func (t *transmitMetrics) SendErrInc()                 { t.c.SendErrors.Inc() }
func (t *transmitMetrics) ThrottledInc()               { t.c.Throttled.Inc() }
func (t *transmitMetrics) SendObserve(d time.Duration) { t.c.SendDuration.Observe(d.Seconds()) }

func Tracking(c *Collector) tracking.Metrics {
	if c == nil {
		return nil
	}
	return &trackingMetrics{c: c}
}

type trackingMetrics struct{ c *Collector }

func (t *trackingMetrics) FixProcessedInc()          { t.c.FixesProcessed.Inc() }
func (t *trackingMetrics) StageSet(s tracking.Stage) { t.c.SetStage(string(s)) }

func Ingest(c *Collector) ingest.Metrics {
	if c == nil {
		return nil
	}
	return &ingestMetrics{c: c}
}

type ingestMetrics struct{ c *Collector }

func (m *ingestMetrics) AcceptedInc(source string)    { m.c.Accepted.WithLabelValues(source).Inc() }
func (m *ingestMetrics) RejectedInc(reason string)    { m.c.Rejected.WithLabelValues(reason).Inc() }
func (m *ingestMetrics) UnknownDeviceInc()            { m.c.UnknownDevice.Inc() }
func (m *ingestMetrics) StoreObserve(d time.Duration) { m.c.StoreDuration.Observe(d.Seconds()) }
