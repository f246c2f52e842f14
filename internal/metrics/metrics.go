package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd"
)

// Metrics records passport reads. It implements mrtd.Observer.
type Metrics struct {
	// Reads by outcome: "ok" or the error kind
	ReadsTotal *prometheus.CounterVec

	// Whole-read latency
	ReadDuration prometheus.Histogram

	// Access channels opened by protocol
	ChannelsTotal *prometheus.CounterVec

	// Bytes read per file
	FileBytes *prometheus.CounterVec

	// Authentication outcomes
	ChipAuthTotal    *prometheus.CounterVec
	PassiveAuthTotal *prometheus.CounterVec

	// Service-side verifications
	VerifyTotal *prometheus.CounterVec
}

var _ mrtd.Observer = (*Metrics)(nil)

// New registers the reader metrics with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ReadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "passport_reads_total",
			Help: "Completed passport reads by outcome",
		}, []string{"outcome"}),

		ReadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "passport_read_duration_seconds",
			Help:    "Duration of a full passport read including authentication",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),

		ChannelsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "passport_secure_channels_total",
			Help: "Secure messaging channels established by protocol",
		}, []string{"protocol"}), // BAC, PACE, CA

		FileBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "passport_file_bytes_total",
			Help: "Bytes read from the chip by file",
		}, []string{"file"}),

		ChipAuthTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "passport_chip_auth_total",
			Help: "Chip authentication attempts by result",
		}, []string{"result"}),

		PassiveAuthTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "passport_passive_auth_total",
			Help: "Passive authentication checks by result",
		}, []string{"result"}),

		VerifyTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "passport_verify_requests_total",
			Help: "Verification API requests by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) ChannelEstablished(p mrtd.Protocol) {
	if m != nil {
		m.ChannelsTotal.WithLabelValues(p.String()).Inc()
	}
}

func (m *Metrics) FileRead(name string, n int) {
	if m != nil {
		m.FileBytes.WithLabelValues(name).Add(float64(n))
	}
}

func (m *Metrics) ChipAuthenticated(ok bool) {
	if m != nil {
		m.ChipAuthTotal.WithLabelValues(result(ok)).Inc()
	}
}

func (m *Metrics) PassiveAuthenticated(ok bool) {
	if m != nil {
		m.PassiveAuthTotal.WithLabelValues(result(ok)).Inc()
	}
}

func (m *Metrics) ReadFinished(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ReadsTotal.WithLabelValues(Outcome(err)).Inc()
	m.ReadDuration.Observe(elapsed.Seconds())
}

// ObserveVerify records one verification request handled by the service.
func (m *Metrics) ObserveVerify(ok bool) {
	if m != nil {
		m.VerifyTotal.WithLabelValues(result(ok)).Inc()
	}
}

// Outcome maps a read error to a low-cardinality label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch mrtd.KindOf(err) {
	case mrtd.KindTransport:
		return "transport"
	case mrtd.KindAuthentication:
		return "authentication"
	case mrtd.KindDataGroupParse:
		return "parse"
	default:
		return "other"
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
