package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd"
)

func TestObserverCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ChannelEstablished(mrtd.ProtocolPACE)
	m.ChannelEstablished(mrtd.ProtocolChipAuthentication)
	m.FileRead("DG2", 1200)
	m.FileRead("DG2", 300)
	m.ChipAuthenticated(true)
	m.PassiveAuthenticated(false)
	m.ReadFinished(nil, 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChannelsTotal.WithLabelValues("PACE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChannelsTotal.WithLabelValues("CA")))
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.FileBytes.WithLabelValues("DG2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChipAuthTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PassiveAuthTotal.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReadsTotal.WithLabelValues("ok")))

	n, err := testutil.GatherAndCount(reg, "passport_read_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "transport", Outcome(&mrtd.ReadError{Kind: mrtd.KindTransport, Op: "read.dg1"}))
	wrapped := fmt.Errorf("read: %w", &mrtd.ReadError{Kind: mrtd.KindAuthentication, Op: "bac"})
	assert.Equal(t, "authentication", Outcome(wrapped))
	assert.Equal(t, "parse", Outcome(&mrtd.ReadError{Kind: mrtd.KindDataGroupParse, Op: "read.dg11"}))
	assert.Equal(t, "other", Outcome(errors.New("boom")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ChannelEstablished(mrtd.ProtocolBAC)
	m.FileRead("DG1", 10)
	m.ChipAuthenticated(false)
	m.PassiveAuthenticated(true)
	m.ReadFinished(errors.New("x"), time.Millisecond)
	m.ObserveVerify(true)
}
