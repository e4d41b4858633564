//go:build linux

package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseListenOverflows(t *testing.T) {
	netstat := `TcpExt: SyncookiesSent SyncookiesRecv ListenOverflows ListenDrops
TcpExt: 0 0 17 21
IpExt: InNoRoutes InTruncatedPkts
IpExt: 0 0
`
	assert.Equal(t, uint64(17), parseListenOverflows(strings.NewReader(netstat)))
}

func TestParseListenOverflowsMissing(t *testing.T) {
	assert.Zero(t, parseListenOverflows(strings.NewReader("")))
	assert.Zero(t, parseListenOverflows(strings.NewReader("TcpExt: SyncookiesSent\nTcpExt: 4\n")))
	assert.Zero(t, parseListenOverflows(strings.NewReader("TcpExt: ListenOverflows\nTcpExt:\n")))
}

func TestRecordListenOverflows(t *testing.T) {
	m := NewMetrics()
	m.RecordListenOverflows(3)

	families, err := m.Registry().Gather()
	assert.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "chatrelay_listen_overflows_total" {
			found = true
			assert.Equal(t, 3.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}
