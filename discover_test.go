package gogoodwe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlmnb/gogoodwe/internal/udpmock"
	"github.com/tlmnb/gogoodwe/protocol"
)

// identifyOn sends the identification request of Discover to the port of srv.
func identifyOn(t *testing.T, srv *udpmock.Server) {
	t.Helper()
	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	old := identifyPort
	identifyPort = n
	t.Cleanup(func() { identifyPort = old })
}

func TestDiscoverByIdentification(t *testing.T) {
	srv := startModbus(t, etRegisters("9010KETU000W0000", "GW10K-ET", 23))
	identifyOn(t, srv)
	srv.Handle(identifyCommand.Request(), udpmock.AA55Reply(0x0182, esDeviceInfo("04029", "GW10K-ET", "9010KETU000W0000", "04029-05-S02")))

	inv, err := Discover(context.Background(), srv.Addr(), testOptions())
	require.NoError(t, err)
	assert.Equal(t, FamilyET, inv.Family())
	assert.IsType(t, &ET{}, inv)
	assert.Equal(t, "GW10K-ET", inv.Info().ModelName)
	assert.Equal(t, srv.Addr(), inv.Addr())
}

func TestDiscoverByIdentificationES(t *testing.T) {
	fake := newFakeES("02041")
	srv := startServer(t)
	srv.HandleFunc(fake.answer)
	identifyOn(t, srv)

	inv, err := Discover(context.Background(), srv.Addr(), testOptions())
	require.NoError(t, err)
	assert.Equal(t, FamilyES, inv.Family())
	assert.Equal(t, "5048EMU000000001", inv.Info().SerialNumber)
	// The AA55 identification and the ES device info, no ET or DT fallback.
	assert.Equal(t, [][]byte{identifyCommand.Request(), identifyCommand.Request()}, srv.Requests())
}

func TestDiscoverSkipsIdentificationOnOtherPorts(t *testing.T) {
	srv := startModbus(t, etRegisters("9010KETU000W0000", "GW10K-ET", 23))

	inv, err := Discover(context.Background(), srv.Addr(), testOptions())
	require.NoError(t, err)
	assert.Equal(t, FamilyET, inv.Family())
	assert.Zero(t, srv.Count(identifyCommand.Request()))

	silent := startServer(t)
	_, err = Discover(context.Background(), silent.Addr(), testOptions())
	var discovery *DiscoveryError
	require.ErrorAs(t, err, &discovery)
	assert.NoError(t, discovery.Identification)
	assert.Len(t, discovery.Failures, 3)
}

func TestDiscoverFallback(t *testing.T) {
	// A DT inverter ignores the AA55 identification request and rejects the ET registers.
	srv := startModbus(t, dtRegisters("GW10KDTU00000001", padded("GW10K-DT", 10)))

	inv, err := Discover(context.Background(), srv.Addr(), testOptions())
	require.NoError(t, err)
	assert.Equal(t, FamilyDT, inv.Family())
	assert.Equal(t, "GW10K-DT", inv.Info().ModelName)
}

func TestDiscoverUnknownSerialFallsBack(t *testing.T) {
	srv := startModbus(t, etRegisters("0000000000000000", "GW10K-ET", 23))
	srv.Handle(identifyCommand.Request(), udpmock.AA55Reply(0x0182, esDeviceInfo("04029", "GW10K-ET", "0000000000000000", "")))
	identifyOn(t, srv)

	inv, err := Discover(context.Background(), srv.Addr(), testOptions())
	require.NoError(t, err)
	assert.Equal(t, FamilyET, inv.Family())
}

func TestDiscoverFailure(t *testing.T) {
	srv := startServer(t)
	identifyOn(t, srv)

	_, err := Discover(context.Background(), srv.Addr(), testOptions())
	var discovery *DiscoveryError
	require.ErrorAs(t, err, &discovery)
	assert.Equal(t, srv.Addr(), discovery.Host)
	assert.ErrorIs(t, discovery.Identification, protocol.ErrMaxRetries)
	require.Len(t, discovery.Failures, 3)
	assert.Equal(t, FamilyET, discovery.Failures[0].Family)
	assert.Equal(t, FamilyDT, discovery.Failures[1].Family)
	assert.Equal(t, FamilyES, discovery.Failures[2].Family)
	assert.ErrorIs(t, err, protocol.ErrMaxRetries)
	assert.Contains(t, err.Error(), "unable to recognise the inverter")
}

func TestDiscoverCancelled(t *testing.T) {
	srv := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Discover(ctx, srv.Addr(), testOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, protocol.ErrCancelled))
}

func TestConnect(t *testing.T) {
	srv := startModbus(t, dtRegisters("GW10KDTU00000001", padded("GW10K-DT", 10)))

	inv, err := Connect(context.Background(), srv.Addr(), "ms", testOptions())
	require.NoError(t, err)
	assert.IsType(t, &DT{}, inv)
	assert.Equal(t, "GW10KDTU00000001", inv.Info().SerialNumber)

	_, err = Connect(context.Background(), srv.Addr(), "ET", testOptions())
	assert.True(t, protocol.IsIllegalDataAddress(err))

	_, err = Connect(context.Background(), srv.Addr(), "nope", testOptions())
	assert.ErrorIs(t, err, ErrUnknownFamily)
}

func TestConnectDiscovers(t *testing.T) {
	srv := startModbus(t, dtRegisters("GW10KDTU00000001", padded("GW10K-DT", 10)))

	inv, err := Connect(context.Background(), srv.Addr(), "", testOptions())
	require.NoError(t, err)
	assert.Equal(t, FamilyDT, inv.Family())
}

func TestNew(t *testing.T) {
	assert.IsType(t, &ET{}, New(FamilyET, "127.0.0.1:8899", testOptions()))
	assert.IsType(t, &ES{}, New(FamilyES, "127.0.0.1:8899", testOptions()))
	assert.IsType(t, &DT{}, New(FamilyDT, "127.0.0.1:8899", testOptions()))
}
