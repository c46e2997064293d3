package synchrophasor

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitter_FanOutToMultiplePDCs(t *testing.T) {
	upstream := NewPMU(9, "UPSTREAM", 10)
	require.NoError(t, upstream.Run("127.0.0.1:0"))
	defer upstream.Stop()

	sourceHost, sourcePortStr, err := net.SplitHostPort(upstream.Addr().String())
	require.NoError(t, err)
	sourcePort, err := strconv.Atoi(sourcePortStr)
	require.NoError(t, err)

	listenPort := freePort(t)
	splitter := NewSplitter(sourceHost, sourcePort, "127.0.0.1", listenPort, 9)
	require.NoError(t, splitter.Run())
	defer splitter.Stop()

	listenAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(listenPort))

	pdc1 := NewPDC(9, listenAddr)
	require.NoError(t, pdc1.Run())
	defer pdc1.Quit()

	pdc2 := NewPDC(9, listenAddr)
	require.NoError(t, pdc2.Run())
	defer pdc2.Quit()

	cfg1, err := pdc1.GetConfig(2)
	require.NoError(t, err)
	require.NotNil(t, cfg1)
	assert.Equal(t, uint16(9), cfg1.IDCode)

	cfg2, err := pdc2.GetConfig(2)
	require.NoError(t, err)
	require.NotNil(t, cfg2)
	assert.Equal(t, cfg1.IDCode, cfg2.IDCode)

	require.NoError(t, pdc1.Start())
	require.NoError(t, pdc2.Start())

	df1 := mustGetDataFrame(t, pdc1, 5*time.Second)
	df2 := mustGetDataFrame(t, pdc2, 5*time.Second)

	assert.Equal(t, df1.IDCode, df2.IDCode)
}

func mustGetDataFrame(t *testing.T, pdc *PDC, timeout time.Duration) *DataFrame {
	t.Helper()
	select {
	case df := <-getWithTimeout(pdc):
		require.NotNil(t, df)
		return df
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a data frame")
		return nil
	}
}

// TestSplitter_SurvivesUpstreamLossAndAcceptsNewClientAfterReconnect
// guards against the bug where forwardLoop used to call the downstream
// PMU's Stop() on upstream loss: that closed the downstream listener
// permanently, so no PDC could ever attach again after one upstream
// blip. DropClients must drop the connected client without killing the
// listener, and reconnectLoop must be able to reattach a fresh upstream
// PDC to the same long-lived downstream PMU.
func TestSplitter_SurvivesUpstreamLossAndAcceptsNewClientAfterReconnect(t *testing.T) {
	upstreamPort := freePort(t)
	upstreamAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(upstreamPort))

	upstreamA := NewPMU(11, "UPSTREAM-A", 10)
	require.NoError(t, upstreamA.Run(upstreamAddr))

	listenPort := freePort(t)
	splitter := NewSplitter("127.0.0.1", upstreamPort, "127.0.0.1", listenPort, 11)
	require.NoError(t, splitter.Run())
	defer splitter.Stop()

	listenAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(listenPort))

	pdc1 := NewPDC(11, listenAddr)
	require.NoError(t, pdc1.Run())
	cfg1, err := pdc1.GetConfig(2)
	require.NoError(t, err)
	require.NotNil(t, cfg1)
	pdc1.Quit()

	// Kill the upstream source out from under the splitter, then bring a
	// replacement up on the same address, simulating a transient outage.
	upstreamA.Stop()
	upstreamB := NewPMU(11, "UPSTREAM-B", 10)
	require.Eventually(t, func() bool {
		return upstreamB.Run(upstreamAddr) == nil
	}, 5*time.Second, 100*time.Millisecond, "replacement upstream never managed to bind the freed port")
	defer upstreamB.Stop()

	// The downstream listener must still accept new clients throughout.
	var pdc2 *PDC
	require.Eventually(t, func() bool {
		candidate := NewPDC(11, listenAddr)
		if err := candidate.Run(); err != nil {
			return false
		}
		pdc2 = candidate
		return true
	}, 5*time.Second, 100*time.Millisecond, "downstream listener stopped accepting clients after upstream loss")
	require.NotNil(t, pdc2)
	defer pdc2.Quit()

	cfg2, err := pdc2.GetConfig(2)
	require.NoError(t, err)
	require.NotNil(t, cfg2, "expected config once reconnected to the replacement upstream")

	require.NoError(t, pdc2.Start())
	df := mustGetDataFrame(t, pdc2, 10*time.Second)
	assert.Equal(t, uint16(11), df.IDCode)
}

// freePort finds a currently unused TCP port by briefly binding to port
// 0 and releasing it; there's a small window for another process to
// grab it before the splitter binds, acceptable for test purposes.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}
