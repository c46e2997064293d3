package synchrophasor

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPMUAndPDC_Handshake(t *testing.T) {
	pmu := NewPMU(7, "INTEG1", 30)
	require.NoError(t, pmu.Run("127.0.0.1:0"))
	defer pmu.Stop()

	pdc := NewPDC(7, pmu.Addr().String())
	require.NoError(t, pdc.Run())
	defer pdc.Quit()

	header, err := pdc.GetHeader()
	require.NoError(t, err)
	require.NotNil(t, header, "expected header response within timeout")

	cfg, err := pdc.GetConfig(2)
	require.NoError(t, err)
	require.NotNil(t, cfg, "expected config response within timeout")
	assert.Equal(t, uint16(7), cfg.IDCode)

	require.NoError(t, pdc.Start())

	received := 0
	for received < 10 {
		select {
		case df := <-getWithTimeout(pdc):
			require.NotNil(t, df)
			received++
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for data frames, got %d", received)
		}
	}

	require.NoError(t, pdc.Stop())

	// give the stop command time to land and any already-queued frames
	// time to flush, then drain whatever arrived in that window.
	time.Sleep(300 * time.Millisecond)
	draining := true
	for draining {
		select {
		case <-getWithTimeout(pdc):
		case <-time.After(50 * time.Millisecond):
			draining = false
		}
	}

	// after the drain, no further frames should arrive within a quiet window.
	select {
	case df := <-getWithTimeout(pdc):
		t.Fatalf("expected no data frames after stop, got %v", df)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPMU_ExtendedCommandGetsNak(t *testing.T) {
	pmu := NewPMU(7, "INTEG2", 30)
	require.NoError(t, pmu.Run("127.0.0.1:0"))
	defer pmu.Stop()

	conn, err := net.Dial("tcp", pmu.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	cmd := NewCommandFrame()
	cmd.IDCode = 7
	cmd.CMD = CmdExt
	require.NoError(t, cmd.SetTime(time.Now(), DefaultTimeBase, nil, nil))
	data, err := cmd.Pack()
	require.NoError(t, err)

	_, err = conn.Write(data)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	header := make([]byte, 4)
	_, err = readFull(conn, header)
	require.NoError(t, err)
	frameSize := int(binary.BigEndian.Uint16(header[2:4]))

	buf := make([]byte, frameSize)
	copy(buf, header)
	_, err = readFull(conn, buf[4:])
	require.NoError(t, err)

	frame, err := Decode(buf, nil)
	require.NoError(t, err)
	resp, ok := frame.(*CommandFrame)
	require.True(t, ok, "expected a command frame in reply to an extended-frame command")
	assert.Equal(t, uint16(CmdCfg3Nak), resp.CMD)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// getWithTimeout wraps a single PDC.Get call in a channel so it can be
// used alongside a select/timeout without blocking the caller forever.
func getWithTimeout(pdc *PDC) <-chan *DataFrame {
	ch := make(chan *DataFrame, 1)
	go func() {
		df, ok := pdc.Get()
		if ok {
			ch <- df
		}
	}()
	return ch
}
