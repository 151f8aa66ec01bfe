package media

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/duet/internal/domain"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packet(t *testing.T, seq uint16) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq, Timestamp: uint32(seq) * 960, SSRC: 42},
		Payload: []byte{0xde, 0xad, 0xbe, 0xef},
	}
	b, err := pkt.Marshal()
	require.NoError(t, err)
	return b
}

func TestOpenSourceReportsMediaUnavailable(t *testing.T) {
	_, err := OpenSource("127.0.0.1:notaport", "local")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMediaUnavailable)
}

func TestSilentSource(t *testing.T) {
	s, err := OpenSource("", "local")
	require.NoError(t, err)
	assert.Nil(t, s.Addr())
	require.Len(t, s.Tracks(), 1)
	assert.Equal(t, "audio", s.Tracks()[0].Kind().String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	assert.NoError(t, <-done)
	assert.NoError(t, s.Close())
}

func TestSourceIngestAndMute(t *testing.T) {
	s, err := OpenSource("127.0.0.1:0", "local")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	out, err := net.Dial("udp", s.Addr().String())
	require.NoError(t, err)
	defer out.Close()

	_, err = out.Write(packet(t, 1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Stats().Forwarded == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, TrackStateMuted, s.ToggleMute())
	_, err = out.Write(packet(t, 2))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Stats().Muted == 1 }, time.Second, 5*time.Millisecond)

	_, err = out.Write([]byte{0x01})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Stats().Malformed == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, TrackStateOk, s.ToggleMute())
	_, err = out.Write(packet(t, 3))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Stats().Forwarded == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestSinkForwardsToUDP(t *testing.T) {
	listener, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	sink, err := NewSink(listener.LocalAddr().String())
	require.NoError(t, err)
	defer sink.Close()

	var n atomic.Int32
	sink.start(context.Background(), "a", func() (*rtp.Packet, error) {
		if n.Add(1) > 3 {
			return nil, io.EOF
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(packet(t, uint16(n.Load()))); err != nil {
			return nil, err
		}
		return pkt, nil
	})

	buf := make([]byte, maxPacket)
	for want := uint16(1); want <= 3; want++ {
		require.NoError(t, listener.SetReadDeadline(time.Now().Add(time.Second)))
		k, _, err := listener.ReadFrom(buf)
		require.NoError(t, err)
		var got rtp.Packet
		require.NoError(t, got.Unmarshal(buf[:k]))
		assert.Equal(t, want, got.SequenceNumber)
	}
	require.Eventually(t, func() bool { return sink.Packets("a") == 3 }, time.Second, 5*time.Millisecond)
}

func TestSinkDetachStopsStream(t *testing.T) {
	sink, err := NewSink("")
	require.NoError(t, err)

	release := make(chan struct{})
	var reads atomic.Int32
	sink.start(context.Background(), "a", func() (*rtp.Packet, error) {
		reads.Add(1)
		<-release
		return &rtp.Packet{}, nil
	})
	require.Eventually(t, func() bool { return reads.Load() == 1 }, time.Second, 5*time.Millisecond)

	sink.Detach("a")
	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), reads.Load())
	assert.Equal(t, uint64(1), sink.Packets("a"))
	assert.NoError(t, sink.Close())
}
