package lane

import (
	"context"
	"testing"
	"time"

	"github.com/dgoldman0/Rabbit/frame"
	"github.com/dgoldman0/Rabbit/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeqMustMatchExpected(t *testing.T) {
	l := New(1)
	require.NoError(t, l.CheckInboundSeq(1))
	require.NoError(t, l.CheckInboundSeq(2))
	err := l.CheckInboundSeq(4)
	require.Error(t, err)
	se, ok := err.(*status.Error)
	require.True(t, ok)
	assert.Equal(t, status.OutOfOrder, se.Code)
	assert.Equal(t, uint64(3), l.ExpectedInboundSeq())
}

func TestAckIsMonotoneAndIdempotent(t *testing.T) {
	l := New(1)
	l.Ack(5)
	assert.Equal(t, uint64(5), l.PeerAck())
	l.Ack(3)
	assert.Equal(t, uint64(5), l.PeerAck())
	l.Ack(9)
	assert.Equal(t, uint64(9), l.PeerAck())
}

func TestCreditBlocksThenReleases(t *testing.T) {
	l := NewWithCredit(1, 1, DefaultChunkReassemblyCap)
	ctx := context.Background()
	require.NoError(t, l.AcquireSendCredit(ctx))

	acquired := make(chan struct{})
	go func() {
		_ = l.AcquireSendCredit(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquired credit before it was granted")
	case <-time.After(20 * time.Millisecond):
	}

	l.AddSendCredit(1)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("credit release did not unblock waiter")
	}
}

func TestTxnRoundTrip(t *testing.T) {
	l := New(1)
	ch, err := l.OpenTxn("T1")
	require.NoError(t, err)

	f := frame.NewResponse(200, "CONTENT")
	assert.True(t, l.Resolve("T1", f))

	res := <-ch
	require.NoError(t, res.Err)
	assert.Equal(t, f, res.Frame)
}

func TestDuplicateTxnRejected(t *testing.T) {
	l := New(1)
	_, err := l.OpenTxn("T1")
	require.NoError(t, err)
	_, err = l.OpenTxn("T1")
	require.Error(t, err)
}

func TestCancelAllFailsOutstanding(t *testing.T) {
	l := New(1)
	ch, err := l.OpenTxn("T1")
	require.NoError(t, err)
	l.CancelAll(status.New(status.Canceled, "CANCELED"))
	res := <-ch
	require.Error(t, res.Err)
}

func TestChunkReassembly(t *testing.T) {
	l := New(1)
	_, err := l.AppendChunk("T1", "BEGIN", []byte("hello "))
	require.NoError(t, err)
	_, err = l.AppendChunk("T1", "MORE", []byte("wo"))
	require.NoError(t, err)
	body, err := l.AppendChunk("T1", "END", []byte("rld"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
}

func TestChunkReassemblyOverflow(t *testing.T) {
	l := NewWithCredit(1, DefaultInitialCredit, 4)
	_, err := l.AppendChunk("T1", "BEGIN", []byte("hello"))
	require.Error(t, err)
}

func TestRecvCreditReplenishment(t *testing.T) {
	l := NewWithCredit(1, 10, DefaultChunkReassemblyCap)
	var topUp uint32
	for i := 0; i < 6; i++ {
		topUp = l.OnFrameReceived()
	}
	assert.Equal(t, uint32(6), topUp)
}
