// Package client implements the per-tunnel-id state machine: sequence
// bits, the single pending outbound frame, and the buffer of bytes
// decoded from UDP that are waiting to reach TCP.
package client

import (
	"net"
	"time"

	"github.com/udptunnel/udptunnel-server/internal/logging"
	"github.com/udptunnel/udptunnel-server/internal/protocol"
)

// writeDeadline bounds a single flush_tcp_out write so a stalled peer can
// never block the caller indefinitely; a short timeout just leaves the
// remainder in tcpOutBuf for the next Tick sweep to retry.
const writeDeadline = 200 * time.Millisecond

// Result reports the outcome of a state-machine operation back to the
// caller, matching spec's Ok / TransientBusy / Fatal contract.
type Result int

const (
	ResultOK Result = iota
	ResultBusy
	ResultFatal
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultBusy:
		return "busy"
	case ResultFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sender is the UDP egress side, owned by whoever runs the dispatch loop
// so that only one goroutine ever writes to the shared socket.
type Sender interface {
	SendFrame(id uint16, typ byte, payload []byte, addr *net.UDPAddr) error
}

// Dialer opens a client's TCP endpoint. Tests substitute a fake dialer;
// production code uses a net.DialTimeout closure.
type Dialer func(network, address string) (net.Conn, error)

type pendingFrame struct {
	seq     uint8
	payload []byte
	sentAt  time.Time
	retries int
}

// Client is one logical TCP-over-UDP connection multiplexed through the
// server, identified by a 16-bit tunnel id.
type Client struct {
	ID       uint16
	PeerAddr *net.UDPAddr
	Target   *net.TCPAddr

	conn net.Conn

	nextSendSeq   uint8
	expectRecvSeq uint8
	pending       *pendingFrame
	gotHelloAck   bool
	tcpOutBuf     []byte

	dial Dialer
	log  *logging.Logger
}

// New creates a client in the just-HELLOed state: it knows its peer and
// its TCP target but has not yet connected (that happens on HELLOACK).
func New(id uint16, peerAddr *net.UDPAddr, target *net.TCPAddr, dial Dialer, log *logging.Logger) *Client {
	if dial == nil {
		dial = net.Dial
	}
	if log == nil {
		log = logging.NewLogger(logging.LevelError)
	}
	return &Client{
		ID:       id,
		PeerAddr: peerAddr,
		Target:   target,
		dial:     dial,
		log:      log,
	}
}

// Conn returns the client's TCP connection, or nil before HELLOACK.
func (c *Client) Conn() net.Conn { return c.conn }

// Connected reports whether OnHelloAck has already run once.
func (c *Client) Connected() bool { return c.gotHelloAck }

// Ready reports whether this client belongs in the readiness set: TCP is
// connected and there's no outstanding unacknowledged DATA frame.
func (c *Client) Ready() bool {
	return c.gotHelloAck && c.pending == nil && c.conn != nil
}

// HasPending reports whether a DATA frame is awaiting its ACK.
func (c *Client) HasPending() bool { return c.pending != nil }

// PendingSeq returns the sequence bit of the outstanding frame, or 0 if
// there is none.
func (c *Client) PendingSeq() uint8 {
	if c.pending == nil {
		return 0
	}
	return c.pending.seq
}

// PendingRetries returns the retry count of the outstanding frame, or 0
// if there is none.
func (c *Client) PendingRetries() int {
	if c.pending == nil {
		return 0
	}
	return c.pending.retries
}

// HasBufferedOut reports whether bytes decoded from UDP are still
// waiting to be written to TCP.
func (c *Client) HasBufferedOut() bool { return len(c.tcpOutBuf) > 0 }

// OnHelloAck connects the TCP endpoint on first receipt; idempotent on
// repeat, per spec.md §4.2.
func (c *Client) OnHelloAck() error {
	if c.gotHelloAck {
		return nil
	}
	conn, err := c.dial("tcp", c.Target.String())
	if err != nil {
		return err
	}
	c.conn = conn
	c.gotHelloAck = true
	return nil
}

// OnData handles an inbound DATA frame carrying sequence bit seq.
//
// A duplicate (seq != expectRecvSeq) is ACKed again without being
// consumed. A fresh frame is only accepted if tcpOutBuf is empty;
// otherwise ResultBusy is returned and the frame is neither buffered nor
// ACKed, so the peer's retransmission delivers it again once the earlier
// bytes have been flushed to TCP.
func (c *Client) OnData(seq uint8, payload []byte, sender Sender) Result {
	if seq != c.expectRecvSeq {
		c.log.Trace("duplicate DATA%d, re-acking without consuming", seq)
		c.sendAck(seq, sender)
		return ResultOK
	}
	if len(c.tcpOutBuf) != 0 {
		return ResultBusy
	}
	c.tcpOutBuf = append(c.tcpOutBuf[:0], payload...)
	c.sendAck(seq, sender)
	c.expectRecvSeq ^= 1
	return ResultOK
}

func (c *Client) sendAck(seq uint8, sender Sender) {
	if err := sender.SendFrame(c.ID, protocol.AckType(seq), nil, c.PeerAddr); err != nil {
		c.log.Debug("failed to send ACK%d: %v", seq, err)
	}
}

// OnAck handles an inbound ACK frame carrying sequence bit seq. An ACK
// that doesn't match the pending frame's sequence is ignored.
func (c *Client) OnAck(seq uint8) {
	if c.pending != nil && c.pending.seq == seq {
		c.pending = nil
		c.nextSendSeq ^= 1
	}
}

// OnTCPReadable handles bytes freshly read from the client's TCP socket
// (or a read error/EOF). It builds and sends the next DATA frame and
// arms the pending-frame timer.
func (c *Client) OnTCPReadable(data []byte, err error, sender Sender) Result {
	if err != nil {
		return ResultFatal
	}
	if c.pending != nil {
		return ResultBusy
	}
	if len(data) == 0 {
		return ResultOK
	}

	seq := c.nextSendSeq
	if err := sender.SendFrame(c.ID, protocol.DataType(seq), data, c.PeerAddr); err != nil {
		c.log.Debug("failed to send DATA%d: %v", seq, err)
		return ResultFatal
	}
	c.pending = &pendingFrame{
		seq:     seq,
		payload: append([]byte(nil), data...),
		sentAt:  time.Now(),
	}
	return ResultOK
}

// FlushTCPOut attempts to write tcpOutBuf to TCP, retaining any
// unwritten remainder on a partial write. It returns the number of bytes
// written so the caller can account for them.
func (c *Client) FlushTCPOut() (int, Result) {
	if len(c.tcpOutBuf) == 0 || c.conn == nil {
		return 0, ResultOK
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	n, err := c.conn.Write(c.tcpOutBuf)
	c.tcpOutBuf = c.tcpOutBuf[n:]

	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, ResultOK
		}
		return n, ResultFatal
	}
	return n, ResultOK
}

// Tick checks the pending frame's retransmit deadline. It returns
// ResultFatal once retries are exhausted, and reports via the second
// return value whether a retransmission was sent this call (diagnostic
// only — callers should not branch on it for correctness).
func (c *Client) Tick(now time.Time, retransmitTimeout time.Duration, maxRetries int, sender Sender) (Result, bool) {
	if c.pending == nil {
		return ResultOK, false
	}
	if now.Sub(c.pending.sentAt) < retransmitTimeout {
		return ResultOK, false
	}
	if c.pending.retries >= maxRetries {
		return ResultFatal, false
	}

	if err := sender.SendFrame(c.ID, protocol.DataType(c.pending.seq), c.pending.payload, c.PeerAddr); err != nil {
		c.log.Debug("retransmit of DATA%d failed: %v", c.pending.seq, err)
		return ResultFatal, false
	}
	c.pending.retries++
	c.pending.sentAt = now
	return ResultOK, true
}

// Close releases the client's TCP connection, if any.
func (c *Client) Close() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
