// Package dispatcher interprets decoded tunnel frames in the context of
// the client table: creating clients on HELLO, routing everything else
// by tunnel id.
package dispatcher

import (
	"net"
	"strconv"
	"strings"

	"github.com/udptunnel/udptunnel-server/internal/client"
	"github.com/udptunnel/udptunnel-server/internal/clienttable"
	"github.com/udptunnel/udptunnel-server/internal/events"
	"github.com/udptunnel/udptunnel-server/internal/logging"
	"github.com/udptunnel/udptunnel-server/internal/protocol"
)

// IDAllocator hands out fresh monotonic tunnel ids, starting at 1 and
// skipping 0 (reserved for "no client yet") on wraparound. It performs
// no collision check against ids currently in use: a faithful port of
// the original's acknowledged-buggy next_client_id counter, not a guess
// at fixing it (see DESIGN.md, open question on ID exhaustion).
type IDAllocator struct {
	next uint16
}

// NewIDAllocator returns an allocator whose first Next() call returns 1.
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{}
}

// Next returns the next id.
func (a *IDAllocator) Next() uint16 {
	a.next++
	if a.next == 0 {
		a.next = 1
	}
	return a.next
}

// Outcome reports what happened during Dispatch so the caller (the event
// loop) can update metrics, emit diagnostics, and start or stop
// per-client goroutines without the dispatcher needing to know about any
// of that.
type Outcome struct {
	Created       bool
	CreatedID     uint16
	CreatedPeer   string
	CreatedTarget string

	Handshaked     bool
	HandshakedID   uint16
	HandshakedPeer string

	DataAccepted   bool
	DataAcceptedID uint16

	AckCleared   bool
	AckClearedID uint16

	Removed   bool
	RemovedID uint16
	Reason    string
}

// Dispatcher interprets decoded frames against a client table.
type Dispatcher struct {
	table *clienttable.Table
	ids   *IDAllocator
	dial  client.Dialer
	log   *logging.Logger
}

// New creates a Dispatcher. dial is used to open a client's TCP endpoint
// once its HELLOACK arrives.
func New(table *clienttable.Table, ids *IDAllocator, dial client.Dialer, log *logging.Logger) *Dispatcher {
	return &Dispatcher{table: table, ids: ids, dial: dial, log: log}
}

// Dispatch interprets one decoded frame from addr. sender is used for any
// reply the frame's handling requires (HELLOACK, ACK, retransmit is not
// triggered from here).
func (d *Dispatcher) Dispatch(frame protocol.Frame, addr *net.UDPAddr, sender client.Sender) Outcome {
	if frame.ID == 0 {
		if frame.Type != protocol.TypeHello {
			// Protocol violation: a non-HELLO frame naming the reserved id.
			// There is no client at id 0 to tear down; dropping is safe.
			d.log.Debug("dropping non-HELLO frame with id=0 from %s", addr)
			return Outcome{}
		}
		return d.handleHello(frame.Payload, addr, sender)
	}

	cl, ok := d.table.Lookup(frame.ID)
	if !ok {
		d.log.Trace("dropping %s for unknown id=%d from %s", protocol.TypeName(frame.Type), frame.ID, addr)
		return Outcome{}
	}

	switch frame.Type {
	case protocol.TypeHello:
		d.log.Debug("client=%d dropping HELLO with nonzero id", cl.ID)
		return Outcome{}

	case protocol.TypeHelloAck:
		return d.handleHelloAck(cl)

	case protocol.TypeData0, protocol.TypeData1:
		seq, _ := protocol.IsData(frame.Type)
		hadBuffered := cl.HasBufferedOut()
		res := cl.OnData(seq, frame.Payload, sender)
		// A duplicate is re-acked but buffers nothing, so only a frame
		// whose payload newly landed in tcpOutBuf counts as accepted.
		if res == client.ResultOK && !hadBuffered && cl.HasBufferedOut() {
			return Outcome{DataAccepted: true, DataAcceptedID: cl.ID}
		}
		return Outcome{}

	case protocol.TypeAck0, protocol.TypeAck1:
		seq, _ := protocol.IsAck(frame.Type)
		hadPending := cl.HasPending()
		cl.OnAck(seq)
		if hadPending && !cl.HasPending() {
			return Outcome{AckCleared: true, AckClearedID: cl.ID}
		}
		return Outcome{}

	case protocol.TypeGoodbye:
		return Outcome{Removed: true, RemovedID: cl.ID, Reason: events.ReasonGoodbye}

	case protocol.TypeKeepalive:
		d.log.Trace("client=%d keepalive", cl.ID)
		return Outcome{}

	default:
		d.log.Debug("client=%d unhandled frame type %s", cl.ID, protocol.TypeName(frame.Type))
		return Outcome{}
	}
}

func (d *Dispatcher) handleHelloAck(cl *client.Client) Outcome {
	if cl.Connected() {
		return Outcome{} // idempotent repeat, per spec.md §4.2
	}
	if err := cl.OnHelloAck(); err != nil {
		d.log.Debug("client=%d TCP connect to %s failed: %v", cl.ID, cl.Target, err)
		return Outcome{Removed: true, RemovedID: cl.ID, Reason: events.ReasonConnectFailed}
	}
	return Outcome{Handshaked: true, HandshakedID: cl.ID, HandshakedPeer: cl.PeerAddr.String()}
}

func (d *Dispatcher) handleHello(payload []byte, addr *net.UDPAddr, sender client.Sender) Outcome {
	host, port, ok := splitHostPort(payload)
	if !ok {
		d.log.Debug("dropping malformed HELLO from %s: no space in payload", addr)
		return Outcome{}
	}

	target, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, port))
	if err != nil {
		d.log.Debug("HELLO target %q:%q from %s unresolvable: %v", host, port, addr, err)
		return Outcome{}
	}

	id := d.ids.Next()
	cl := client.New(id, addr, target, d.dial, d.log.With(clientTag(id)))
	d.table.Insert(cl)

	if err := sender.SendFrame(id, protocol.TypeHelloAck, nil, addr); err != nil {
		d.log.Debug("client=%d failed to send HELLOACK to %s: %v", id, addr, err)
	}

	return Outcome{
		Created:       true,
		CreatedID:     id,
		CreatedPeer:   addr.String(),
		CreatedTarget: target.String(),
	}
}

// splitHostPort parses a HELLO payload as "host SP port", splitting on
// the first space byte exactly like the original C implementation's scan
// loop. No further validation of the port substring is added beyond what
// net.ResolveTCPAddr itself rejects.
func splitHostPort(payload []byte) (host, port string, ok bool) {
	s := string(payload)
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func clientTag(id uint16) string {
	return "client=" + strconv.Itoa(int(id))
}
