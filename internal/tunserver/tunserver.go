// Package tunserver runs the event loop that drives the tunnel: one
// goroutine reads the shared UDP socket, one goroutine per connected
// client reads its TCP socket (permit-gated so it never races ahead of
// stop-and-wait), and a single dispatch goroutine owns the client table
// and is the only writer to any socket.
package tunserver

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/udptunnel/udptunnel-server/internal/client"
	"github.com/udptunnel/udptunnel-server/internal/clienttable"
	"github.com/udptunnel/udptunnel-server/internal/config"
	"github.com/udptunnel/udptunnel-server/internal/dispatcher"
	"github.com/udptunnel/udptunnel-server/internal/events"
	"github.com/udptunnel/udptunnel-server/internal/logging"
	"github.com/udptunnel/udptunnel-server/internal/metrics"
	"github.com/udptunnel/udptunnel-server/internal/protocol"
)

// udpEvent carries one decoded (or malformed) inbound datagram into the
// dispatch goroutine.
type udpEvent struct {
	frame   protocol.Frame
	from    *net.UDPAddr
	decErr  error
}

// tcpEvent carries bytes (or a terminal error) read from one client's
// TCP socket into the dispatch goroutine.
type tcpEvent struct {
	id   uint16
	data []byte
	err  error
}

type udpSender struct {
	conn *net.UDPConn
}

func (s *udpSender) SendFrame(id uint16, typ byte, payload []byte, addr *net.UDPAddr) error {
	buf, err := protocol.Encode(id, typ, payload)
	if err != nil {
		return err
	}
	n, err := s.conn.WriteToUDP(buf, addr)
	if err != nil {
		return err
	}
	metrics.UDPFramesTxTotal.Inc()
	metrics.UDPBytesTxTotal.Add(float64(n))
	return nil
}

// Server is the single logical reactor multiplexing the UDP socket and
// every connected client's TCP socket.
type Server struct {
	conn    *net.UDPConn
	table   *clienttable.Table
	disp    *dispatcher.Dispatcher
	cfg     config.Runtime
	log     *logging.Logger
	emitter events.Emitter

	events  chan any
	permits map[uint16]chan struct{}
	cancels map[uint16]context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Server around an already-bound UDP socket. emitter may be
// nil, in which case events are discarded.
func New(conn *net.UDPConn, cfg config.Runtime, log *logging.Logger, emitter events.Emitter) *Server {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	table := clienttable.New()
	dial := func(network, addr string) (net.Conn, error) {
		return net.DialTimeout(network, addr, cfg.DialTimeout)
	}
	disp := dispatcher.New(table, dispatcher.NewIDAllocator(), dial, log)

	return &Server{
		conn:    conn,
		table:   table,
		disp:    disp,
		cfg:     cfg,
		log:     log,
		emitter: emitter,
		events:  make(chan any, cfg.EventChannelSize),
		permits: make(map[uint16]chan struct{}),
		cancels: make(map[uint16]context.CancelFunc),
	}
}

// Run drives the event loop until ctx is cancelled or a SIGINT/SIGTERM
// arrives, then tears down every client and closes the UDP socket before
// returning.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.log.Info("received signal %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	s.wg.Add(1)
	go s.udpReadLoop(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	sender := &udpSender{conn: s.conn}

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			s.wg.Wait()
			return nil
		case ev := <-s.events:
			s.handleEvent(ctx, ev, sender)
		case now := <-ticker.C:
			s.tick(now, sender)
		}
	}
}

func (s *Server) handleEvent(ctx context.Context, ev any, sender client.Sender) {
	switch e := ev.(type) {
	case udpEvent:
		s.handleUDPEvent(ctx, e, sender)
	case tcpEvent:
		s.handleTCPEvent(e, sender)
	}
}

func (s *Server) udpReadLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 65535)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadinessTimeout))
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.log.Error("udp socket fatal error: %v", err)
			return
		}

		frame, decErr := protocol.Decode(buf[:n])
		select {
		case s.events <- udpEvent{frame: frame, from: from, decErr: decErr}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleUDPEvent(ctx context.Context, e udpEvent, sender client.Sender) {
	if e.decErr != nil {
		metrics.MalformedFramesTotal.WithLabelValues(classifyDecodeErr(e.decErr)).Inc()
		s.emitter.Emit(events.EventMalformedFrame, events.MalformedFrameData{
			From:   addrString(e.from),
			Reason: e.decErr.Error(),
		})
		return
	}

	metrics.UDPFramesRxTotal.Inc()
	metrics.UDPBytesRxTotal.Add(float64(protocol.HeaderSize + len(e.frame.Payload)))

	outcome := s.disp.Dispatch(e.frame, e.from, sender)

	if outcome.Created {
		metrics.ClientsCreatedTotal.Inc()
		metrics.ClientsActive.Inc()
		s.emitter.Emit(events.EventClientCreated, events.ClientCreatedData{
			ID:       outcome.CreatedID,
			PeerAddr: outcome.CreatedPeer,
			Target:   outcome.CreatedTarget,
		})
	}
	if outcome.Handshaked {
		s.startClientReader(ctx, outcome.HandshakedID)
		s.emitter.Emit(events.EventHandshakeComplete, events.HandshakeCompleteData{
			ID:       outcome.HandshakedID,
			PeerAddr: outcome.HandshakedPeer,
		})
	}
	if outcome.DataAccepted {
		s.flushClient(outcome.DataAcceptedID)
	}
	if outcome.AckCleared {
		s.grantPermit(outcome.AckClearedID)
	}
	if outcome.Removed {
		s.removeClient(outcome.RemovedID, outcome.Reason)
	}
}

func (s *Server) handleTCPEvent(e tcpEvent, sender client.Sender) {
	cl, ok := s.table.Lookup(e.id)
	if !ok {
		return // already torn down between the read and its delivery
	}

	if e.err != nil {
		s.removeClient(e.id, events.ReasonTCPError)
		return
	}

	metrics.TCPBytesRxTotal.Add(float64(len(e.data)))
	res := cl.OnTCPReadable(e.data, nil, sender)
	if res == client.ResultFatal {
		s.removeClient(e.id, events.ReasonTCPError)
	}
	// ResultBusy should not occur: the reader only reads again once its
	// permit is renewed, and the permit is withheld until pending clears.
}

func (s *Server) tick(now time.Time, sender client.Sender) {
	s.table.Iterate(func(cl *client.Client) {
		if cl.HasBufferedOut() {
			n, res := cl.FlushTCPOut()
			if n > 0 {
				metrics.TCPBytesTxTotal.Add(float64(n))
			}
			if res == client.ResultFatal {
				s.removeClient(cl.ID, events.ReasonTCPError)
				return
			}
		}

		res, retransmitted := cl.Tick(now, s.cfg.RetransmitTimeout, s.cfg.MaxRetries, sender)
		if retransmitted {
			metrics.RetransmitsTotal.Inc()
			s.emitter.Emit(events.EventRetransmit, events.RetransmitData{
				ID:    cl.ID,
				Seq:   cl.PendingSeq(),
				Retry: cl.PendingRetries(),
			})
		}
		if res == client.ResultFatal {
			s.removeClient(cl.ID, events.ReasonRetransmitExhausted)
		}
	})
}

func (s *Server) startClientReader(ctx context.Context, id uint16) {
	cl, ok := s.table.Lookup(id)
	if !ok || cl.Conn() == nil {
		return
	}

	permit := make(chan struct{}, 1)
	permit <- struct{}{} // the first read is always granted
	s.permits[id] = permit

	// A cancel distinct from the server's own ctx: removeClient must be
	// able to unblock this one reader without waiting for the whole
	// server to shut down.
	readerCtx, cancel := context.WithCancel(ctx)
	s.cancels[id] = cancel

	s.wg.Add(1)
	go s.runClientReader(readerCtx, id, cl.Conn(), permit)
}

func (s *Server) runClientReader(ctx context.Context, id uint16, conn net.Conn, permit chan struct{}) {
	defer s.wg.Done()
	buf := make([]byte, protocol.MaxPayloadSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-permit:
		}

		n, err := conn.Read(buf)
		var data []byte
		if n > 0 {
			data = append([]byte(nil), buf[:n]...)
		}

		select {
		case s.events <- tcpEvent{id: id, data: data, err: err}:
		case <-ctx.Done():
			return
		}

		if err != nil {
			return
		}
	}
}

func (s *Server) grantPermit(id uint16) {
	permit, ok := s.permits[id]
	if !ok {
		return
	}
	select {
	case permit <- struct{}{}:
	default:
	}
}

func (s *Server) flushClient(id uint16) {
	cl, ok := s.table.Lookup(id)
	if !ok {
		return
	}
	n, res := cl.FlushTCPOut()
	if n > 0 {
		metrics.TCPBytesTxTotal.Add(float64(n))
	}
	if res == client.ResultFatal {
		s.removeClient(id, events.ReasonTCPError)
	}
}

func (s *Server) removeClient(id uint16, reason string) {
	cl, ok := s.table.Lookup(id)
	if !ok {
		return
	}
	peer := cl.PeerAddr.String()

	s.table.Remove(id) // closes the TCP conn, unblocking any in-flight Read
	delete(s.permits, id)
	if cancel, ok := s.cancels[id]; ok {
		cancel() // unblocks a reader parked on <-permit
		delete(s.cancels, id)
	}

	metrics.ClientsActive.Dec()
	metrics.ClientsRemovedTotal.WithLabelValues(reason).Inc()
	s.emitter.Emit(events.EventClientRemoved, events.ClientRemovedData{
		ID:       id,
		PeerAddr: peer,
		Reason:   reason,
	})
	s.log.Debug("client=%d removed: %s", id, reason)
}

func (s *Server) shutdown() {
	n := s.table.Len()
	if n > 0 {
		s.log.Info("cleaning up %d active client(s)", n)
	}

	var ids []uint16
	s.table.Iterate(func(cl *client.Client) { ids = append(ids, cl.ID) })
	for _, id := range ids {
		s.table.Remove(id)
		metrics.ClientsActive.Dec()
	}

	_ = s.conn.Close()
	s.log.Info("stopped")
}

func classifyDecodeErr(err error) string {
	switch {
	case errors.Is(err, protocol.ErrFrameTooShort):
		return "too_short"
	case errors.Is(err, protocol.ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, protocol.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, protocol.ErrUnknownType):
		return "unknown_type"
	default:
		return "other"
	}
}

func addrString(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
