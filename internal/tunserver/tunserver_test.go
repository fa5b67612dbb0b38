package tunserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/udptunnel/udptunnel-server/internal/config"
	"github.com/udptunnel/udptunnel-server/internal/events"
	"github.com/udptunnel/udptunnel-server/internal/logging"
	"github.com/udptunnel/udptunnel-server/internal/protocol"
	"github.com/udptunnel/udptunnel-server/internal/testutil"
)

func testConfig() config.Runtime {
	return config.Runtime{
		RetransmitTimeout: 80 * time.Millisecond,
		MaxRetries:        2,
		TickInterval:      15 * time.Millisecond,
		ReadinessTimeout:  10 * time.Millisecond,
		DialTimeout:       time.Second,
		EventChannelSize:  64,
	}
}

// startServer binds the server to an ephemeral loopback UDP port, runs it
// in the background, and returns a UDP socket a test can use to act as
// the tunnel client, plus the server's address and a stop func that
// cancels the loop and waits for it to exit.
func startServer(t *testing.T, cfg config.Runtime) (clientSock *net.UDPConn, serverAddr *net.UDPAddr, stop func()) {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP (client): %v", err)
	}

	srv := New(conn, cfg, logging.NewLogger(logging.LevelError), events.NopEmitter{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()

	stop = func() {
		cancel()
		<-done
		_ = client.Close()
	}
	return client, conn.LocalAddr().(*net.UDPAddr), stop
}

// echoListener accepts exactly one TCP connection and echoes back
// whatever it reads, so a round trip through the tunnel can be observed
// from the client's UDP socket.
func echoListener(t *testing.T) (addr *net.TCPAddr, accepted <-chan net.Conn) {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	ch := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(ch)
			return
		}
		ch <- conn
		io.Copy(conn, conn)
	}()
	return ln.Addr().(*net.TCPAddr), ch
}

func sendFrame(t *testing.T, conn *net.UDPConn, to *net.UDPAddr, id uint16, typ byte, payload []byte) {
	t.Helper()
	buf, err := protocol.Encode(id, typ, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := conn.WriteToUDP(buf, to); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}
}

func recvFrame(t *testing.T, conn *net.UDPConn, timeout time.Duration) (protocol.Frame, error) {
	t.Helper()
	buf := make([]byte, 65535)
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.Decode(buf[:n])
}

func handshake(t *testing.T, clientSock *net.UDPConn, serverAddr *net.UDPAddr, targetPort int) uint16 {
	t.Helper()
	payload := []byte(fmt.Sprintf("127.0.0.1 %d", targetPort))
	sendFrame(t, clientSock, serverAddr, 0, protocol.TypeHello, payload)

	f, err := recvFrame(t, clientSock, time.Second)
	if err != nil {
		t.Fatalf("waiting for HELLOACK: %v", err)
	}
	if f.Type != protocol.TypeHelloAck {
		t.Fatalf("got frame type %s, want HELLOACK", protocol.TypeName(f.Type))
	}
	if f.ID == 0 {
		t.Fatalf("HELLOACK carries reserved id 0")
	}

	sendFrame(t, clientSock, serverAddr, f.ID, protocol.TypeHelloAck, nil)
	return f.ID
}

// TestServer_Handshake exercises S1: HELLO -> HELLOACK -> client HELLOACK
// completes the connection, and a second HELLOACK is an idempotent no-op.
func TestServer_Handshake(t *testing.T) {
	targetAddr, _ := echoListener(t)
	clientSock, serverAddr, stop := startServer(t, testConfig())
	defer stop()

	id := handshake(t, clientSock, serverAddr, targetAddr.Port)

	// Repeat the client-side HELLOACK; the server must not reply to it
	// with anything (there's nothing to acknowledge).
	sendFrame(t, clientSock, serverAddr, id, protocol.TypeHelloAck, nil)
	if _, err := recvFrame(t, clientSock, 150*time.Millisecond); err == nil {
		t.Error("expected no reply to a repeated HELLOACK")
	}
}

// TestServer_DataForwardAndRoundTrip exercises S2 plus the downstream
// relay: a DATA frame from the client reaches the TCP target, which
// echoes it back, and the server delivers it downstream as a DATA frame
// the client must ACK.
func TestServer_DataForwardAndRoundTrip(t *testing.T) {
	targetAddr, accepted := echoListener(t)
	clientSock, serverAddr, stop := startServer(t, testConfig())
	defer stop()

	id := handshake(t, clientSock, serverAddr, targetAddr.Port)

	sendFrame(t, clientSock, serverAddr, id, protocol.TypeData0, []byte("hello"))

	ack, err := recvFrame(t, clientSock, time.Second)
	if err != nil {
		t.Fatalf("waiting for ACK0: %v", err)
	}
	if ack.Type != protocol.TypeAck0 {
		t.Fatalf("got %s, want ACK0", protocol.TypeName(ack.Type))
	}

	select {
	case conn := <-accepted:
		if conn == nil {
			t.Fatal("target listener failed to accept")
		}
	case <-time.After(time.Second):
		t.Fatal("TCP target never accepted a connection")
	}

	// Duplicate DATA0 must be re-acked without being forwarded again. The
	// echo server sends "hello" back over TCP and the tunnel relays it
	// downstream as DATA0; that relay runs concurrently with the handling
	// of the duplicate, so the two frames may arrive in either order.
	sendFrame(t, clientSock, serverAddr, id, protocol.TypeData0, []byte("hello"))
	var dupAcks, downs int
	var down protocol.Frame
	for i := 0; i < 2; i++ {
		f, err := recvFrame(t, clientSock, time.Second)
		if err != nil {
			t.Fatalf("waiting for duplicate ACK0 and downstream DATA: %v", err)
		}
		switch f.Type {
		case protocol.TypeAck0:
			dupAcks++
		case protocol.TypeData0:
			down = f
			downs++
		default:
			t.Fatalf("got %s, want ACK0 for duplicate or downstream DATA0", protocol.TypeName(f.Type))
		}
	}
	if dupAcks != 1 || downs != 1 {
		t.Fatalf("got %d ACK0 and %d DATA0, want one of each", dupAcks, downs)
	}
	if string(down.Payload) != "hello" {
		t.Fatalf("downstream payload = %q, want %q", down.Payload, "hello")
	}

	// ACKing it should clear the pending frame and stop retransmits.
	sendFrame(t, clientSock, serverAddr, id, protocol.TypeAck0, nil)
	if _, err := recvFrame(t, clientSock, 200*time.Millisecond); err == nil {
		t.Error("expected no retransmit after ACKing the downstream frame")
	}
}

// TestServer_RetransmitsUnackedDownstreamData exercises the retransmit
// path: if the client never ACKs a downstream DATA frame, the server
// resends it until MaxRetries is exhausted and then tears the client down.
func TestServer_RetransmitsUnackedDownstreamData(t *testing.T) {
	targetAddr, accepted := echoListener(t)
	cfg := testConfig()
	clientSock, serverAddr, stop := startServer(t, cfg)
	defer stop()

	id := handshake(t, clientSock, serverAddr, targetAddr.Port)

	sendFrame(t, clientSock, serverAddr, id, protocol.TypeData0, []byte("x"))
	if _, err := recvFrame(t, clientSock, time.Second); err != nil {
		t.Fatalf("waiting for ACK0: %v", err)
	}
	<-accepted

	first, err := recvFrame(t, clientSock, time.Second)
	if err != nil || first.Type != protocol.TypeData0 {
		t.Fatalf("waiting for first downstream DATA0: frame=%v err=%v", first, err)
	}

	// Never ACK it: expect cfg.MaxRetries retransmissions of the same
	// frame, then the client gets torn down (GOODBYE is never sent, so
	// further DATA0 from us is simply dropped).
	for i := 0; i < cfg.MaxRetries; i++ {
		retry, err := recvFrame(t, clientSock, cfg.RetransmitTimeout*3)
		if err != nil {
			t.Fatalf("waiting for retransmit %d: %v", i+1, err)
		}
		if retry.Type != protocol.TypeData0 || string(retry.Payload) != "x" {
			t.Fatalf("retransmit %d = %+v, want DATA0 %q", i+1, retry, "x")
		}
	}

	// After retries are exhausted, the client should be removed: a fresh
	// DATA0 against the same id gets no ACK.
	time.Sleep(cfg.RetransmitTimeout * 2)
	sendFrame(t, clientSock, serverAddr, id, protocol.TypeData0, []byte("y"))
	if _, err := recvFrame(t, clientSock, 200*time.Millisecond); err == nil {
		t.Error("expected id to be torn down after exhausting retries")
	}
}

// TestServer_UnknownIDDroppedSilently exercises S5: frames for a tunnel
// id the server never allocated draw no response at all.
func TestServer_UnknownIDDroppedSilently(t *testing.T) {
	clientSock, serverAddr, stop := startServer(t, testConfig())
	defer stop()

	sendFrame(t, clientSock, serverAddr, 999, protocol.TypeData0, []byte("nope"))
	if _, err := recvFrame(t, clientSock, 200*time.Millisecond); err == nil {
		t.Error("expected no reply for an unknown tunnel id")
	}
}

// TestServer_GoodbyeTeardown exercises S6: GOODBYE closes the TCP
// endpoint and frees the id for silent drop of anything further.
func TestServer_GoodbyeTeardown(t *testing.T) {
	targetAddr, accepted := echoListener(t)
	clientSock, serverAddr, stop := startServer(t, testConfig())
	defer stop()

	id := handshake(t, clientSock, serverAddr, targetAddr.Port)

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("TCP target never accepted a connection")
	}

	sendFrame(t, clientSock, serverAddr, id, protocol.TypeGoodbye, nil)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != io.EOF {
		t.Errorf("expected TCP endpoint to be closed after GOODBYE, got err=%v", err)
	}

	// The id is gone now; further DATA against it is dropped silently.
	sendFrame(t, clientSock, serverAddr, id, protocol.TypeData0, []byte("late"))
	if _, err := recvFrame(t, clientSock, 200*time.Millisecond); err == nil {
		t.Error("expected no reply for a removed tunnel id")
	}
}

// TestServer_MalformedFrameIgnored exercises the "too short to decode"
// case of the error-handling table: a runt datagram draws no reply and
// does not crash the server.
func TestServer_MalformedFrameIgnored(t *testing.T) {
	clientSock, serverAddr, stop := startServer(t, testConfig())
	defer stop()

	if _, err := clientSock.WriteToUDP([]byte{0x01, 0x02}, serverAddr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}
	if _, err := recvFrame(t, clientSock, 200*time.Millisecond); err == nil {
		t.Error("expected no reply to a malformed datagram")
	}

	// The server must still be alive and able to handshake afterward.
	targetAddr, _ := echoListener(t)
	handshake(t, clientSock, serverAddr, targetAddr.Port)
}

// TestClassifyDecodeErr maps each of protocol.Decode's wrapped sentinel
// errors to its metrics label. protocol.Decode wraps ErrUnknownType with
// fmt.Errorf("%w: ...", ...), so a plain == comparison against the
// sentinel would never match; classifyDecodeErr must use errors.Is.
func TestClassifyDecodeErr(t *testing.T) {
	_, unknownTypeErr := protocol.Decode([]byte{0, 1, 0xAA, 0, 0})
	_, tooShortErr := protocol.Decode([]byte{0x01, 0x02})
	_, lengthMismatchErr := protocol.Decode([]byte{0, 1, protocol.TypeData0, 0, 5, 'h', 'i'})
	_, payloadTooLargeErr := protocol.Encode(1, protocol.TypeData0, make([]byte, protocol.MaxPayloadSize+1))

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"too_short", tooShortErr, "too_short"},
		{"length_mismatch", lengthMismatchErr, "length_mismatch"},
		{"payload_too_large", payloadTooLargeErr, "payload_too_large"},
		{"unknown_type", unknownTypeErr, "unknown_type"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err == nil {
				t.Fatal("expected a non-nil error to classify")
			}
			if got := classifyDecodeErr(tc.err); got != tc.want {
				t.Errorf("classifyDecodeErr(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

// TestServer_GoodbyeReleasesReaderGoroutine exercises the fix for a
// reader goroutine leak: tearing down a client while a DATA frame is
// still outstanding (pending != nil) used to leave its reader blocked on
// its permit channel forever. It must now exit promptly once removeClient
// cancels its context, well before the server itself shuts down.
func TestServer_GoodbyeReleasesReaderGoroutine(t *testing.T) {
	targetAddr, accepted := echoListener(t)
	clientSock, serverAddr, stop := startServer(t, testConfig())
	defer stop()

	id := handshake(t, clientSock, serverAddr, targetAddr.Port)

	sendFrame(t, clientSock, serverAddr, id, protocol.TypeData0, []byte("x"))
	if _, err := recvFrame(t, clientSock, time.Second); err != nil {
		t.Fatalf("waiting for ACK0: %v", err)
	}
	<-accepted

	// The echoed downstream DATA0 is now pending an ACK the client never
	// sends, so the reader is parked waiting for a permit that would
	// otherwise never come — exactly the state that used to leak it.
	if _, err := recvFrame(t, clientSock, time.Second); err != nil {
		t.Fatalf("waiting for downstream DATA0: %v", err)
	}

	runtime.Gosched()
	baseline := runtime.NumGoroutine()

	sendFrame(t, clientSock, serverAddr, id, protocol.TypeGoodbye, nil)

	// removeClient must cancel this client's reader well before the
	// server itself shuts down, dropping the live goroutine count.
	released := testutil.WaitFor(time.Second, func() bool {
		return runtime.NumGoroutine() < baseline
	})
	if !released {
		t.Error("reader goroutine was not released promptly after GOODBYE")
	}

	// The id is gone; a fresh DATA0 against it draws no ACK.
	sendFrame(t, clientSock, serverAddr, id, protocol.TypeData0, []byte("late"))
	if _, err := recvFrame(t, clientSock, 200*time.Millisecond); err == nil {
		t.Error("expected no reply for a removed tunnel id")
	}
}
