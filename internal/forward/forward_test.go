package forward

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// clientHello builds a minimal TLS 1.2 ClientHello record carrying the
// given SNI host.
func clientHello(host string) []byte {
	sniEntry := make([]byte, 3+len(host))
	sniEntry[0] = 0 // host_name
	binary.BigEndian.PutUint16(sniEntry[1:3], uint16(len(host)))
	copy(sniEntry[3:], host)

	sniData := make([]byte, 2+len(sniEntry))
	binary.BigEndian.PutUint16(sniData, uint16(len(sniEntry)))
	copy(sniData[2:], sniEntry)

	ext := make([]byte, 4+len(sniData))
	binary.BigEndian.PutUint16(ext, 0) // server_name extension
	binary.BigEndian.PutUint16(ext[2:4], uint16(len(sniData)))
	copy(ext[4:], sniData)

	var body []byte
	body = append(body, 0x03, 0x03)            // client_version
	body = append(body, make([]byte, 32)...)   // random
	body = append(body, 0)                     // session_id
	body = append(body, 0, 2, 0x13, 0x01)      // cipher_suites
	body = append(body, 1, 0)                  // compression_methods
	extLen := make([]byte, 2)
	binary.BigEndian.PutUint16(extLen, uint16(len(ext)))
	body = append(body, extLen...)
	body = append(body, ext...)

	msg := make([]byte, 4+len(body))
	msg[0] = 0x01 // client_hello
	msg[1] = byte(len(body) >> 16)
	msg[2] = byte(len(body) >> 8)
	msg[3] = byte(len(body))
	copy(msg[4:], body)

	rec := make([]byte, 5+len(msg))
	rec[0] = 0x16 // handshake
	rec[1], rec[2] = 0x03, 0x01
	binary.BigEndian.PutUint16(rec[3:5], uint16(len(msg)))
	copy(rec[5:], msg)
	return rec
}

func TestClientHelloSNIParse(t *testing.T) {
	hello := clientHello("api.udon.dance")
	host, err := clientHelloSNI(hello[5:])
	require.NoError(t, err)
	assert.Equal(t, "api.udon.dance", host)
}

func TestClientHelloSNIRejectsGarbage(t *testing.T) {
	_, err := clientHelloSNI([]byte("GET / HTTP/1.1\r\n"))
	assert.Error(t, err)
}

// backendEcho accepts one connection and streams everything it reads back
// to the test over got, then writes reply and closes.
func backendEcho(t *testing.T, reply []byte, want int) (addr string, got chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	got = make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, want)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		got <- buf
		conn.Write(reply)
	}()
	return ln.Addr().String(), got
}

// startForwarder runs a Forwarder on a loopback port. The returned stop
// must be deferred after goleak registration so every relay goroutine is
// down before the leak check runs.
func startForwarder(t *testing.T, routes map[string][]string) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	f := New(routes, true, 16)
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = f.Serve(ctx, ln)
	}()
	return ln.Addr().String(), func() {
		cancel()
		<-served
	}
}

func TestForwardPassThrough(t *testing.T) {
	defer goleak.VerifyNone(t)

	hello := clientHello("api.udon.dance")
	extra := []byte("opaque encrypted bytes after the hello")
	reply := []byte("bytes from the origin")

	backendAddr, got := backendEcho(t, reply, len(hello)+len(extra))
	addr, stop := startForwarder(t, map[string][]string{"api.udon.dance": {backendAddr}})
	defer stop()

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(hello)
	require.NoError(t, err)
	_, err = client.Write(extra)
	require.NoError(t, err)

	select {
	case received := <-got:
		assert.Equal(t, append(append([]byte{}, hello...), extra...), received)
	case <-time.After(5 * time.Second):
		t.Fatal("backend never received the relayed bytes")
	}

	buf := make([]byte, len(reply))
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, reply, buf)

	// Backend closed after its reply; the client sees EOF, not a hang.
	_, err = client.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestForwardDropsUnknownHost(t *testing.T) {
	defer goleak.VerifyNone(t)

	addr, stop := startForwarder(t, map[string][]string{"api.udon.dance": {"127.0.0.1:1"}})
	defer stop()

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(clientHello("somewhere.else"))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestForwardDropsNonTLS(t *testing.T) {
	defer goleak.VerifyNone(t)

	addr, stop := startForwarder(t, map[string][]string{"api.udon.dance": {"127.0.0.1:1"}})
	defer stop()

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("GET / HTTP/1.1\r\nHost: api.udon.dance\r\n\r\n"))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestRoundRobinPick(t *testing.T) {
	r := &route{backends: []string{"a:1", "b:1", "c:1"}}
	seen := map[string]int{}
	for i := 0; i < 9; i++ {
		seen[r.pick()]++
	}
	assert.Equal(t, map[string]int{"a:1": 3, "b:1": 3, "c:1": 3}, seen)

	single := &route{backends: []string{"only:1"}}
	assert.Equal(t, "only:1", single.pick())
}
