// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package nsig

import (
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHelper is a minimal in-process signing helper.
type stubHelper struct {
	listener net.Listener

	// handle maps opcode to a payload builder; the stub frames responses.
	handle func(opcode byte, payload []byte) []byte

	// corruptRequestID makes the stub reply with a wrong request id once.
	corruptRequestID atomic.Bool
}

func startStub(t *testing.T, handle func(opcode byte, payload []byte) []byte) *stubHelper {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &stubHelper{listener: listener, handle: handle}
	go s.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return s
}

func (s *stubHelper) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

func (s *stubHelper) serveConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	for {
		var header [5]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		opcode := header[0]
		requestID := binary.BigEndian.Uint32(header[1:5])

		var payload []byte
		if opcode == opDecryptNSig || opcode == opDecryptSig {
			var lenBuf [2]byte
			if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
				return
			}
			payload = make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
		}

		body := s.handle(opcode, payload)

		if s.corruptRequestID.CompareAndSwap(true, false) {
			requestID++
		}
		resp := make([]byte, 8+len(body))
		binary.BigEndian.PutUint32(resp[0:4], requestID)
		binary.BigEndian.PutUint32(resp[4:8], uint32(len(body)))
		copy(resp[8:], body)
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func echoDecrypt(opcode byte, payload []byte) []byte {
	switch opcode {
	case opForceUpdate:
		body := make([]byte, 2)
		binary.BigEndian.PutUint16(body, statusUpdated)
		return body
	case opDecryptNSig, opDecryptSig:
		decrypted := append([]byte("dec-"), payload...)
		body := make([]byte, 2+len(decrypted))
		binary.BigEndian.PutUint16(body[:2], uint16(len(decrypted)))
		copy(body[2:], decrypted)
		return body
	case opSignatureTimestamp:
		body := make([]byte, 8)
		binary.BigEndian.PutUint64(body, 19834)
		return body
	case opPlayerStatus:
		body := make([]byte, 5)
		body[0] = 1
		binary.BigEndian.PutUint32(body[1:5], 0xDEADBEEF)
		return body
	case opPlayerUpdateAge:
		body := make([]byte, 8)
		binary.BigEndian.PutUint64(body, 120)
		return body
	}
	return nil
}

func newTestClient(t *testing.T, s *stubHelper) *Client {
	t.Helper()
	c, err := New(Addr{Network: "tcp", Address: s.listener.Addr().String()}, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := New(Addr{}, time.Second)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestForceUpdate(t *testing.T) {
	c := newTestClient(t, startStub(t, echoDecrypt))

	result, err := c.ForceUpdate()
	require.NoError(t, err)
	assert.Equal(t, Updated, result)
}

func TestDecryptNSig(t *testing.T) {
	c := newTestClient(t, startStub(t, echoDecrypt))

	got, err := c.DecryptNSig("abc123")
	require.NoError(t, err)
	assert.Equal(t, "dec-abc123", got)
}

func TestDecryptSig(t *testing.T) {
	c := newTestClient(t, startStub(t, echoDecrypt))

	got, err := c.DecryptSig("sigvalue")
	require.NoError(t, err)
	assert.Equal(t, "dec-sigvalue", got)
}

func TestDecryptFailureIsSafe(t *testing.T) {
	stub := startStub(t, func(opcode byte, payload []byte) []byte {
		// Declared size 0 means the helper declined the decryption.
		return []byte{0, 0}
	})
	c := newTestClient(t, stub)

	_, err := c.DecryptNSig("abc")
	assert.ErrorIs(t, err, ErrSafe)

	// The connection stays usable: no reconnect happens and the next call
	// still works against the same stream.
	_, err = c.DecryptNSig("def")
	assert.ErrorIs(t, err, ErrSafe)
}

func TestSignatureTimestamp(t *testing.T) {
	c := newTestClient(t, startStub(t, echoDecrypt))

	ts, err := c.SignatureTimestamp()
	require.NoError(t, err)
	assert.Equal(t, uint64(19834), ts)
}

func TestPlayerStatus(t *testing.T) {
	c := newTestClient(t, startStub(t, echoDecrypt))

	status, err := c.Status()
	require.NoError(t, err)
	assert.True(t, status.HasPlayer)
	assert.Equal(t, uint32(0xDEADBEEF), status.PlayerID)
}

func TestPlayerUpdateAge(t *testing.T) {
	c := newTestClient(t, startStub(t, echoDecrypt))

	age, err := c.PlayerUpdateAge()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, age)
}

func TestWrongRequestIDMarksConnectionDirty(t *testing.T) {
	stub := startStub(t, echoDecrypt)
	stub.corruptRequestID.Store(true)
	c := newTestClient(t, stub)

	_, err := c.SignatureTimestamp()
	require.ErrorIs(t, err, Err)

	// The next call reconnects first and succeeds.
	ts, err := c.SignatureTimestamp()
	require.NoError(t, err)
	assert.Equal(t, uint64(19834), ts)
}

func TestInputTooLong(t *testing.T) {
	c := newTestClient(t, startStub(t, echoDecrypt))

	huge := make([]byte, 1<<16)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err := c.DecryptNSig(string(huge))
	assert.ErrorIs(t, err, ErrSafe)
}
