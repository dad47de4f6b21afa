package peer

import (
	"crypto/sha1"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prxssh/rabbitcore/internal/protocol"
)

func mustInfoHash(t *testing.T, seed byte) [sha1.Size]byte {
	t.Helper()
	var h [sha1.Size]byte
	for i := range h {
		h[i] = seed
	}
	return h
}

func writeRawHandshake(t *testing.T, conn net.Conn, pstrlen byte, pstr string, reserved [8]byte, infoHash, peerID [sha1.Size]byte) {
	t.Helper()
	buf := make([]byte, 0, 68)
	buf = append(buf, pstrlen)
	buf = append(buf, pstr...)
	buf = append(buf, reserved[:]...)
	buf = append(buf, infoHash[:]...)
	buf = append(buf, peerID[:]...)
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
}

func TestAcceptHandshake_Success(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	infoHash := mustInfoHash(t, 0xAB)
	remotePeerID := mustInfoHash(t, 0xCD)
	localPeerID := mustInfoHash(t, 0xEF)

	lookup := func(h [sha1.Size]byte) ([sha1.Size]byte, bool) {
		if h != infoHash {
			return [sha1.Size]byte{}, false
		}
		return localPeerID, true
	}

	errCh := make(chan error, 1)
	var result *AcceptResult
	var finalState connState
	go func() {
		var err error
		result, finalState, err = AcceptHandshake(server, lookup, nil)
		errCh <- err
	}()

	writeRawHandshake(t, client, 19, "BitTorrent protocol", [8]byte{}, infoHash, remotePeerID)

	reply, err := protocol.ReadHandshake(client)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.InfoHash != infoHash {
		t.Fatalf("reply info hash = %x, want %x", reply.InfoHash, infoHash)
	}
	if reply.PeerID != localPeerID {
		t.Fatalf("reply peer id = %x, want %x", reply.PeerID, localPeerID)
	}
	if !reply.SupportsExtended() {
		t.Fatalf("reply should advertise BEP 10 support")
	}

	if err := <-errCh; err != nil {
		t.Fatalf("AcceptHandshake: %v", err)
	}
	if finalState != stateMsgLen {
		t.Fatalf("final state = %v, want %v", finalState, stateMsgLen)
	}
	if result.InfoHash != infoHash || result.PeerID != remotePeerID {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestAcceptHandshake_BadPstrlen(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	lookup := func([sha1.Size]byte) ([sha1.Size]byte, bool) { return [sha1.Size]byte{}, true }

	errCh := make(chan error, 1)
	go func() {
		_, _, err := AcceptHandshake(server, lookup, nil)
		errCh <- err
	}()

	if _, err := client.Write([]byte{20}); err != nil {
		t.Fatalf("write: %v", err)
	}

	err := <-errCh
	if !errors.Is(err, ErrBadProtocol) {
		t.Fatalf("err = %v, want ErrBadProtocol", err)
	}
}

func TestAcceptHandshake_UnknownSwarm(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	lookup := func([sha1.Size]byte) ([sha1.Size]byte, bool) { return [sha1.Size]byte{}, false }

	errCh := make(chan error, 1)
	go func() {
		_, _, err := AcceptHandshake(server, lookup, nil)
		errCh <- err
		// Drain the unread peer id so the client's write to the
		// unbuffered pipe can complete.
		_, _ = io.Copy(io.Discard, server)
	}()

	writeRawHandshake(t, client, 19, "BitTorrent protocol", [8]byte{}, mustInfoHash(t, 1), mustInfoHash(t, 2))

	err := <-errCh
	if !errors.Is(err, ErrUnknownSwarm) {
		t.Fatalf("err = %v, want ErrUnknownSwarm", err)
	}
}

func TestAcceptHandshake_DuplicatePeer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	infoHash := mustInfoHash(t, 1)
	lookup := func(h [sha1.Size]byte) ([sha1.Size]byte, bool) { return mustInfoHash(t, 9), true }
	dup := func(h [sha1.Size]byte, p [sha1.Size]byte) bool { return true }

	errCh := make(chan error, 1)
	go func() {
		_, _, err := AcceptHandshake(server, lookup, dup)
		errCh <- err
	}()

	writeRawHandshake(t, client, 19, "BitTorrent protocol", [8]byte{}, infoHash, mustInfoHash(t, 2))

	err := <-errCh
	if !errors.Is(err, ErrDuplicatePeer) {
		t.Fatalf("err = %v, want ErrDuplicatePeer", err)
	}
}

func TestAcceptHandshake_BadProtocolString(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	lookup := func([sha1.Size]byte) ([sha1.Size]byte, bool) { return [sha1.Size]byte{}, true }

	errCh := make(chan error, 1)
	go func() {
		_, _, err := AcceptHandshake(server, lookup, nil)
		errCh <- err
		// Drain the unread rest of the handshake so the client's write
		// to the unbuffered pipe can complete.
		_, _ = io.Copy(io.Discard, server)
	}()

	writeRawHandshake(t, client, 19, "NotBitTorrentProto!!", [8]byte{}, mustInfoHash(t, 1), mustInfoHash(t, 2))

	err := <-errCh
	if !errors.Is(err, ErrBadProtocol) {
		t.Fatalf("err = %v, want ErrBadProtocol", err)
	}
}

func TestConnStateString(t *testing.T) {
	cases := map[connState]string{
		stateProtoLen: "read_proto_len",
		stateProto:    "read_proto",
		stateInfoHash: "read_info_hash",
		statePeerID:   "read_peer_id",
		stateMsgLen:   "read_msg_len",
		stateMsgBody:  "read_msg_body",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("connState(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestAcceptHandshake_TimesOutOnSlowPeer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_ = server.SetReadDeadline(time.Now().Add(10 * time.Millisecond))

	lookup := func([sha1.Size]byte) ([sha1.Size]byte, bool) { return [sha1.Size]byte{}, true }
	_, _, err := AcceptHandshake(server, lookup, nil)
	if err == nil {
		t.Fatalf("expected timeout error, got nil")
	}
}
