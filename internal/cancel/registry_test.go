package cancel

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

func TestForwardUsesCurrentUpstreamIdentity(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		net.Conn(conn).Read(buf)
		received <- buf
	}()

	reg := New()
	tok := Token{PID: 1, Secret: 2}
	target := &Target{Addr: ln.Addr().String(), BackendPID: 42, BackendSecret: 99}
	reg.Register(tok, target)

	if err := reg.Forward(tok, time.Second); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	select {
	case buf := <-received:
		if binary.BigEndian.Uint32(buf[4:8]) != 80877102 {
			t.Fatalf("wrong cancel discriminant")
		}
		if int32(binary.BigEndian.Uint32(buf[8:12])) != 42 {
			t.Fatalf("wrong forwarded pid")
		}
		if int32(binary.BigEndian.Uint32(buf[12:16])) != 99 {
			t.Fatalf("wrong forwarded secret")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded cancel")
	}
}

func TestForwardUnknownTokenIsNoop(t *testing.T) {
	reg := New()
	if err := reg.Forward(Token{PID: 1, Secret: 2}, time.Second); err != nil {
		t.Fatalf("expected nil error for unknown token, got %v", err)
	}
}

func TestUnregisterRemovesToken(t *testing.T) {
	reg := New()
	tok := Token{PID: 5, Secret: 6}
	reg.Register(tok, &Target{Addr: "127.0.0.1:1"})
	reg.Unregister(tok)
	if _, ok := reg.Lookup(tok); ok {
		t.Fatalf("expected token to be gone after Unregister")
	}
}
