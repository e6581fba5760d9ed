package sshpool

import (
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// testServer starts a minimal in-process SSH server that runs requested
// exec commands through a tiny interpreter: "true" always succeeds,
// "sleep" waits five seconds and then exits 0, anything else echoes
// back "stdout:<cmd>" and exits 0.
func testServer(t *testing.T) (addr string, hostKey ssh.Signer) {
	t.Helper()

	signer, err := ssh.NewSignerFromKey(mustGenerateKey(t))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleConn(conn, cfg)
		}
	}()

	return ln.Addr().String(), signer
}

func handleConn(nConn net.Conn, cfg *ssh.ServerConfig) {
	sConn, chans, reqs, err := ssh.NewServerConn(nConn, cfg)
	if err != nil {
		return
	}
	defer sConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer channel.Close()
			for req := range requests {
				if req.Type == "exec" {
					cmd := string(req.Payload[4:])
					req.Reply(true, nil)
					switch cmd {
					case "true":
						channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
					case "sleep":
						time.Sleep(5 * time.Second)
						channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
					default:
						channel.Write([]byte("stdout:" + cmd))
						channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
					}
					return
				}
				req.Reply(false, nil)
			}
		}()
	}
}

func TestPool_RunSucceeds(t *testing.T) {
	addr, _ := testServer(t)
	host, portStr, _ := net.SplitHostPort(addr)
	port := mustAtoi(t, portStr)

	pool := New("", nil)
	defer pool.Close()

	result, err := pool.Run(context.Background(), Target{Host: host, User: "deploy", Port: port}, "echo hi", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Stdout != "stdout:echo hi" {
		t.Errorf("unexpected stdout: %q", result.Stdout)
	}
	if !result.Success() {
		t.Errorf("expected success")
	}
}

func TestPool_RunTimesOut(t *testing.T) {
	addr, _ := testServer(t)
	host, portStr, _ := net.SplitHostPort(addr)
	port := mustAtoi(t, portStr)

	pool := New("", nil)
	defer pool.Close()

	_, err := pool.Run(context.Background(), Target{Host: host, User: "deploy", Port: port}, "sleep", RunOptions{Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestPool_ReusesConnection(t *testing.T) {
	addr, _ := testServer(t)
	host, portStr, _ := net.SplitHostPort(addr)
	port := mustAtoi(t, portStr)

	pool := New("", nil)
	defer pool.Close()

	target := Target{Host: host, User: "deploy", Port: port}
	if _, err := pool.Run(context.Background(), target, "true", RunOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	pool.mu.Lock()
	n := len(pool.conns)
	pool.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 pooled connection, got %d", n)
	}
	if _, err := pool.Run(context.Background(), target, "true", RunOptions{}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	pool.mu.Lock()
	n = len(pool.conns)
	pool.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected connection to be reused, got %d pooled", n)
	}
}
