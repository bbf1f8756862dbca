package httptunnel

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, cmdTunnelData, []byte("payload")); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if err := writeFrame(&buf, cmdTunnelClose, nil); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	f1, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if f1.cmd != cmdTunnelData || string(f1.payload) != "payload" {
		t.Fatalf("got %+v", f1)
	}

	f2, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if f2.cmd != cmdTunnelClose {
		t.Fatalf("got %+v", f2)
	}
}

func TestServerClientRoundTrip(t *testing.T) {
	accepted := make(chan *Conn, 1)
	srv := NewServer(func(c *Conn) {
		accepted <- c
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := Dial(ctx, ts.URL+"/session")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var serverConn *Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted a session")
	}

	if _, err := serverConn.Write([]byte("hello client")); err != nil {
		t.Fatalf("server write: %v", err)
	}

	buf := make([]byte, len("hello client"))
	if _, err := readFull(ctx, client, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf) != "hello client" {
		t.Fatalf("got %q", buf)
	}

	if _, err := client.Write([]byte("hello server")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	buf2 := make([]byte, len("hello server"))
	if _, err := readFull(ctx, serverConn, buf2); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(buf2) != "hello server" {
		t.Fatalf("got %q", buf2)
	}
}

// readFull reads exactly len(buf) bytes from r, issuing repeated small reads
// since both Conn and ClientConn may deliver fewer bytes than requested per
// call (the underlying pipes are not guaranteed to coalesce writes).
func readFull(ctx context.Context, r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
