package capture

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestUDPCapturerReceivesFrame(t *testing.T) {
	t.Parallel()

	c, err := NewUDPCapturer("127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("NewUDPCapturer: %v", err)
	}
	defer c.Close()

	listenAddr := c.conn.LocalAddr().(*net.UDPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	frames := make(chan Frame, 1)

	go func() {
		c.Run(ctx, func(f Frame) {
			select {
			case frames <- f:
			default:
			}
		})
	}()

	sender, err := net.DialUDP("udp", nil, listenAddr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer sender.Close()

	payload := []byte("hello transport stream")
	if _, err := sender.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case f := <-frames:
		if string(f.Payload) != string(payload) {
			t.Errorf("Payload = %q, want %q", f.Payload, payload)
		}
		if f.Snapshot.UDP.DstPort != uint16(listenAddr.Port) {
			t.Errorf("DstPort = %d, want %d", f.Snapshot.UDP.DstPort, listenAddr.Port)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for captured frame")
	}

	cancel()
}

func TestNewUDPCapturerRejectsBadAddr(t *testing.T) {
	t.Parallel()

	if _, err := NewUDPCapturer("not-an-address", 0); err == nil {
		t.Fatal("expected error for an unresolvable address")
	}
}
