package systemd

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	sent, err := Ready()
	if err != nil || sent {
		t.Fatalf("Ready sent=%v err=%v", sent, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := Watchdog(ctx, nil); err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}

func TestNotificationsReachSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram unavailable: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	read := func() string {
		t.Helper()
		buf := make([]byte, 256)
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := conn.ReadFromUnix(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return string(buf[:n])
	}

	if sent, err := Ready(); err != nil || !sent {
		t.Fatalf("Ready sent=%v err=%v", sent, err)
	}
	if got := read(); got != "READY=1" {
		t.Fatalf("got %q", got)
	}
	if _, err := Status("cycle done: %d new", 3); err != nil {
		t.Fatal(err)
	}
	if got := read(); !strings.HasPrefix(got, "STATUS=cycle done: 3 new") {
		t.Fatalf("got %q", got)
	}
	if _, err := Stopping(); err != nil {
		t.Fatal(err)
	}
	if got := read(); got != "STOPPING=1" {
		t.Fatalf("got %q", got)
	}
}
