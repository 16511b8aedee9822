package testutil

import (
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

const natsStopTimeout = 5 * time.Second

// FreePort asks the kernel for an unused loopback TCP port.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// StartLocalNATSServer runs a JetStream-enabled nats-server for the test.
// Params: test handle; the test is skipped when the binary is not installed.
// Returns: server URL and idempotent stop callback, also registered with Cleanup.
func StartLocalNATSServer(tb testing.TB) (string, func()) {
	tb.Helper()

	port, err := FreePort()
	if err != nil {
		tb.Fatalf("free port: %v", err)
	}
	cmd := exec.Command("nats-server", "-js", "-a", "127.0.0.1", "-p", strconv.Itoa(port), "-sd", tb.TempDir())
	if err := cmd.Start(); err != nil {
		tb.Skipf("nats-server binary not available: %v", err)
	}

	var once sync.Once
	stop := func() { once.Do(func() { stopProcess(cmd) }) }
	tb.Cleanup(stop)

	url := "nats://127.0.0.1:" + strconv.Itoa(port)
	WaitForNATSReady(tb, url, 8*time.Second)
	return url, stop
}

// ConnectNATS opens a client connection closed on test cleanup.
func ConnectNATS(tb testing.TB, url string) *nats.Conn {
	tb.Helper()
	nc, err := nats.Connect(url)
	if err != nil {
		tb.Fatalf("connect nats %s: %v", url, err)
	}
	tb.Cleanup(nc.Close)
	return nc
}

// WaitForNATSReady polls url until a client can connect.
// Params: test handle, server URL, and overall timeout.
// Returns: nothing; fails the test on timeout.
func WaitForNATSReady(tb testing.TB, url string, timeout time.Duration) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if nc, err := nats.Connect(url); err == nil {
			nc.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	tb.Fatalf("nats-server at %s not ready after %s", url, timeout)
}

// stopProcess sends SIGTERM and kills the server if it does not exit in time.
func stopProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(natsStopTimeout):
		_ = cmd.Process.Kill()
		<-done
	}
}
