package sink

import (
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"openenterprise/bindicator/flash"
	"openenterprise/bindicator/manager"
	"openenterprise/bindicator/metadata"
)

// pipeConn adapts a net.Conn (from net.Pipe) to sink.Conn; net.Conn
// already implements SetDeadline, Read, and Write, so this is just a
// type alias in behavior — kept as its own type so test code reads
// clearly about what's being exercised.
type pipeConn struct {
	net.Conn
}

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	dev := flash.NewSimDevice()
	store, err := metadata.NewStore(dev, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return manager.NewManager(store, dev, nil)
}

func makeImage(size int) []byte {
	img := make([]byte, size)
	for i := range img {
		img[i] = byte(i * 11)
	}
	return img
}

func TestHandleUpload_HappyPath(t *testing.T) {
	mgr := newTestManager(t)
	sess := NewSession(mgr, nil)
	sess.Enable(time.Minute)

	server, client := net.Pipe()
	defer client.Close()

	img := makeImage(8192)
	crc := crc32.ChecksumIEEE(img)

	done := make(chan error, 1)
	go func() {
		done <- sess.HandleUpload(pipeConn{server}, 5*time.Second)
	}()

	req := fmt.Sprintf("POST /firmware HTTP/1.1\r\nHost: device\r\nContent-Length: %d\r\nX-Firmware-Crc32: %#x\r\nX-Firmware-Version: v9\r\n\r\n", len(img), crc)
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	if _, err := client.Write(img); err != nil {
		t.Fatalf("write body: %v", err)
	}
	client.Close()

	if err := <-done; err != nil {
		t.Fatalf("HandleUpload: %v", err)
	}
	if sess.Status().State != Complete {
		t.Fatalf("state = %v, want Complete", sess.Status().State)
	}
}

func TestHandleUpload_MissingCRCHeader(t *testing.T) {
	mgr := newTestManager(t)
	sess := NewSession(mgr, nil)
	sess.Enable(time.Minute)

	server, client := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- sess.HandleUpload(pipeConn{server}, 2*time.Second)
	}()

	req := "POST /firmware HTTP/1.1\r\nHost: device\r\nContent-Length: 10\r\n\r\n"
	client.Write([]byte(req))

	err := <-done
	if err == nil {
		t.Fatalf("expected error for missing CRC header")
	}
	if sess.Status().State != Error {
		t.Fatalf("state = %v, want Error", sess.Status().State)
	}
}

func TestHandleUpload_ConnectionDropMidBody_Cancels(t *testing.T) {
	mgr := newTestManager(t)
	sess := NewSession(mgr, nil)
	sess.Enable(time.Minute)

	server, client := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- sess.HandleUpload(pipeConn{server}, 2*time.Second)
	}()

	req := "POST /firmware HTTP/1.1\r\nHost: device\r\nContent-Length: 8192\r\nX-Firmware-Crc32: 0xdeadbeef\r\n\r\n"
	client.Write([]byte(req))
	client.Write(makeImage(1000)) // far short of 8192
	client.Close()                // simulate a dropped connection

	err := <-done
	if err == nil {
		t.Fatalf("expected error from a short body")
	}
	if sess.Status().State != Error {
		t.Fatalf("state = %v, want Error", sess.Status().State)
	}
}

func TestParsePullURL(t *testing.T) {
	cases := []struct {
		raw      string
		wantHost string
		wantPort uint16
		wantPath string
		wantErr  error
	}{
		{"http://10.0.0.5/fw.bin", "10.0.0.5", 80, "/fw.bin", nil},
		{"http://10.0.0.5:8080/a/b", "10.0.0.5", 8080, "/a/b", nil},
		{"https://example.com/x", "", 0, "", ErrNotHTTP},
		{"http://", "", 0, "", ErrNoHost},
	}
	for _, c := range cases {
		host, port, path, err := parsePullURL(c.raw)
		if c.wantErr != nil {
			if err != c.wantErr {
				t.Errorf("parsePullURL(%q) err = %v, want %v", c.raw, err, c.wantErr)
			}
			continue
		}
		if err != nil || host != c.wantHost || port != c.wantPort || path != c.wantPath {
			t.Errorf("parsePullURL(%q) = (%q,%d,%q,%v), want (%q,%d,%q,nil)", c.raw, host, port, path, err, c.wantHost, c.wantPort, c.wantPath)
		}
	}
}

func TestPullURL_HappyPath(t *testing.T) {
	mgr := newTestManager(t)
	sess := NewSession(mgr, nil)
	sess.Enable(time.Minute)

	server, client := net.Pipe()
	img := makeImage(4096)
	crc := crc32.ChecksumIEEE(img)

	dial := func(host string, port uint16) (Conn, error) {
		return pipeConn{client}, nil
	}

	done := make(chan error, 1)
	go func() {
		done <- sess.PullURL("http://device.local/fw.bin", dial, 5*time.Second)
	}()

	// Act as the origin server: read the GET request, then respond.
	buf := make([]byte, 512)
	n, err := server.Read(buf)
	if err != nil || n == 0 {
		t.Fatalf("server read request: %v", err)
	}

	resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\nX-Firmware-Crc32: %#x\r\n\r\n", len(img), crc)
	io.WriteString(server, resp)
	server.Write(img)
	server.Close()

	if err := <-done; err != nil {
		t.Fatalf("PullURL: %v", err)
	}
	if sess.Status().State != Complete {
		t.Fatalf("state = %v, want Complete", sess.Status().State)
	}
}

func TestHandleUpload_DisabledByDefault(t *testing.T) {
	mgr := newTestManager(t)
	sess := NewSession(mgr, nil) // gate never enabled

	server, client := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- sess.HandleUpload(pipeConn{server}, 2*time.Second)
	}()

	req := "POST /firmware HTTP/1.1\r\nHost: device\r\nContent-Length: 10\r\nX-Firmware-Crc32: 0x1\r\n\r\n"
	client.Write([]byte(req))

	if err := <-done; err != ErrDisabled {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestHandleUpload_WrongAuthSecret(t *testing.T) {
	mgr := newTestManager(t)
	sess := NewSession(mgr, nil)
	sess.Enable(time.Minute)
	sess.SetAuthSecret("swordfish")

	server, client := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- sess.HandleUpload(pipeConn{server}, 2*time.Second)
	}()

	req := "POST /firmware HTTP/1.1\r\nHost: device\r\nContent-Length: 10\r\nX-Firmware-Crc32: 0x1\r\nX-Ota-Auth: wrong\r\n\r\n"
	client.Write([]byte(req))

	if err := <-done; err != ErrUnauthorized {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestHandleUpload_Sha256Mismatch(t *testing.T) {
	mgr := newTestManager(t)
	sess := NewSession(mgr, nil)
	sess.Enable(time.Minute)

	server, client := net.Pipe()
	defer client.Close()

	img := makeImage(4096)
	crc := crc32.ChecksumIEEE(img)

	done := make(chan error, 1)
	go func() {
		done <- sess.HandleUpload(pipeConn{server}, 2*time.Second)
	}()

	req := fmt.Sprintf("POST /firmware HTTP/1.1\r\nHost: device\r\nContent-Length: %d\r\nX-Firmware-Crc32: %#x\r\nX-Firmware-Sha256: %x\r\n\r\n", len(img), crc, make([]byte, 32))
	client.Write([]byte(req))
	client.Write(img)
	client.Close()

	if err := <-done; err != ErrSha256Mismatch {
		t.Fatalf("err = %v, want ErrSha256Mismatch", err)
	}
	if sess.Status().State != Error {
		t.Fatalf("state = %v, want Error", sess.Status().State)
	}
}

func TestGate_EnableDisableTimeRemaining(t *testing.T) {
	mgr := newTestManager(t)
	sess := NewSession(mgr, nil)

	if sess.IsEnabled() {
		t.Fatalf("gate should start disabled")
	}
	sess.Enable(time.Minute)
	if !sess.IsEnabled() {
		t.Fatalf("gate should be enabled after Enable")
	}
	if sess.TimeRemaining() <= 0 {
		t.Fatalf("expected positive time remaining")
	}
	sess.Disable()
	if sess.IsEnabled() {
		t.Fatalf("gate should be disabled after Disable")
	}
	if sess.TimeRemaining() != 0 {
		t.Fatalf("expected zero time remaining once disabled")
	}
}

func TestHandleStatus_ReportsActiveBankAndGate(t *testing.T) {
	mgr := newTestManager(t)
	sess := NewSession(mgr, nil)
	sess.Enable(30 * time.Second)

	server, client := net.Pipe()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		done <- sess.HandleStatus(pipeConn{server}, time.Second)
	}()

	client.Write([]byte("GET /status HTTP/1.1\r\nHost: device\r\n\r\n"))

	buf := make([]byte, 4096)
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read status response: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}

	body := string(buf[:n])
	if !strings.Contains(body, `"active_bank":"A"`) {
		t.Fatalf("response missing active bank: %s", body)
	}
	if !strings.Contains(body, `"ota_enabled":true`) {
		t.Fatalf("response missing enabled flag: %s", body)
	}
}
