package sink

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"openenterprise/bindicator/manager"
)

var (
	ErrNotHTTP        = errors.New("sink: url is not http")
	ErrNoHost         = errors.New("sink: url has no host")
	ErrMissingLength  = errors.New("sink: request has no Content-Length")
	ErrMissingCRC     = errors.New("sink: request has no X-Firmware-Crc32 header")
	ErrBadStatus      = errors.New("sink: unexpected HTTP response status")
	ErrUnauthorized   = errors.New("sink: X-Ota-Auth header missing or incorrect")
	ErrSha256Mismatch = errors.New("sink: X-Firmware-Sha256 does not match received body")
)

// Conn is the narrow transport collaborator both the upload and
// URL-pull adapters need: a deadline-capable byte stream. On the
// target, a *tcp.Conn from the lneto stack is adapted to this via
// connAdapter (lneto.go); in tests and the host CLI it is
// satisfied directly by net.Conn or net.Pipe().
type Conn interface {
	io.Reader
	io.Writer
	SetDeadline(t time.Time) error
}

// Dialer opens a Conn to host:port. Production wiring supplies a
// closure over the device's network stack (tinygo) or net.Dial (host);
// tests supply an in-memory pipe.
type Dialer func(host string, port uint16) (Conn, error)

// Session drives one manager update session from an inbound byte
// stream, forwarding backpressure naturally: WriteChunk blocks inside
// flash.Device.Write for as long as the page program takes, and the
// caller's read loop simply doesn't read the next chunk until it
// returns.
type Session struct {
	mgr        *manager.Manager
	log        *slog.Logger
	status     statusBox
	authSecret string
	gate       gate
}

// NewSession returns a Session bound to mgr.
func NewSession(mgr *manager.Manager, log *slog.Logger) *Session {
	return &Session{mgr: mgr, log: log}
}

// SetAuthSecret requires every HandleUpload request to carry a matching
// X-Ota-Auth header before it is allowed to start an update. An empty
// secret (the default) disables the check, useful in development.
func (s *Session) SetAuthSecret(secret string) {
	s.authSecret = secret
}

func (s *Session) checkAuth(headers map[string]string) error {
	if s.authSecret == "" {
		return nil
	}
	if headers["x-ota-auth"] != s.authSecret {
		return ErrUnauthorized
	}
	return nil
}

// Status returns a snapshot of the current upload/pull progress.
func (s *Session) Status() Status {
	return s.status.snapshot()
}

func (s *Session) fail(err error) error {
	s.status.set(func(st *Status) {
		st.State = Error
		st.ErrorMessage = err.Error()
	})
	if s.log != nil {
		s.log.Error("sink:error", slog.String("err", err.Error()))
	}
	_ = s.mgr.CancelUpdate()
	return err
}

// HandleUpload parses one HTTP-style request off conn (request line,
// headers, then exactly Content-Length body bytes), staging it through
// the manager: start_update on headers, write_chunk per body read,
// finalize_update using the X-Firmware-Crc32 header once the body ends.
// On any lower-layer read error it cancels the in-progress update.
func (s *Session) HandleUpload(conn Conn, readTimeout time.Duration) error {
	if err := s.handleUpload(conn, readTimeout); err != nil {
		status := 400
		if errors.Is(err, ErrDisabled) {
			status = 403
		}
		writeResponse(conn, status, err.Error())
		return err
	}
	writeResponse(conn, 200, "update complete")
	return nil
}

func (s *Session) handleUpload(conn Conn, readTimeout time.Duration) error {
	if !s.gate.IsEnabled() {
		// Read the request head anyway, like the other handlers, so the
		// rejection goes to a peer that has finished sending it.
		conn.SetDeadline(time.Now().Add(readTimeout))
		br := bufio.NewReader(conn)
		if _, err := br.ReadString('\n'); err == nil {
			readHeaders(br)
		}
		return ErrDisabled
	}
	s.mgr.Quiesce()
	defer s.mgr.Resume()
	s.status.set(func(st *Status) { *st = Status{State: ReceivingHeaders} })
	if err := conn.SetDeadline(time.Now().Add(readTimeout)); err != nil {
		return s.fail(err)
	}

	br := bufio.NewReader(conn)
	if _, err := br.ReadString('\n'); err != nil { // request line, ignored
		return s.fail(err)
	}

	headers, err := readHeaders(br)
	if err != nil {
		return s.fail(err)
	}

	if err := s.checkAuth(headers); err != nil {
		return s.fail(err)
	}

	length, crc, version, err := requiredHeaders(headers)
	if err != nil {
		return s.fail(err)
	}
	wantSha256, hasSha256, err := optionalSha256Header(headers)
	if err != nil {
		return s.fail(err)
	}

	if err := s.mgr.StartUpdate(length, version); err != nil {
		return s.fail(err)
	}

	s.status.set(func(st *Status) { st.State = ReceivingBody })
	sum := sha256.New()
	if err := s.streamBody(br, conn, length, readTimeout, sum); err != nil {
		return s.fail(err)
	}
	if hasSha256 && !bytesEqual(sum.Sum(nil), wantSha256) {
		return s.fail(ErrSha256Mismatch)
	}

	s.status.set(func(st *Status) { st.State = Validating })
	if err := s.mgr.FinalizeUpdate(crc); err != nil {
		return s.fail(err)
	}

	s.status.set(func(st *Status) { st.State = Complete })
	return nil
}

// writeResponse sends a minimal HTTP-style status line so a host-side
// caller (cmd/otactl) learns the outcome; failures to write it are not
// reported, since the update's own success/failure already happened.
func writeResponse(conn Conn, status int, message string) {
	text := statusText(status)
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\n\r\n%s", status, text, len(message), message)
}

func statusText(status int) string {
	switch status {
	case 200:
		return "OK"
	case 403:
		return "Forbidden"
	default:
		return "Bad Request"
	}
}

// PullURL parses an http://host[:port]/path URL, dials it, issues a GET,
// and streams the response body the same way HandleUpload streams a
// request body.
func (s *Session) PullURL(rawURL string, dial Dialer, timeout time.Duration) error {
	if !s.gate.IsEnabled() {
		return ErrDisabled
	}
	s.mgr.Quiesce()
	defer s.mgr.Resume()
	s.status.set(func(st *Status) { *st = Status{State: ParsingURL} })
	host, port, path, err := parsePullURL(rawURL)
	if err != nil {
		return s.fail(err)
	}

	s.status.set(func(st *Status) { st.State = ResolvingDNS })
	s.status.set(func(st *Status) { st.State = Connecting })
	conn, err := dial(host, port)
	if err != nil {
		return s.fail(err)
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return s.fail(err)
	}

	s.status.set(func(st *Status) { st.State = SendingRequest })
	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", path, host)
	if _, err := io.WriteString(conn, req); err != nil {
		return s.fail(err)
	}

	s.status.set(func(st *Status) { st.State = ReceivingHeaders })
	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		return s.fail(err)
	}
	if !strings.Contains(statusLine, " 200 ") {
		return s.fail(fmt.Errorf("%w: %q", ErrBadStatus, strings.TrimSpace(statusLine)))
	}

	headers, err := readHeaders(br)
	if err != nil {
		return s.fail(err)
	}
	length, crc, version, err := requiredHeaders(headers)
	if err != nil {
		return s.fail(err)
	}
	wantSha256, hasSha256, err := optionalSha256Header(headers)
	if err != nil {
		return s.fail(err)
	}

	if err := s.mgr.StartUpdate(length, version); err != nil {
		return s.fail(err)
	}

	s.status.set(func(st *Status) { st.State = ReceivingBody })
	sum := sha256.New()
	if err := s.streamBody(br, conn, length, timeout, sum); err != nil {
		return s.fail(err)
	}
	if hasSha256 && !bytesEqual(sum.Sum(nil), wantSha256) {
		return s.fail(ErrSha256Mismatch)
	}

	s.status.set(func(st *Status) { st.State = Validating })
	if err := s.mgr.FinalizeUpdate(crc); err != nil {
		return s.fail(err)
	}

	s.status.set(func(st *Status) { st.State = Complete })
	return nil
}

const streamChunkSize = 4096

// streamBody reads exactly length bytes from br in streamChunkSize
// pieces, forwarding each to the manager and, if sum is non-nil, also
// hashing it for the optional X-Firmware-Sha256 transport check.
func (s *Session) streamBody(br *bufio.Reader, conn Conn, length uint32, timeout time.Duration, sum hash.Hash) error {
	var remaining uint32 = length
	buf := make([]byte, streamChunkSize)
	for remaining > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		want := len(buf)
		if uint32(want) > remaining {
			want = int(remaining)
		}
		n, err := io.ReadFull(br, buf[:want])
		if n > 0 {
			if sum != nil {
				sum.Write(buf[:n])
			}
			if werr := s.mgr.WriteChunk(buf[:n]); werr != nil {
				return werr
			}
			remaining -= uint32(n)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func optionalSha256Header(headers map[string]string) (sum []byte, present bool, err error) {
	hexStr, ok := headers["x-firmware-sha256"]
	if !ok {
		return nil, false, nil
	}
	sum, err = hex.DecodeString(hexStr)
	if err != nil {
		return nil, false, fmt.Errorf("sink: bad X-Firmware-Sha256 header: %w", err)
	}
	return sum, true, nil
}

func readHeaders(br *bufio.Reader) (map[string]string, error) {
	headers := make(map[string]string, 4)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return headers, nil
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		headers[key] = strings.TrimSpace(line[idx+1:])
	}
}

func requiredHeaders(headers map[string]string) (length uint32, crc uint32, version string, err error) {
	lenStr, ok := headers["content-length"]
	if !ok {
		return 0, 0, "", ErrMissingLength
	}
	n, err := strconv.ParseUint(lenStr, 10, 32)
	if err != nil {
		return 0, 0, "", fmt.Errorf("%w: %v", ErrMissingLength, err)
	}

	crcStr, ok := headers["x-firmware-crc32"]
	if !ok {
		return 0, 0, "", ErrMissingCRC
	}
	crc64, err := strconv.ParseUint(strings.TrimPrefix(crcStr, "0x"), 16, 32)
	if err != nil {
		return 0, 0, "", fmt.Errorf("%w: %v", ErrMissingCRC, err)
	}

	return uint32(n), uint32(crc64), headers["x-firmware-version"], nil
}

func parsePullURL(raw string) (host string, port uint16, path string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, "", err
	}
	if u.Scheme != "http" {
		return "", 0, "", ErrNotHTTP
	}
	if u.Host == "" {
		return "", 0, "", ErrNoHost
	}
	host = u.Hostname()
	port = 80
	if p := u.Port(); p != "" {
		n, perr := strconv.ParseUint(p, 10, 16)
		if perr != nil {
			return "", 0, "", perr
		}
		port = uint16(n)
	}
	path = u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return host, port, path, nil
}
