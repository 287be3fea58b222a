package sink

import (
	"bufio"
	"fmt"
	"sync"
	"time"

	"openenterprise/bindicator/flash"
)

// gate guards the upload/pull endpoints behind an explicit enable call
// with a timeout, closing the attack window when no update is in flight.
type gate struct {
	mu      sync.Mutex
	enabled bool
	until   time.Time
}

// Enable opens the gate for d, after which it auto-closes.
func (g *gate) Enable(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = true
	g.until = time.Now().Add(d)
}

// Disable closes the gate immediately.
func (g *gate) Disable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = false
	g.until = time.Time{}
}

// IsEnabled reports whether the gate currently admits a request, folding
// in the timeout without a background timer.
func (g *gate) IsEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.enabled && time.Now().After(g.until) {
		g.enabled = false
	}
	return g.enabled
}

// TimeRemaining reports how long the gate stays open, or zero if closed.
func (g *gate) TimeRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		return 0
	}
	if d := time.Until(g.until); d > 0 {
		return d
	}
	return 0
}

// Enable opens the session's upload/pull endpoints for d.
func (s *Session) Enable(d time.Duration) { s.gate.Enable(d) }

// Disable closes the session's upload/pull endpoints immediately.
func (s *Session) Disable() { s.gate.Disable() }

// IsEnabled reports whether the session currently accepts a new update.
func (s *Session) IsEnabled() bool { return s.gate.IsEnabled() }

// TimeRemaining reports how long the enable window has left.
func (s *Session) TimeRemaining() time.Duration { return s.gate.TimeRemaining() }

// ErrDisabled is returned (and reported to the caller as a 403) when an
// upload or pull is attempted while the gate is closed.
var ErrDisabled = fmt.Errorf("sink: OTA endpoint disabled, call Enable first")

// HandleStatus serves a single GET /status request with a hand-built
// JSON body reporting bank and update state.
func (s *Session) HandleStatus(conn Conn, readTimeout time.Duration) error {
	if err := conn.SetDeadline(time.Now().Add(readTimeout)); err != nil {
		return err
	}
	br := bufio.NewReader(conn)
	if _, err := br.ReadString('\n'); err != nil { // request line, ignored
		return err
	}
	if _, err := readHeaders(br); err != nil {
		return err
	}

	body := s.statusJSON()
	fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	return nil
}

// HandleEnable serves a POST /enable request, opening the gate for the
// duration named by the X-Enable-Seconds header (defaultWindow, supplied
// by the caller, otherwise) after checking the same X-Ota-Auth secret
// HandleUpload does.
func (s *Session) HandleEnable(conn Conn, readTimeout time.Duration, defaultWindow time.Duration) error {
	if err := conn.SetDeadline(time.Now().Add(readTimeout)); err != nil {
		return err
	}
	br := bufio.NewReader(conn)
	if _, err := br.ReadString('\n'); err != nil {
		return err
	}
	headers, err := readHeaders(br)
	if err != nil {
		return err
	}
	if err := s.checkAuth(headers); err != nil {
		writeResponse(conn, 403, err.Error())
		return err
	}

	window := defaultWindow
	if secStr, ok := headers["x-enable-seconds"]; ok {
		if n, perr := parseUintHeader(secStr); perr == nil {
			window = time.Duration(n) * time.Second
		}
	}
	s.Enable(window)
	writeResponse(conn, 200, fmt.Sprintf("enabled for %s", window))
	return nil
}

// HandleDisable serves a POST /disable request, closing the gate.
func (s *Session) HandleDisable(conn Conn, readTimeout time.Duration) error {
	if err := conn.SetDeadline(time.Now().Add(readTimeout)); err != nil {
		return err
	}
	br := bufio.NewReader(conn)
	if _, err := br.ReadString('\n'); err != nil {
		return err
	}
	headers, err := readHeaders(br)
	if err != nil {
		return err
	}
	if err := s.checkAuth(headers); err != nil {
		writeResponse(conn, 403, err.Error())
		return err
	}
	s.Disable()
	writeResponse(conn, 200, "disabled")
	return nil
}

func parseUintHeader(s string) (uint64, error) {
	var n uint64
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a number: %q", s)
		}
		n = n*10 + uint64(c-'0')
	}
	return n, nil
}

func (s *Session) statusJSON() string {
	r := s.mgr.Report()
	bank := func(b flash.FirmwareBank) string {
		bm := r.Banks[b]
		return fmt.Sprintf(`{"bank":%q,"valid":%t,"crc32":%d,"size":%d,"version":%q,"boot_count":%d}`,
			bm.Bank.String(), bm.Valid, bm.CRC32, bm.Size, bm.Version, bm.BootCount)
	}
	return fmt.Sprintf(`{"active_bank":%q,"rollback_occurred":%t,"rollback_count":%d,"ota_enabled":%t,"banks":[%s,%s],"update":{"state":%q,"progress_percent":%d}}`,
		r.ActiveBank.String(), r.RollbackOccurred, r.RollbackCount, s.IsEnabled(),
		bank(flash.BankA), bank(flash.BankB),
		r.Update.State.String(), r.Update.ProgressPercent)
}
