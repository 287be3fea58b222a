//go:build tinygo

// Package telemetry ships structured log records to an OTLP-compatible
// collector over plain HTTP/JSON, with a zero-heap design suitable for a
// resource-constrained TinyGo target. Any *slog.Logger handed to
// metadata, manager, bootsel, or sink can be backed by SlogHandler so that every
// "metadata:*"/"manager:*"/"bootsel:*"/"sink:*" event is queued
// here and flushed to the collector alongside the device's console log.
package telemetry

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

// Configuration constants
const (
	FlushInterval = 30 * time.Second
	HTTPTimeout   = 10 * time.Second
	MaxRetries    = 2
)

// Log severity levels (OTLP standard)
const (
	SeverityDebug = 5
	SeverityInfo  = 9
	SeverityWarn  = 13
	SeverityError = 17
)

// Pre-allocated TCP buffers (~3KB)
// TxBuf must be large enough for body (2KB) + headers (~200 bytes)
var (
	tcpRxBuf [512]byte
	tcpTxBuf [2560]byte
)

// Pre-allocated body and response buffers (~2.3KB)
var (
	BodyBuf [2048]byte
	respBuf [256]byte
)

// LogEntry represents a single queued log record.
type LogEntry struct {
	Timestamp int64
	Severity  uint8
	BodyLen   uint8
	Body      [128]byte
}

// LogQueue is the circular buffer of not-yet-flushed log records.
var (
	LogQueue [8]LogEntry
	LogHead  int
	LogCount int
)

// Telemetry state
var (
	mu        sync.Mutex
	enabled   bool
	paused    bool           // Paused during OTA or other flash-critical operations
	sendingWg sync.WaitGroup // Tracks in-progress HTTP operations
	stack     *xnet.StackAsync
	logger    *slog.Logger
	collector netip.AddrPort

	// Stats
	SentLogs   int
	SendErrors int
)

// Init initializes the telemetry module with the given network stack and collector address.
func Init(s *xnet.StackAsync, log *slog.Logger, collectorAddr netip.AddrPort) error {
	mu.Lock()
	stack = s
	logger = log
	collector = collectorAddr
	enabled = true
	mu.Unlock()

	// Start background sender goroutine
	go senderLoop()

	if log != nil {
		log.Info("telemetry:init", slog.String("collector", collectorAddr.String()))
	}

	return nil
}

// Log queues a log entry with the given severity and message
func Log(severity uint8, msg string) {
	mu.Lock()
	defer mu.Unlock()

	if !enabled || paused {
		return
	}

	// Find slot in circular queue
	idx := (LogHead + LogCount) % len(LogQueue)
	if LogCount >= len(LogQueue) {
		// Queue full, overwrite oldest
		LogHead = (LogHead + 1) % len(LogQueue)
	} else {
		LogCount++
	}

	entry := &LogQueue[idx]
	entry.Timestamp = time.Now().UnixNano()
	entry.Severity = severity

	// Copy message (truncate if needed)
	msgLen := len(msg)
	if msgLen > len(entry.Body) {
		msgLen = len(entry.Body)
	}
	entry.BodyLen = uint8(msgLen)
	copy(entry.Body[:], msg[:msgLen])
}

// LogDebug logs a debug message
func LogDebug(msg string) {
	Log(SeverityDebug, msg)
}

// LogInfo logs an info message
func LogInfo(msg string) {
	Log(SeverityInfo, msg)
}

// LogWarn logs a warning message
func LogWarn(msg string) {
	Log(SeverityWarn, msg)
}

// LogError logs an error message
func LogError(msg string) {
	Log(SeverityError, msg)
}

// senderLoop runs in the background and flushes the log queue periodically
func senderLoop() {
	for {
		time.Sleep(FlushInterval)

		mu.Lock()
		isEnabled := enabled
		isPaused := paused
		mu.Unlock()

		if !isEnabled || isPaused {
			continue
		}

		flushLogs()
	}
}

// Pause temporarily stops telemetry sending (for OTA or other critical operations).
// Blocks until any in-progress HTTP operations complete to avoid network contention.
func Pause() {
	mu.Lock()
	paused = true
	mu.Unlock()

	// Wait for any in-progress HTTP operations to complete
	sendingWg.Wait()
}

// Resume resumes telemetry sending after a pause
func Resume() {
	mu.Lock()
	paused = false
	mu.Unlock()
}

// IsPaused returns true if telemetry is paused
func IsPaused() bool {
	mu.Lock()
	defer mu.Unlock()
	return paused
}

// Flush triggers an immediate flush of the log queue
func Flush() {
	flushLogs()
}

// flushLogs sends queued log entries to the collector
func flushLogs() {
	mu.Lock()
	if LogCount == 0 || !enabled || paused {
		mu.Unlock()
		return
	}

	// Build JSON payload
	bodyLen := BuildLogsJSON()
	count := LogCount

	// Clear queue
	LogHead = 0
	LogCount = 0
	mu.Unlock()

	if bodyLen == 0 {
		return
	}

	// Send HTTP POST
	err := sendHTTPPost("/v1/logs", bodyLen)
	if err != nil {
		mu.Lock()
		SendErrors++
		mu.Unlock()
		if logger != nil {
			logger.Debug("telemetry:logs-failed", slog.String("err", err.Error()))
		}
		return
	}

	mu.Lock()
	SentLogs += count
	mu.Unlock()
}

// sendHTTPPost sends an HTTP POST request to the collector
func sendHTTPPost(path string, bodyLen int) error {
	// Track this operation so Pause() can wait for it to complete
	sendingWg.Add(1)
	defer sendingWg.Done()

	mu.Lock()
	s := stack
	c := collector
	mu.Unlock()

	if s == nil {
		return errors.New("no stack")
	}

	// Configure TCP connection (match MQTT settings)
	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             tcpRxBuf[:],
		TxBuf:             tcpTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return err
	}

	// Create retrying stack for dial
	rstack := s.StackRetrying(5 * time.Millisecond)

	// Random local port
	lport := uint16(s.Prand32()>>17) + 1024

	// Dial with timeout and retries
	err = rstack.DoDialTCP(&conn, lport, c, HTTPTimeout, MaxRetries)
	if err != nil {
		conn.Abort()
		return err
	}

	// Give the stack time to fully establish connection
	time.Sleep(50 * time.Millisecond)

	// Verify connection is ready
	if !conn.State().IsSynchronized() {
		conn.Abort()
		return errors.New("connection not established")
	}

	// Build and send HTTP request
	conn.SetDeadline(time.Now().Add(HTTPTimeout))

	// Write HTTP headers
	conn.Write([]byte("POST "))
	conn.Write([]byte(path))
	conn.Write([]byte(" HTTP/1.1\r\nHost: "))
	conn.Write([]byte(c.Addr().String()))
	conn.Write([]byte("\r\nContent-Type: application/json\r\nContent-Length: "))
	writeHTTPInt(&conn, bodyLen)
	conn.Write([]byte("\r\nConnection: close\r\n\r\n"))

	// Flush headers and give stack time to process
	conn.Flush()
	time.Sleep(50 * time.Millisecond)

	// Write body in chunks if large (tx buffer may not hold all)
	written := 0
	for written < bodyLen {
		chunk := bodyLen - written
		if chunk > 1024 {
			chunk = 1024
		}
		n, err := conn.Write(BodyBuf[written : written+chunk])
		if err != nil {
			conn.Abort()
			return errors.New("write failed: body")
		}
		written += n
		// Flush each chunk and yield to stack
		conn.Flush()
		time.Sleep(50 * time.Millisecond)
	}

	// Final wait for transmission
	time.Sleep(50 * time.Millisecond)

	// Read response (just check for 2xx status)
	respLen, _ := conn.Read(respBuf[:])

	// Close connection gracefully
	conn.Close()
	// Wait up to 1 second for graceful close
	for i := 0; i < 10 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()

	// Discard ARP query to free slot for next connection
	s.DiscardResolveHardwareAddress6(c.Addr())

	// Check for success (HTTP/1.1 2xx)
	if respLen >= 12 {
		// Look for "HTTP/1.1 2" or "HTTP/1.0 2"
		if respBuf[9] == '2' {
			return nil
		}
	}

	return errors.New("http error")
}

// writeHTTPInt writes an integer to the TCP connection
func writeHTTPInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	conn.Write(buf[i:])
}

// Status returns current telemetry statistics
func Status() (isEnabled bool, queuedLogs, sentLogs, errs int, collectorAddr string) {
	mu.Lock()
	defer mu.Unlock()

	return enabled, LogCount, SentLogs, SendErrors, collector.String()
}

// Disable disables telemetry sending
func Disable() {
	mu.Lock()
	enabled = false
	mu.Unlock()
}

// Enable enables telemetry sending
func Enable() {
	mu.Lock()
	enabled = true
	mu.Unlock()
}
