//go:build tinygo

package telemetry

import (
	"openenterprise/bindicator/version"
)

// jsonWriter is a zero-allocation JSON writer that writes to BodyBuf
type jsonWriter struct {
	pos int
}

// reset resets the writer position
func (w *jsonWriter) reset() {
	w.pos = 0
}

// len returns the current length
func (w *jsonWriter) len() int {
	return w.pos
}

// writeRaw writes raw bytes
func (w *jsonWriter) writeRaw(s string) {
	if w.pos+len(s) > len(BodyBuf) {
		return
	}
	copy(BodyBuf[w.pos:], s)
	w.pos += len(s)
}

// writeByte writes a single byte
func (w *jsonWriter) writeByte(b byte) {
	if w.pos < len(BodyBuf) {
		BodyBuf[w.pos] = b
		w.pos++
	}
}

// writeString writes a JSON string value (with quotes)
func (w *jsonWriter) writeString(s string) {
	w.writeByte('"')
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch b {
		case '"':
			w.writeRaw("\\\"")
		case '\\':
			w.writeRaw("\\\\")
		case '\n':
			w.writeRaw("\\n")
		case '\r':
			w.writeRaw("\\r")
		case '\t':
			w.writeRaw("\\t")
		default:
			if b >= 32 && b < 127 {
				w.writeByte(b)
			} else {
				// Skip non-printable characters
			}
		}
	}
	w.writeByte('"')
}

// writeBytes writes a JSON string from a byte slice
func (w *jsonWriter) writeBytes(b []byte, n int) {
	w.writeByte('"')
	for i := 0; i < n && i < len(b); i++ {
		c := b[i]
		switch c {
		case '"':
			w.writeRaw("\\\"")
		case '\\':
			w.writeRaw("\\\\")
		case '\n':
			w.writeRaw("\\n")
		case '\r':
			w.writeRaw("\\r")
		case '\t':
			w.writeRaw("\\t")
		default:
			if c >= 32 && c < 127 {
				w.writeByte(c)
			}
		}
	}
	w.writeByte('"')
}

// writeInt64 writes an int64 as a JSON string (OTLP uses string for large numbers)
func (w *jsonWriter) writeInt64(n int64) {
	w.writeByte('"')
	if n == 0 {
		w.writeByte('0')
	} else if n < 0 {
		w.writeByte('-')
		n = -n
		w.writeUint64(uint64(n))
	} else {
		w.writeUint64(uint64(n))
	}
	w.writeByte('"')
}

// writeUint64 writes digits of a uint64
func (w *jsonWriter) writeUint64(n uint64) {
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	for j := i; j < len(buf); j++ {
		w.writeByte(buf[j])
	}
}

// writeInt writes an integer directly (not as string)
func (w *jsonWriter) writeInt(n int) {
	if n == 0 {
		w.writeByte('0')
		return
	}
	if n < 0 {
		w.writeByte('-')
		n = -n
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	for j := i; j < len(buf); j++ {
		w.writeByte(buf[j])
	}
}

// writeResourceAttributes writes common resource attributes
func (w *jsonWriter) writeResourceAttributes() {
	w.writeRaw(`"resource":{"attributes":[`)
	w.writeRaw(`{"key":"service.name","value":{"stringValue":"ota-core"}},`)
	w.writeRaw(`{"key":"service.version","value":{"stringValue":`)
	w.writeString(version.Version)
	w.writeRaw(`}},`)
	w.writeRaw(`{"key":"service.instance.id","value":{"stringValue":`)
	w.writeString(shortSHA())
	w.writeRaw(`}},`)
	w.writeRaw(`{"key":"host.name","value":{"stringValue":"ota-core-pico"}}`)
	w.writeRaw(`]}`)
}

// shortSHA returns the first 7 characters of the git SHA
func shortSHA() string {
	if len(version.GitSHA) >= 7 {
		return version.GitSHA[:7]
	}
	return version.GitSHA
}

// BuildLogsJSON builds the OTLP JSON payload for logs
// Returns the length of the payload in BodyBuf
func BuildLogsJSON() int {
	if LogCount == 0 {
		return 0
	}

	var w jsonWriter
	w.reset()

	// Start resourceLogs
	w.writeRaw(`{"resourceLogs":[{`)
	w.writeResourceAttributes()
	w.writeRaw(`,"scopeLogs":[{"scope":{"name":"ota-core"},"logRecords":[`)

	// Write each log entry
	first := true
	for i := 0; i < LogCount; i++ {
		idx := (LogHead + i) % len(LogQueue)
		entry := &LogQueue[idx]

		if !first {
			w.writeByte(',')
		}
		first = false

		w.writeRaw(`{"timeUnixNano":`)
		w.writeInt64(entry.Timestamp)
		w.writeRaw(`,"severityNumber":`)
		w.writeInt(int(entry.Severity))
		w.writeRaw(`,"body":{"stringValue":`)
		w.writeBytes(entry.Body[:], int(entry.BodyLen))
		w.writeByte('}')
		w.writeByte('}')
	}

	// Close JSON
	w.writeRaw(`]}]}]}`)

	return w.len()
}
