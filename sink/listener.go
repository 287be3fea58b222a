//go:build tinygo

package sink

import (
	"bufio"
	"log/slog"
	"strings"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

// Serve accepts one connection at a time on port and dispatches it to
// HandleUpload, HandleStatus, HandleEnable, or HandleDisable by
// request line, accepting one connection at a time (this core has no
// use for concurrent update sessions; concurrent multi-image staging
// is out of scope). It returns only if the connection cannot be
// configured, and otherwise loops forever; call it with go.
func (s *Session) Serve(stack *xnet.StackAsync, port uint16, rxBuf, txBuf []byte, readTimeout, defaultEnableWindow time.Duration, log *slog.Logger) {
	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{RxBuf: rxBuf, TxBuf: txBuf, TxPacketQueueSize: 2}); err != nil {
		if log != nil {
			log.Error("sink:configure-failed", slog.String("err", err.Error()))
		}
		return
	}

	for {
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if err := stack.ListenTCP(&conn, port); err != nil {
			if log != nil {
				log.Error("sink:listen-failed", slog.String("err", err.Error()))
			}
			time.Sleep(3 * time.Second)
			continue
		}

		waited := 0
		for conn.State().IsPreestablished() && waited < 6000 {
			time.Sleep(10 * time.Millisecond)
			waited++
		}
		if !conn.State().IsSynchronized() {
			continue
		}

		s.dispatch(NewAcceptedConn(&conn), readTimeout, defaultEnableWindow, log)
		conn.Close()
	}
}

// dispatch peeks the request line to pick a handler, then replays it
// (via a bufio.Reader wrapper the handlers read through) so the chosen
// handler still sees the full request from byte zero.
func (s *Session) dispatch(conn Conn, readTimeout, defaultEnableWindow time.Duration, log *slog.Logger) {
	conn.SetDeadline(time.Now().Add(readTimeout))
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		return
	}
	replay := &prefixConn{Conn: conn, prefix: []byte(line)}

	switch {
	case strings.HasPrefix(line, "GET /status"):
		if err := s.HandleStatus(replay, readTimeout); err != nil && log != nil {
			log.Error("sink:status-failed", slog.String("err", err.Error()))
		}
	case strings.HasPrefix(line, "POST /enable"):
		if err := s.HandleEnable(replay, readTimeout, defaultEnableWindow); err != nil && log != nil {
			log.Error("sink:enable-failed", slog.String("err", err.Error()))
		}
	case strings.HasPrefix(line, "POST /disable"):
		if err := s.HandleDisable(replay, readTimeout); err != nil && log != nil {
			log.Error("sink:disable-failed", slog.String("err", err.Error()))
		}
	case strings.HasPrefix(line, "POST /firmware"):
		if err := s.HandleUpload(replay, readTimeout); err != nil && log != nil {
			log.Error("sink:upload-failed", slog.String("err", err.Error()))
		}
	default:
		writeResponse(conn, 400, "unknown request")
	}
}

// prefixConn replays a few already-consumed bytes before reading on
// through the underlying Conn.
type prefixConn struct {
	Conn
	prefix []byte
}

func (p *prefixConn) Read(buf []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(buf, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(buf)
}
