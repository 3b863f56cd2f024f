package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// RawAscii speaks the bare PIM dialect: a byte stream split on '\r', each
// non-empty line delivered as-is to the sink. Outbound writes are the raw
// bytes the caller already framed (the caller adds the trailing '\r').
type RawAscii struct {
	host string
	port int
	sink LineSink
	log  *logrus.Entry

	mu      sync.Mutex
	conn    net.Conn
	closed  bool
	discCh  chan struct{}
	discOne sync.Once
}

// NewRawAscii builds an unconnected RawAscii transport.
func NewRawAscii(host string, port int, sink LineSink, log *logrus.Entry) *RawAscii {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RawAscii{
		host:   host,
		port:   port,
		sink:   sink,
		log:    log.WithField("transport", "rawascii"),
		discCh: make(chan struct{}),
	}
}

func (r *RawAscii) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", r.host, r.port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	go r.readLoop()
	r.log.Infof("connected to %s", addr)
	return nil
}

func (r *RawAscii) readLoop() {
	defer r.markDisconnected()

	reader := bufio.NewReader(r.conn)
	for {
		line, err := reader.ReadBytes('\r')
		if err != nil {
			r.log.WithError(err).Warn("read loop exiting")
			return
		}
		// Trim the trailing '\r'; an empty line carries no token.
		line = line[:len(line)-1]
		if len(line) == 0 {
			continue
		}
		if r.sink != nil {
			r.sink.FeedLine(line)
		}
	}
}

func (r *RawAscii) WritePacket(data []byte) error {
	r.mu.Lock()
	conn := r.conn
	closed := r.closed
	r.mu.Unlock()

	if closed || conn == nil {
		return ErrTransportClosed
	}
	if _, err := conn.Write(data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (r *RawAscii) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.mu.Unlock()

	r.markDisconnected()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (r *RawAscii) Disconnected() <-chan struct{} {
	return r.discCh
}

func (r *RawAscii) markDisconnected() {
	r.discOne.Do(func() { close(r.discCh) })
}
