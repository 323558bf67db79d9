package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport frames messages over a websocket connection, one JSON object
// per message.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

// NewWSTransport wraps an established websocket connection.
func NewWSTransport(conn *websocket.Conn, writeTimeout time.Duration) Transport {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) ReadFrame() (Frame, error) {
	var f Frame
	if err := t.conn.ReadJSON(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (t *wsTransport) WriteFrame(f Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteJSON(f)
}

func (t *wsTransport) Close() error { return t.conn.Close() }

func (t *wsTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

// ErrTransportClosed is returned by pipe transports after Close.
var ErrTransportClosed = errors.New("transport closed")

// pipeTransport is an in-process Transport half; NewPipe returns two
// connected halves. Used by tests and by the embedded federation loopback.
type pipeTransport struct {
	in   <-chan Frame
	out  chan<- Frame
	done chan struct{}
	// closed is shared by both halves: either end may Close, and both ends
	// closing must still close done exactly once.
	closed *sync.Once
	name   string
}

// NewPipe returns two connected in-process transports.
func NewPipe() (Transport, Transport) {
	a2b := make(chan Frame, 64)
	b2a := make(chan Frame, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeTransport{in: b2a, out: a2b, done: done, closed: once, name: "pipe-a"}
	b := &pipeTransport{in: a2b, out: b2a, done: done, closed: once, name: "pipe-b"}
	return a, b
}

func (t *pipeTransport) ReadFrame() (Frame, error) {
	select {
	case f, ok := <-t.in:
		if !ok {
			return Frame{}, ErrTransportClosed
		}
		return f, nil
	case <-t.done:
		return Frame{}, ErrTransportClosed
	}
}

func (t *pipeTransport) WriteFrame(f Frame) error {
	select {
	case t.out <- f:
		return nil
	case <-t.done:
		return ErrTransportClosed
	}
}

func (t *pipeTransport) Close() error {
	t.closed.Do(func() { close(t.done) })
	return nil
}

func (t *pipeTransport) RemoteAddr() string { return t.name }
