package socket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go.stud.dev/wacore/walog"
)

// FrameSocket is the WebSocket carrier: it dials the relay, prefixes every
// outbound write with the 3-byte length header (plus the one-time
// connection header), and reassembles inbound reads into whole frames
// before handing them to Frames. The buffering/reassembly logic below is
// adapted from the teacher's FrameSocket.processData, generalized to read
// off a real net connection instead of a caller-fed byte slice.
type FrameSocket struct {
	log walog.Logger

	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeLock sync.Mutex

	Frames       chan []byte
	Header       []byte
	OnDisconnect func(remote bool)
	WriteTimeout time.Duration

	incomingLength int
	receivedLength int
	incoming       []byte
	partialHeader  []byte
}

// NewFrameSocket creates a FrameSocket that isn't yet connected.
func NewFrameSocket(log walog.Logger) *FrameSocket {
	if log == nil {
		log = walog.Noop()
	}
	return &FrameSocket{
		log:          log,
		Frames:       make(chan []byte, 256),
		WriteTimeout: 5 * time.Second,
	}
}

// Connect dials url and starts the background read pump that feeds Frames.
// The WA connection header is sent by the first SendFrame, not here.
func (fs *FrameSocket) Connect(ctx context.Context, url string) error {
	if fs.conn != nil {
		return ErrSocketAlreadyOpen
	}
	dialer := websocket.Dialer{HandshakeTimeout: 20 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, map[string][]string{"Origin": {Origin}})
	if err != nil {
		return fmt.Errorf("socket: dial failed: %w", err)
	}
	fs.conn = conn
	fs.ctx, fs.cancel = context.WithCancel(context.Background())
	go fs.readPump()
	return nil
}

// Context returns a context cancelled when the socket closes.
func (fs *FrameSocket) Context() context.Context { return fs.ctx }

func (fs *FrameSocket) readPump() {
	defer close(fs.Frames)
	for {
		_, data, err := fs.conn.ReadMessage()
		if err != nil {
			fs.log.Debugf("Frame socket read loop ending: %v", err)
			if fs.cancel != nil {
				fs.cancel()
			}
			if fs.OnDisconnect != nil {
				fs.OnDisconnect(true)
			}
			return
		}
		fs.processData(data)
	}
}

// SendFrame writes one length-prefixed frame, sending the pending
// connection header first if it hasn't gone out yet.
func (fs *FrameSocket) SendFrame(data []byte) error {
	if fs.conn == nil {
		return ErrSocketClosed
	}
	if len(data) >= FrameMaxSize {
		return fmt.Errorf("%w (got %d bytes, max %d bytes)", ErrFrameTooLarge, len(data), FrameMaxSize)
	}

	fs.writeLock.Lock()
	defer fs.writeLock.Unlock()

	headerLen := len(fs.Header)
	whole := make([]byte, headerLen+FrameLengthSize+len(data))
	if fs.Header != nil {
		copy(whole[:headerLen], fs.Header)
		fs.Header = nil
	}
	whole[headerLen] = byte(len(data) >> 16)
	whole[headerLen+1] = byte(len(data) >> 8)
	whole[headerLen+2] = byte(len(data))
	copy(whole[headerLen+FrameLengthSize:], data)

	if fs.WriteTimeout > 0 {
		_ = fs.conn.SetWriteDeadline(time.Now().Add(fs.WriteTimeout))
	}
	return fs.conn.WriteMessage(websocket.BinaryMessage, whole)
}

// Close idempotently tears down the underlying connection.
func (fs *FrameSocket) Close(code int) {
	if fs.conn == nil {
		return
	}
	deadline := time.Now().Add(time.Second)
	_ = fs.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), deadline)
	_ = fs.conn.Close()
	if fs.cancel != nil {
		fs.cancel()
	}
	fs.conn = nil
}

func (fs *FrameSocket) frameComplete() {
	data := fs.incoming
	fs.incoming = nil
	fs.partialHeader = nil
	fs.incomingLength = 0
	fs.receivedLength = 0
	fs.Frames <- data
}

// processData reassembles length-prefixed frames out of whatever chunks
// the transport delivers them in. Identical in shape to the teacher's
// version; the original only ever saw caller-injected test bytes, this one
// is driven by readPump.
func (fs *FrameSocket) processData(msg []byte) {
	for len(msg) > 0 {
		if fs.partialHeader != nil {
			msg = append(fs.partialHeader, msg...)
			fs.partialHeader = nil
		}
		if fs.incoming == nil {
			if len(msg) >= FrameLengthSize {
				length := int(msg[0])<<16 | int(msg[1])<<8 | int(msg[2])
				fs.incomingLength = length
				fs.receivedLength = len(msg) - FrameLengthSize
				msg = msg[FrameLengthSize:]
				if len(msg) >= length {
					fs.incoming = msg[:length]
					msg = msg[length:]
					fs.frameComplete()
				} else {
					fs.incoming = make([]byte, length)
					copy(fs.incoming, msg)
					msg = nil
				}
			} else {
				fs.partialHeader = append([]byte{}, msg...)
				msg = nil
			}
		} else {
			remaining := fs.incomingLength - fs.receivedLength
			if len(msg) >= remaining {
				copy(fs.incoming[fs.receivedLength:], msg[:remaining])
				msg = msg[remaining:]
				fs.frameComplete()
			} else {
				copy(fs.incoming[fs.receivedLength:], msg)
				fs.receivedLength += len(msg)
				msg = nil
			}
		}
	}
}
