package translate

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// H2Conn is one upstream HTTP/2 connection this gateway promotes HTTP/1.1
// transactions onto. One HTTP/1 transaction occupies one HTTP/2 stream, per
// spec §4.8.2, and ordering is preserved per connection by serializing
// stream allocation under mu.
type H2Conn struct {
	framer  *http2.Framer
	flow    *FlowController
	mu      sync.Mutex
	nextID  uint32
	streams map[uint32]chan *http2.MetaHeadersFrame
}

// NewH2Conn wraps a dialed upstream connection's framer, grounded on
// golang.org/x/net/http2.Framer — the pack's only HTTP/2 framing library.
func NewH2Conn(conn net.Conn, initialWindow uint32) (*H2Conn, error) {
	framer := http2.NewFramer(conn, conn)
	framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	if err := framer.WriteSettings(); err != nil {
		return nil, fmt.Errorf("writing initial HTTP/2 settings: %w", err)
	}

	return &H2Conn{
		framer:  framer,
		flow:    NewFlowController(int(initialWindow)),
		nextID:  1,
		streams: make(map[uint32]chan *http2.MetaHeadersFrame),
	}, nil
}

// Promote sends req's headers (and, if present, its body) as HEADERS+DATA
// frames on a freshly allocated stream, per §4.8.2: "End-of-stream on the
// HTTP/1 request body marks the HEADERS frame's END_STREAM if no body, or
// the final DATA frame's."
func (c *H2Conn) Promote(req *http.Request, body []byte) (uint32, error) {
	c.mu.Lock()
	streamID := c.nextID
	c.nextID += 2
	c.mu.Unlock()

	var headerBuf []byte
	enc := hpack.NewEncoder(&byteSliceWriter{&headerBuf})
	_ = enc.WriteField(hpack.HeaderField{Name: ":method", Value: req.Method})
	_ = enc.WriteField(hpack.HeaderField{Name: ":scheme", Value: "http"})
	_ = enc.WriteField(hpack.HeaderField{Name: ":path", Value: req.URL.RequestURI()})
	_ = enc.WriteField(hpack.HeaderField{Name: ":authority", Value: req.Host})
	for name, values := range req.Header {
		for _, v := range values {
			_ = enc.WriteField(hpack.HeaderField{Name: lowerHeader(name), Value: v})
		}
	}

	endStream := len(body) == 0
	if err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: headerBuf,
		EndHeaders:    true,
		EndStream:     endStream,
	}); err != nil {
		return 0, fmt.Errorf("writing promoted HEADERS frame: %w", err)
	}

	if !endStream {
		if err := c.writeDataWindowed(streamID, body); err != nil {
			return 0, err
		}
	}
	return streamID, nil
}

// writeDataWindowed writes data in chunks no larger than the peer's current
// flow-control window, per §4.8.5.
func (c *H2Conn) writeDataWindowed(streamID uint32, data []byte) error {
	for len(data) > 0 {
		chunk := c.flow.Acquire(streamID, len(data))
		if err := c.framer.WriteData(streamID, len(data) == chunk, data[:chunk]); err != nil {
			return fmt.Errorf("writing promoted DATA frame: %w", err)
		}
		data = data[chunk:]
	}
	return nil
}

// ReadResponse reads HTTP/2 frames off the promoted connection until
// streamID's response is fully assembled, translating the :status
// pseudo-header, regular headers, and DATA frames back into an HTTP/1
// status/header/body triple. Inbound WINDOW_UPDATE frames replenish the
// flow controller as they arrive, and received DATA bytes are handed back
// to the peer as WINDOW_UPDATE frames on the connection and the stream so
// the peer keeps sending, per §4.8.5.
func (c *H2Conn) ReadResponse(streamID uint32) (int, http.Header, []byte, error) {
	status := http.StatusBadGateway
	header := make(http.Header)
	var body []byte

	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			return status, header, body, fmt.Errorf("reading promoted HTTP/2 response: %w", err)
		}

		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			if f.StreamID != streamID {
				continue
			}
			for _, hf := range f.Fields {
				if hf.Name == ":status" {
					if code, convErr := strconv.Atoi(hf.Value); convErr == nil {
						status = code
					}
					continue
				}
				header.Add(hf.Name, hf.Value)
			}
			if f.StreamEnded() {
				return status, header, body, nil
			}
		case *http2.DataFrame:
			if f.StreamID != streamID {
				continue
			}
			data := f.Data()
			body = append(body, data...)
			c.flow.Replenish(streamID, len(data))
			if f.StreamEnded() {
				return status, header, body, nil
			}
			if len(data) > 0 {
				if err := c.framer.WriteWindowUpdate(0, uint32(len(data))); err != nil {
					return status, header, body, fmt.Errorf("writing connection WINDOW_UPDATE: %w", err)
				}
				if err := c.framer.WriteWindowUpdate(streamID, uint32(len(data))); err != nil {
					return status, header, body, fmt.Errorf("writing stream WINDOW_UPDATE: %w", err)
				}
			}
		case *http2.WindowUpdateFrame:
			c.HandleWindowUpdate(f)
		}
	}
}

// HandleWindowUpdate feeds an inbound WINDOW_UPDATE frame to the flow
// controller so blocked writers can resume, per §4.8.5.
func (c *H2Conn) HandleWindowUpdate(f *http2.WindowUpdateFrame) {
	c.flow.Replenish(f.StreamID, int(f.Increment))
}

func lowerHeader(name string) string {
	b := []byte(name)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// byteSliceWriter lets hpack.Encoder append into a growable []byte, since
// hpack.NewEncoder wants an io.Writer rather than a buffer handle.
type byteSliceWriter struct{ buf *[]byte }

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

// statusLine renders an HTTP/2 :status pseudo-header value for a status code.
func statusLine(code int) string { return strconv.Itoa(code) }
