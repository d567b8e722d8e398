// Package translate implements the per-hop protocol bridges (C8) installed
// in the gateway's connection pipeline: gRPC<->gRPC-Web trailer framing,
// HTTP/1->HTTP/2 stream promotion, WebSocket<->gRPC relay, REST<->gRPC JSON
// binding, and the HTTP/2 flow-control window shared by the framed
// translators.
package translate

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// trailerFrameFlag marks a DATA frame as carrying trailers instead of
// message bytes, per spec §4.8.1 ("1 byte (MSB=1 marking a trailer frame)").
const trailerFrameFlag = 0x80

// RewriteRequestToGRPC rewrites an inbound gRPC-Web request's headers into
// the framing a real gRPC server expects, per §4.8.1 "Request".
func RewriteRequestToGRPC(h http.Header) {
	if ct := h.Get("Content-Type"); strings.HasPrefix(ct, "application/grpc-web") {
		h.Set("Content-Type", "application/grpc"+strings.TrimPrefix(ct, "application/grpc-web"))
	}
	h.Set("Te", "trailers")
}

// RewriteResponseToGRPCWeb rewrites an upstream gRPC response's headers back
// to the gRPC-Web content type, per §4.8.1 "Response".
func RewriteResponseToGRPCWeb(h http.Header) {
	if ct := h.Get("Content-Type"); strings.HasPrefix(ct, "application/grpc") && !strings.HasPrefix(ct, "application/grpc-web") {
		h.Set("Content-Type", "application/grpc-web"+strings.TrimPrefix(ct, "application/grpc"))
	}
}

// trailerOrder fixes grpc-status ahead of grpc-message, matching the byte
// order a real gRPC server writes its own trailers in (§8 scenario 6); any
// other trailer name sorts after these two, alphabetically among itself.
func trailerOrder(name string) int {
	switch strings.ToLower(name) {
	case "grpc-status":
		return 0
	case "grpc-message":
		return 1
	default:
		return 2
	}
}

// EncodeTrailerFrame collapses HTTP/2 trailers into the length-prefixed
// message frame described by spec §4.8.1 and verified byte-for-byte by §8
// scenario 6: a 1-byte marker with MSB=1, a 4-byte big-endian length, then
// the trailer fields encoded as HTTP/1-style "name: value\r\n" lines,
// grpc-status first and grpc-message second as a real gRPC server emits
// them, with any remaining trailers following in alphabetical order.
func EncodeTrailerFrame(trailers http.Header) []byte {
	var body strings.Builder

	names := make([]string, 0, len(trailers))
	for name := range trailers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		oi, oj := trailerOrder(names[i]), trailerOrder(names[j])
		if oi != oj {
			return oi < oj
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		for _, value := range trailers[name] {
			body.WriteString(strings.ToLower(name))
			body.WriteString(": ")
			body.WriteString(value)
			body.WriteString("\r\n")
		}
	}

	payload := []byte(body.String())
	frame := make([]byte, 5+len(payload))
	frame[0] = trailerFrameFlag
	frame[1] = byte(len(payload) >> 24)
	frame[2] = byte(len(payload) >> 16)
	frame[3] = byte(len(payload) >> 8)
	frame[4] = byte(len(payload))
	copy(frame[5:], payload)
	return frame
}

// DecodeTrailerFrame parses a frame built by EncodeTrailerFrame back into an
// http.Header, for tests and for reference gRPC-Web clients embedded in this
// gateway's own integration tests.
func DecodeTrailerFrame(frame []byte) (http.Header, error) {
	if len(frame) < 5 {
		return nil, fmt.Errorf("grpc-web trailer frame too short: %d bytes", len(frame))
	}
	if frame[0]&trailerFrameFlag == 0 {
		return nil, fmt.Errorf("grpc-web frame is not a trailer frame (marker byte %#x)", frame[0])
	}
	length := int(frame[1])<<24 | int(frame[2])<<16 | int(frame[3])<<8 | int(frame[4])
	if len(frame) < 5+length {
		return nil, fmt.Errorf("grpc-web trailer frame declares length %d, only %d bytes available", length, len(frame)-5)
	}

	header := make(http.Header)
	reader := bufio.NewReader(strings.NewReader(string(frame[5 : 5+length])))
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			if name, value, ok := strings.Cut(line, ":"); ok {
				header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
			}
		}
		if err != nil {
			break
		}
	}
	return header, nil
}

// ProxyResponse streams an upstream *http.Response body to w as gRPC-Web
// framing: the message bytes verbatim, followed by the trailer frame once
// the upstream body (and therefore resp.Trailer) is fully read. Grounded on
// the wire-format description in spec §4.8.1/§8 scenario 6 — no
// golang.org/x/net/http2.Framer is needed on this leg because the
// downstream client speaks plain HTTP/1.1 or HTTP/2 DATA frames that the
// standard library's http.ResponseWriter already produces; the upstream leg
// (where the real gRPC trailers are read) uses http2.Transport, the pack's
// only HTTP/2 client.
func ProxyResponse(w http.ResponseWriter, resp *http.Response) error {
	RewriteResponseToGRPCWeb(resp.Header)
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	if _, err := io.Copy(flusherWriter{w, flusher}, resp.Body); err != nil {
		return err
	}

	if _, err := w.Write(EncodeTrailerFrame(resp.Trailer)); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// flusherWriter flushes after every write so gRPC-Web's streamed frames
// reach the client without buffering delay.
type flusherWriter struct {
	io.Writer
	flusher http.Flusher
}

func (f flusherWriter) Write(p []byte) (int, error) {
	n, err := f.Writer.Write(p)
	if f.flusher != nil {
		f.flusher.Flush()
	}
	return n, err
}
