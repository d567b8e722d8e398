package translate

import (
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// serverSide reads the gateway's initial SETTINGS frame (sent by NewH2Conn)
// and hands back a framer+decoder a test can use to play the part of the
// upstream HTTP/2 server.
func serverSide(t *testing.T, conn net.Conn) (*http2.Framer, *hpack.Decoder) {
	t.Helper()
	framer := http2.NewFramer(conn, conn)
	var fields []hpack.HeaderField
	dec := hpack.NewDecoder(4096, func(f hpack.HeaderField) { fields = append(fields, f) })

	frame, err := framer.ReadFrame()
	require.NoError(t, err)
	_, ok := frame.(*http2.SettingsFrame)
	require.True(t, ok, "gateway must send SETTINGS first")
	_ = fields
	return framer, dec
}

func readHeadersFrame(t *testing.T, framer *http2.Framer, dec *hpack.Decoder) (*http2.HeadersFrame, []hpack.HeaderField) {
	t.Helper()
	frame, err := framer.ReadFrame()
	require.NoError(t, err)
	hf, ok := frame.(*http2.HeadersFrame)
	require.True(t, ok)
	fields, err := dec.DecodeFull(hf.HeaderBlockFragment())
	require.NoError(t, err)
	return hf, fields
}

func TestH2ConnPromoteSendsHeadersAndDataThenReadsResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	var gotMethod, gotPath string
	var gotBody []byte

	go func() {
		defer close(done)
		framer, dec := serverSide(t, server)

		hf, fields := readHeadersFrame(t, framer, dec)
		for _, f := range fields {
			switch f.Name {
			case ":method":
				gotMethod = f.Value
			case ":path":
				gotPath = f.Value
			}
		}

		if !hf.StreamEnded() {
			frame, err := framer.ReadFrame()
			require.NoError(t, err)
			df, ok := frame.(*http2.DataFrame)
			require.True(t, ok)
			gotBody = append([]byte{}, df.Data()...)
		}

		var respHeader []byte
		enc := hpack.NewEncoder(&byteSliceWriter{&respHeader})
		_ = enc.WriteField(hpack.HeaderField{Name: ":status", Value: "200"})
		_ = enc.WriteField(hpack.HeaderField{Name: "content-type", Value: "application/json"})
		require.NoError(t, framer.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      hf.StreamID,
			BlockFragment: respHeader,
			EndHeaders:    true,
		}))
		require.NoError(t, framer.WriteData(hf.StreamID, true, []byte("pong")))
	}()

	conn, err := NewH2Conn(client, DefaultInitialWindow)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, "http://upstream/echo", strings.NewReader("ping"))
	require.NoError(t, err)
	req.Host = "upstream"

	streamID, err := conn.Promote(req, []byte("ping"))
	require.NoError(t, err)

	status, header, body, err := conn.ReadResponse(streamID)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server goroutine never finished")
	}

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/echo", gotPath)
	assert.Equal(t, "ping", string(gotBody))

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "application/json", header.Get("content-type"))
	assert.Equal(t, "pong", string(body))
}

func TestLowerHeaderLowercasesASCII(t *testing.T) {
	assert.Equal(t, "content-type", lowerHeader("Content-Type"))
	assert.Equal(t, "x-trac-tenant", lowerHeader("X-TRAC-Tenant"))
}

func TestStatusLineRendersCode(t *testing.T) {
	assert.Equal(t, "404", statusLine(http.StatusNotFound))
}
