package translate

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoreflect"
)

func tenantMessageType() protoreflect.MessageType {
	return NewMessageType("TenantRequest", []FieldSpec{
		{Name: "tenant_code", Kind: protoreflect.StringKind},
		{Name: "include_deleted", Kind: protoreflect.BoolKind},
		{Name: "page_size", Kind: protoreflect.Int32Kind},
	})
}

func TestNewMessageTypeBuildsAddressableFields(t *testing.T) {
	typ := tenantMessageType()
	msg := NewMessage(typ)
	require.NotNil(t, msg)

	fields := msg.Descriptor().Fields()
	require.Equal(t, 3, fields.Len())
	assert.Equal(t, protoreflect.StringKind, fields.ByName("tenant_code").Kind())
	assert.Equal(t, protoreflect.BoolKind, fields.ByName("include_deleted").Kind())
	assert.Equal(t, protoreflect.Int32Kind, fields.ByName("page_size").Kind())
}

func TestBindRequestBindsBodyPathAndQuery(t *testing.T) {
	msg := NewMessage(tenantMessageType())
	body := strings.NewReader(`{"page_size": 10}`)
	query := url.Values{"include_deleted": {"true"}}

	err := BindRequest(body, map[string]string{"tenant_code": "acme"}, query, msg)
	require.NoError(t, err)

	fields := msg.Descriptor().Fields()
	assert.Equal(t, "acme", msg.Get(fields.ByName("tenant_code")).String())
	assert.True(t, msg.Get(fields.ByName("include_deleted")).Bool())
	assert.Equal(t, int32(10), int32(msg.Get(fields.ByName("page_size")).Int()))
}

func TestBindRequestPathOverridesBodyValue(t *testing.T) {
	msg := NewMessage(tenantMessageType())
	body := strings.NewReader(`{"tenant_code": "from-body"}`)

	err := BindRequest(body, map[string]string{"tenant_code": "from-path"}, nil, msg)
	require.NoError(t, err)

	fields := msg.Descriptor().Fields()
	assert.Equal(t, "from-path", msg.Get(fields.ByName("tenant_code")).String())
}

func TestBindRequestRejectsMalformedJSONBody(t *testing.T) {
	msg := NewMessage(tenantMessageType())
	err := BindRequest(strings.NewReader(`{not json`), nil, nil, msg)
	require.Error(t, err)
	assert.True(t, IsInvalidRequest(err))
}

func TestBindRequestRejectsUnknownPathParam(t *testing.T) {
	msg := NewMessage(tenantMessageType())
	err := BindRequest(nil, map[string]string{"bogus_field": "x"}, nil, msg)
	require.Error(t, err)
	assert.True(t, IsInvalidRequest(err))
}

func TestBindRequestRejectsUnparsableScalar(t *testing.T) {
	msg := NewMessage(tenantMessageType())
	err := BindRequest(nil, map[string]string{"page_size": "not-a-number"}, nil, msg)
	require.Error(t, err)
	assert.True(t, IsInvalidRequest(err))
}

func TestBindRequestEmptyBodyIsNotAnError(t *testing.T) {
	msg := NewMessage(tenantMessageType())
	err := BindRequest(strings.NewReader(""), map[string]string{"tenant_code": "acme"}, nil, msg)
	require.NoError(t, err)
}

func TestWriteJSONBytesAndDecodeResponseRoundTrip(t *testing.T) {
	msg := NewMessage(tenantMessageType())
	fields := msg.Descriptor().Fields()
	msg.Set(fields.ByName("tenant_code"), protoreflect.ValueOfString("acme"))
	msg.Set(fields.ByName("page_size"), protoreflect.ValueOfInt32(25))

	data, err := WriteJSONBytes(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "acme")

	decoded := NewMessage(tenantMessageType())
	require.NoError(t, DecodeResponse(data, decoded))
	assert.Equal(t, "acme", decoded.Get(fields.ByName("tenant_code")).String())
	assert.Equal(t, int32(25), int32(decoded.Get(fields.ByName("page_size")).Int()))
}

func TestDecodeResponseEmptyBodyIsNoop(t *testing.T) {
	msg := NewMessage(tenantMessageType())
	assert.NoError(t, DecodeResponse(nil, msg))
}

func TestWriteJSONWritesContentTypeAndStatus(t *testing.T) {
	msg := NewMessage(tenantMessageType())
	fields := msg.Descriptor().Fields()
	msg.Set(fields.ByName("tenant_code"), protoreflect.ValueOfString("acme"))

	rec := httptest.NewRecorder()
	require.NoError(t, WriteJSON(rec, http.StatusCreated, msg))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "acme")
}
