package translate

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// BindRequest decodes body as JSON into msg (per protobuf's JSON mapping),
// then overlays path and query parameters onto msg's fields addressed by
// dotted name, per spec §4.8.4: "resolve path and query to field
// assignments, decode the body ... invoke the upstream unary method."
// Grounded on grpc-gateway/v2's runtime.PopulateFieldFromPath, reimplemented
// directly against google.golang.org/protobuf/reflect/protoreflect since
// this gateway does not generate grpc-gateway's marshaler glue.
func BindRequest(body io.Reader, pathParams map[string]string, query url.Values, msg proto.Message) error {
	if body != nil {
		data, err := io.ReadAll(body)
		if err != nil {
			return wrapInvalidRequest(fmt.Errorf("reading request body: %w", err))
		}
		if len(data) > 0 {
			opts := protojson.UnmarshalOptions{DiscardUnknown: true}
			if err := opts.Unmarshal(data, msg); err != nil {
				return wrapInvalidRequest(fmt.Errorf("decoding JSON body: %w", err))
			}
		}
	}

	for name, value := range pathParams {
		if err := setDottedField(msg.ProtoReflect(), name, value); err != nil {
			return wrapInvalidRequest(fmt.Errorf("binding path parameter %q: %w", name, err))
		}
	}
	for name, values := range query {
		if len(values) == 0 {
			continue
		}
		if err := setDottedField(msg.ProtoReflect(), name, values[0]); err != nil {
			return wrapInvalidRequest(fmt.Errorf("binding query parameter %q: %w", name, err))
		}
	}
	return nil
}

// wrapInvalidRequest marks a REST binding failure (invalid JSON, unknown
// field, unparsable value); the HTTP handler layer answers it with
// errs.Validation's HTTP status and the binding error's text.
type invalidRequestError struct{ err error }

func wrapInvalidRequest(err error) error { return &invalidRequestError{err} }
func (e *invalidRequestError) Error() string { return e.err.Error() }
func (e *invalidRequestError) Unwrap() error { return e.err }

// IsInvalidRequest reports whether err was produced by a REST binding
// failure, for the handler layer to map onto the standard error envelope.
func IsInvalidRequest(err error) bool {
	_, ok := err.(*invalidRequestError)
	return ok
}

// setDottedField walks a dotted field path (e.g. "tenant.code") and assigns
// value to the leaf field, converting to the field's Go kind and matching
// enum values case-insensitively by name, per §4.8.4.
func setDottedField(msg protoreflect.Message, path, value string) error {
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		fd := msg.Descriptor().Fields().ByName(protoreflect.Name(seg))
		if fd == nil {
			fd = msg.Descriptor().Fields().ByJSONName(seg)
		}
		if fd == nil {
			return fmt.Errorf("unknown field %q", seg)
		}

		if i < len(segments)-1 {
			if fd.Kind() != protoreflect.MessageKind {
				return fmt.Errorf("field %q is not a message, cannot address %q", seg, path)
			}
			msg = msg.Mutable(fd).Message()
			continue
		}

		v, err := coerceScalar(fd, value)
		if err != nil {
			return fmt.Errorf("field %q: %w", seg, err)
		}
		msg.Set(fd, v)
	}
	return nil
}

// coerceScalar converts a string path/query value to the protoreflect.Value
// matching fd's kind, resolving enums by case-insensitive name match per
// §4.8.4.
func coerceScalar(fd protoreflect.FieldDescriptor, value string) (protoreflect.Value, error) {
	switch fd.Kind() {
	case protoreflect.StringKind:
		return protoreflect.ValueOfString(value), nil
	case protoreflect.BoolKind:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfBool(b), nil
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfInt32(int32(n)), nil
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfInt64(n), nil
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfUint32(uint32(n)), nil
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfUint64(n), nil
	case protoreflect.FloatKind:
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfFloat32(float32(f)), nil
	case protoreflect.DoubleKind:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfFloat64(f), nil
	case protoreflect.EnumKind:
		values := fd.Enum().Values()
		for i := 0; i < values.Len(); i++ {
			ev := values.Get(i)
			if strings.EqualFold(string(ev.Name()), value) {
				return protoreflect.ValueOfEnum(ev.Number()), nil
			}
		}
		return protoreflect.Value{}, fmt.Errorf("no enum value named %q", value)
	default:
		return protoreflect.Value{}, fmt.Errorf("unsupported field kind %v for path/query binding", fd.Kind())
	}
}

// DecodeResponse unmarshals an upstream JSON response body into msg, the
// response-side counterpart of BindRequest used once the upstream unary
// call (§4.8.4) returns.
func DecodeResponse(data []byte, msg proto.Message) error {
	if len(data) == 0 {
		return nil
	}
	return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(data, msg)
}

// WriteJSONBytes marshals msg as the protobuf canonical JSON mapping,
// without writing it anywhere — the request-side counterpart of
// DecodeResponse, for forwarding a bound request to an upstream as JSON.
func WriteJSONBytes(msg proto.Message) ([]byte, error) {
	data, err := protojson.MarshalOptions{EmitUnpopulated: false}.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding JSON: %w", err)
	}
	return data, nil
}

// WriteJSON marshals msg as the protobuf canonical JSON mapping and writes
// it with the given status code, matching the response side of §4.8.4.
func WriteJSON(w http.ResponseWriter, status int, msg proto.Message) error {
	data, err := WriteJSONBytes(msg)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(data)
	return err
}
