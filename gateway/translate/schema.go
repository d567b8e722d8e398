package translate

import (
	"fmt"

	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// FieldSpec names one scalar field of a REST-bound message, in the order
// BindRequest/WriteJSON address them by name.
type FieldSpec struct {
	Name string
	Kind protoreflect.Kind
}

// NewMessageType synthesizes a protoreflect.MessageType for a flat message
// with the given fields, without a compiled .proto schema. This gateway's
// upstreams (trac-metadata, trac-orchestrator) have no generated .pb.go
// stubs, so a REST route that wants to bind path/query parameters and
// round-trip JSON through proto semantics (§4.8.4) needs a descriptor built
// at runtime instead of one generated ahead of time.
func NewMessageType(name string, fields []FieldSpec) protoreflect.MessageType {
	msg := &descriptorpb.DescriptorProto{Name: strPtr(name)}
	for i, f := range fields {
		num := int32(i + 1)
		msg.Field = append(msg.Field, &descriptorpb.FieldDescriptorProto{
			Name:     strPtr(f.Name),
			Number:   &num,
			Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:     fieldTypeOf(f.Kind).Enum(),
			JsonName: strPtr(f.Name),
		})
	}

	file := &descriptorpb.FileDescriptorProto{
		Name:        strPtr(name + ".proto"),
		Package:     strPtr("trac.gateway.rest"),
		Syntax:      strPtr("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{msg},
	}

	fd, err := protodesc.NewFile(file, nil)
	if err != nil {
		panic(fmt.Sprintf("translate: building synthetic REST message %q: %v", name, err))
	}
	return dynamicpb.NewMessageType(fd.Messages().ByName(protoreflect.Name(name)))
}

// NewMessage allocates a zero-valued instance of typ.
func NewMessage(typ protoreflect.MessageType) *dynamicpb.Message {
	return dynamicpb.NewMessage(typ.Descriptor())
}

func fieldTypeOf(kind protoreflect.Kind) descriptorpb.FieldDescriptorProto_Type {
	switch kind {
	case protoreflect.BoolKind:
		return descriptorpb.FieldDescriptorProto_TYPE_BOOL
	case protoreflect.Int32Kind:
		return descriptorpb.FieldDescriptorProto_TYPE_INT32
	case protoreflect.Int64Kind:
		return descriptorpb.FieldDescriptorProto_TYPE_INT64
	case protoreflect.Uint32Kind:
		return descriptorpb.FieldDescriptorProto_TYPE_UINT32
	case protoreflect.Uint64Kind:
		return descriptorpb.FieldDescriptorProto_TYPE_UINT64
	case protoreflect.DoubleKind:
		return descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
	case protoreflect.FloatKind:
		return descriptorpb.FieldDescriptorProto_TYPE_FLOAT
	default:
		return descriptorpb.FieldDescriptorProto_TYPE_STRING
	}
}

func strPtr(s string) *string { return &s }
