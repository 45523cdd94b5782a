// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Debug dump of loaded Units.
var (
	DumpUnits  = false        // write each loaded Unit to DumpDir
	DumpDir    = "DUMP_UNITS" // directory of dump files
	DumpFormat = "text"       // text, wire, or json
)

var dumpCounter uint64

// unitDesc describes the message written for each dumped Unit.
var unitDesc = func() protoreflect.MessageDescriptor {
	field := func(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type, repeated bool) *descriptorpb.FieldDescriptorProto {
		label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
		if repeated {
			label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
		}
		return &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(name),
			Number: proto.Int32(number),
			Label:  label.Enum(),
			Type:   typ.Enum(),
		}
	}
	const (
		typeString = descriptorpb.FieldDescriptorProto_TYPE_STRING
		typeBytes  = descriptorpb.FieldDescriptorProto_TYPE_BYTES
		typeInt32  = descriptorpb.FieldDescriptorProto_TYPE_INT32
	)
	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("callform/unit.proto"),
		Package: proto.String("callform"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{{
			Name: proto.String("Unit"),
			Field: []*descriptorpb.FieldDescriptorProto{
				field("name", 1, typeString, false),
				field("signature", 2, typeString, false),
				field("code", 3, typeBytes, false),
				field("locals", 4, typeString, true),
				field("num_slots", 5, typeInt32, false),
				field("max_stack", 6, typeInt32, false),
				field("constants", 7, typeString, true),
				field("functions", 8, typeString, true),
				field("types", 9, typeString, true),
				field("signatures", 10, typeString, true),
				field("patches", 11, typeString, true),
				field("disassembly", 12, typeString, true),
			},
		}},
	}
	fd, err := protodesc.NewFile(fdp, new(protoregistry.Files))
	if err != nil {
		panic(err)
	}
	return fd.Messages().ByName("Unit")
}()

// unitMessage returns the dump message for u.
func unitMessage(u *Unit) *dynamicpb.Message {
	msg := dynamicpb.NewMessage(unitDesc)
	fields := unitDesc.Fields()
	set := func(name string, v protoreflect.Value) {
		msg.Set(fields.ByName(protoreflect.Name(name)), v)
	}
	add := func(name string, s string) {
		msg.Mutable(fields.ByName(protoreflect.Name(name))).List().Append(protoreflect.ValueOfString(s))
	}
	set("name", protoreflect.ValueOfString(u.Name))
	set("signature", protoreflect.ValueOfString(u.Signature.String()))
	set("code", protoreflect.ValueOfBytes(u.Code))
	set("num_slots", protoreflect.ValueOfInt32(int32(u.NumSlots)))
	set("max_stack", protoreflect.ValueOfInt32(int32(u.MaxStack)))
	for _, l := range u.Locals {
		add("locals", fmt.Sprintf("%s:%v@%d", l.Name, l.Type, l.Slot))
	}
	for _, c := range u.Constants {
		add("constants", constantString(c))
	}
	for _, fn := range u.Functions {
		add("functions", fmt.Sprintf("%s%s", fn, fn.Type()))
	}
	for _, t := range u.Types {
		add("types", t.String())
	}
	for _, sig := range u.Signatures {
		add("signatures", sig.String())
	}
	for _, p := range u.Patches {
		add("patches", fmt.Sprintf("%T", p))
	}
	for _, line := range strings.Split(Assembly(u), "\n") {
		add("disassembly", line)
	}
	return msg
}

// Dump writes u to a new file in DumpDir, in the encoding selected by
// DumpFormat, and returns the name of the file. The file name is the
// logical name of the Unit followed by a sequence number.
func Dump(u *Unit) (string, error) {
	var (
		marshal func(proto.Message) ([]byte, error)
		ext     string
	)
	switch DumpFormat {
	case "text":
		marshal, ext = prototext.MarshalOptions{Multiline: true, Indent: "\t"}.Marshal, ".textproto"
	case "wire":
		marshal, ext = proto.Marshal, ".pb"
	case "json":
		marshal, ext = protojson.MarshalOptions{Multiline: true, Indent: "\t"}.Marshal, ".json"
	default:
		return "", fmt.Errorf("unsupported dump format: %s", DumpFormat)
	}
	data, err := marshal(unitMessage(u))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(DumpDir, 0777); err != nil {
		return "", err
	}
	n := atomic.AddUint64(&dumpCounter, 1)
	filename := filepath.Join(DumpDir, fmt.Sprintf("%s.%d%s", fileSafe(u.Name), n, ext))
	if err := os.WriteFile(filename, data, 0666); err != nil {
		return "", err
	}
	return filename, nil
}

// fileSafe replaces characters that may not appear in file names.
func fileSafe(name string) string {
	if name == "" {
		return "anon"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, name)
}
