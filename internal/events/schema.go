package events

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// eventDescriptor describes misrc.events.Event from event.proto.
var eventDescriptor = mustEventDescriptor()

func mustEventDescriptor() protoreflect.MessageDescriptor {
	field := func(name string, num protoreflect.FieldNumber, t descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
		return &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(name),
			Number: proto.Int32(int32(num)),
			Type:   t.Enum(),
			Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		}
	}
	const (
		u32 = descriptorpb.FieldDescriptorProto_TYPE_UINT32
		i64 = descriptorpb.FieldDescriptorProto_TYPE_INT64
		str = descriptorpb.FieldDescriptorProto_TYPE_STRING
		bln = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	)

	rates := field("sample_rates", fieldSampleRates, u32)
	rates.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()

	file := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("misrc/events/event.proto"),
		Package: proto.String("misrc.events"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{{
			Name: proto.String("Event"),
			Field: []*descriptorpb.FieldDescriptorProto{
				field("kind", fieldKind, u32),
				field("session", fieldSession, str),
				field("time_ns", fieldTimeNs, i64),
				field("result", fieldResult, u32),
				field("frame_counter", fieldFrameCounter, u32),
				field("was_synced", fieldWasSynced, bln),
				field("crc_mode", fieldCRCMode, u32),
				field("stream_id_present", fieldStreamIDPresent, bln),
				rates,
				field("frames_without_sync", fieldFramesWithoutSync, u32),
				field("audio_synced", fieldAudioSynced, bln),
				field("level", fieldLevel, u32),
				field("message", fieldMessage, str),
				field("result_name", fieldResultName, str),
			},
		}},
	}

	fd, err := protodesc.NewFile(file, new(protoregistry.Files))
	if err != nil {
		panic(fmt.Sprintf("events: building Event descriptor: %v", err))
	}
	return fd.Messages().ByName("Event")
}
