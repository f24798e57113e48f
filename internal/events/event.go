// Package events publishes capture notifications to HTTP subscribers, each
// event pre-serialized once as JSON and as protobuf (see event.proto).
package events

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Kind identifies what an Event reports.
type Kind uint8

const (
	KindSync Kind = iota + 1
	KindAudio
	KindProgress
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAudio:
		return "audio"
	case KindProgress:
		return "progress"
	case KindMessage:
		return "message"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind    Kind
	Session string
	TimeNs  int64

	// KindSync
	Result          uint32 // frame.SyncResult
	ResultName      string
	FrameCounter    uint32
	WasSynced       bool
	CRCMode         uint32
	StreamIDPresent bool
	SampleRates     []uint32

	// KindProgress
	FramesWithoutSync uint32

	// KindAudio
	AudioSynced bool

	// KindMessage
	Level   uint32
	Message string
}

// Field numbers of Event in event.proto.
const (
	fieldKind              protoreflect.FieldNumber = 1
	fieldSession           protoreflect.FieldNumber = 2
	fieldTimeNs            protoreflect.FieldNumber = 3
	fieldResult            protoreflect.FieldNumber = 4
	fieldFrameCounter      protoreflect.FieldNumber = 5
	fieldWasSynced         protoreflect.FieldNumber = 6
	fieldCRCMode           protoreflect.FieldNumber = 7
	fieldStreamIDPresent   protoreflect.FieldNumber = 8
	fieldSampleRates       protoreflect.FieldNumber = 9
	fieldFramesWithoutSync protoreflect.FieldNumber = 10
	fieldAudioSynced       protoreflect.FieldNumber = 11
	fieldLevel             protoreflect.FieldNumber = 12
	fieldMessage           protoreflect.FieldNumber = 13
	fieldResultName        protoreflect.FieldNumber = 14
)

var ErrMalformed = errors.New("events: malformed message")

// MarshalProto returns the protobuf encoding of e as a misrc.events.Event.
func (e *Event) MarshalProto() ([]byte, error) {
	m := dynamicpb.NewMessage(eventDescriptor)
	fields := eventDescriptor.Fields()
	set := func(num protoreflect.FieldNumber, v protoreflect.Value) {
		m.Set(fields.ByNumber(num), v)
	}

	set(fieldKind, protoreflect.ValueOfUint32(uint32(e.Kind)))
	set(fieldSession, protoreflect.ValueOfString(e.Session))
	set(fieldTimeNs, protoreflect.ValueOfInt64(e.TimeNs))
	set(fieldResult, protoreflect.ValueOfUint32(e.Result))
	set(fieldResultName, protoreflect.ValueOfString(e.ResultName))
	set(fieldFrameCounter, protoreflect.ValueOfUint32(e.FrameCounter))
	set(fieldWasSynced, protoreflect.ValueOfBool(e.WasSynced))
	set(fieldCRCMode, protoreflect.ValueOfUint32(e.CRCMode))
	set(fieldStreamIDPresent, protoreflect.ValueOfBool(e.StreamIDPresent))
	set(fieldFramesWithoutSync, protoreflect.ValueOfUint32(e.FramesWithoutSync))
	set(fieldAudioSynced, protoreflect.ValueOfBool(e.AudioSynced))
	set(fieldLevel, protoreflect.ValueOfUint32(e.Level))
	set(fieldMessage, protoreflect.ValueOfString(e.Message))
	if len(e.SampleRates) > 0 {
		rates := m.Mutable(fields.ByNumber(fieldSampleRates)).List()
		for _, r := range e.SampleRates {
			rates.Append(protoreflect.ValueOfUint32(r))
		}
	}

	return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}

// UnmarshalProto decodes b into e. Unknown fields are skipped.
func (e *Event) UnmarshalProto(b []byte) error {
	m := dynamicpb.NewMessage(eventDescriptor)
	if err := proto.Unmarshal(b, m); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	fields := eventDescriptor.Fields()
	get := func(num protoreflect.FieldNumber) protoreflect.Value {
		return m.Get(fields.ByNumber(num))
	}

	*e = Event{
		Kind:              Kind(get(fieldKind).Uint()),
		Session:           get(fieldSession).String(),
		TimeNs:            get(fieldTimeNs).Int(),
		Result:            uint32(get(fieldResult).Uint()),
		ResultName:        get(fieldResultName).String(),
		FrameCounter:      uint32(get(fieldFrameCounter).Uint()),
		WasSynced:         get(fieldWasSynced).Bool(),
		CRCMode:           uint32(get(fieldCRCMode).Uint()),
		StreamIDPresent:   get(fieldStreamIDPresent).Bool(),
		FramesWithoutSync: uint32(get(fieldFramesWithoutSync).Uint()),
		AudioSynced:       get(fieldAudioSynced).Bool(),
		Level:             uint32(get(fieldLevel).Uint()),
		Message:           get(fieldMessage).String(),
	}
	if rates := get(fieldSampleRates).List(); rates.Len() > 0 {
		e.SampleRates = make([]uint32, rates.Len())
		for i := range e.SampleRates {
			e.SampleRates[i] = uint32(rates.Get(i).Uint())
		}
	}
	return nil
}

// JSON returns the JSON view of e with only the fields its kind uses.
func (e *Event) JSON() map[string]any {
	out := map[string]any{
		"kind":    e.Kind.String(),
		"session": e.Session,
		"time_ns": e.TimeNs,
	}
	switch e.Kind {
	case KindSync:
		out["result"] = e.ResultName
		out["frame_counter"] = e.FrameCounter
		out["was_synced"] = e.WasSynced
		out["crc_mode"] = e.CRCMode
		out["stream_id_present"] = e.StreamIDPresent
		out["sample_rates"] = e.SampleRates
	case KindProgress:
		out["frames_without_sync"] = e.FramesWithoutSync
	case KindAudio:
		out["audio_synced"] = e.AudioSynced
	case KindMessage:
		out["level"] = e.Level
		out["message"] = e.Message
	}
	return out
}
