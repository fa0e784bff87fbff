package protocol

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var v119 = Version{Major: 1, Minor: 19}

func TestDecodeFrame_3DRoundTrip(t *testing.T) {
	src := &Markers3D{
		Tag:      Comp3D,
		DropRate: 2,
		Markers: []Marker3D{
			{Vec3: Vec3{X: 101.25, Y: -44.5, Z: 1899.0625}},
			{Vec3: Vec3{X: 0.1, Y: 0.2, Z: 0.3}},
			{Vec3: Vec3{X: float32(math.Inf(1)), Y: -0.0, Z: 1e-38}},
		},
	}

	payload := EncodeFrame(1234567, 42, src)
	frame, err := DecodeFrame(payload, v119)
	require.NoError(t, err)

	assert.Equal(t, uint64(1234567), frame.Timestamp)
	assert.Equal(t, uint32(42), frame.Number)
	require.Len(t, frame.Components, 1)

	got, ok := frame.Components[0].(*Markers3D)
	require.True(t, ok)
	assert.Equal(t, Comp3D, got.ComponentType())
	assert.Equal(t, uint16(2), got.DropRate)
	require.Len(t, got.Markers, 3)

	// Float fields must survive bit-for-bit.
	for i := range src.Markers {
		assert.Equal(t, math.Float32bits(src.Markers[i].X), math.Float32bits(got.Markers[i].X))
		assert.Equal(t, math.Float32bits(src.Markers[i].Y), math.Float32bits(got.Markers[i].Y))
		assert.Equal(t, math.Float32bits(src.Markers[i].Z), math.Float32bits(got.Markers[i].Z))
	}
}

func TestDecodeFrame_UnknownComponentSkipped(t *testing.T) {
	known := EncodeComponent(&Markers3D{Tag: Comp3D, Markers: []Marker3D{{Vec3: Vec3{X: 1}}}})

	// Unknown tag 99, size field correct for its span.
	unknown := make([]byte, 0, 20)
	unknown = binary.LittleEndian.AppendUint32(unknown, 20)
	unknown = binary.LittleEndian.AppendUint32(unknown, 99)
	unknown = append(unknown, make([]byte, 12)...)

	payload := make([]byte, 0, frameHeaderSize+len(known)+len(unknown))
	payload = binary.LittleEndian.AppendUint64(payload, 55)
	payload = binary.LittleEndian.AppendUint32(payload, 7)
	payload = binary.LittleEndian.AppendUint32(payload, 2)
	payload = append(payload, known...)
	payload = append(payload, unknown...)

	frame, err := DecodeFrame(payload, v119)
	require.NoError(t, err, "unknown component must not abort the frame")
	assert.Len(t, frame.Components, 1)
	require.Len(t, frame.Skipped, 1)
	assert.Equal(t, uint32(99), frame.Skipped[0].Tag)
	assert.Equal(t, uint32(20), frame.Skipped[0].Size)
}

func TestDecodeFrame_ComponentAboveNegotiatedVersionSkipped(t *testing.T) {
	sk := &Skeletons{Skeletons: []Skeleton{{Segments: []SkeletonSegment{{ID: 1}}}}}
	payload := EncodeFrame(1, 1, sk)

	// Skeletons appeared in 1.19; a 1.18 session must skip them.
	frame, err := DecodeFrame(payload, Version{1, 18})
	require.NoError(t, err)
	assert.Empty(t, frame.Components)
	require.Len(t, frame.Skipped, 1)
	assert.Equal(t, uint32(CompSkeleton), frame.Skipped[0].Tag)

	frame, err = DecodeFrame(payload, v119)
	require.NoError(t, err)
	assert.Len(t, frame.Components, 1)
}

func TestDecodeFrame_TruncatedComponent(t *testing.T) {
	payload := make([]byte, 0, 32)
	payload = binary.LittleEndian.AppendUint64(payload, 1)
	payload = binary.LittleEndian.AppendUint32(payload, 1)
	payload = binary.LittleEndian.AppendUint32(payload, 1)
	// Declares 100 bytes but only 4 follow the block header.
	payload = binary.LittleEndian.AppendUint32(payload, 100)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(Comp3D))
	payload = append(payload, 0, 0, 0, 0)

	_, err := DecodeFrame(payload, v119)
	var truncated *TruncatedComponentError
	require.ErrorAs(t, err, &truncated)
	assert.Equal(t, uint32(Comp3D), truncated.Tag)
	assert.Equal(t, uint32(100), truncated.Declared)
}

func TestDecodeFrame_BlockSizeBelowHeader(t *testing.T) {
	payload := make([]byte, 0, 24)
	payload = binary.LittleEndian.AppendUint64(payload, 1)
	payload = binary.LittleEndian.AppendUint32(payload, 1)
	payload = binary.LittleEndian.AppendUint32(payload, 1)
	payload = binary.LittleEndian.AppendUint32(payload, 4) // cannot hold its own header
	payload = binary.LittleEndian.AppendUint32(payload, uint32(Comp3D))

	_, err := DecodeFrame(payload, v119)
	var truncated *TruncatedComponentError
	assert.ErrorAs(t, err, &truncated)
}

func TestDecodeFrame_SizeMismatchIsError(t *testing.T) {
	// A 3D block claiming 2 markers but carrying bytes for 1 must fail,
	// never silently truncate.
	body := make([]byte, 0, 32)
	body = binary.LittleEndian.AppendUint32(body, 2) // marker count
	body = binary.LittleEndian.AppendUint16(body, 0)
	body = binary.LittleEndian.AppendUint16(body, 0)
	body = append(body, make([]byte, item3DSize)...) // one marker only

	payload := make([]byte, 0, 64)
	payload = binary.LittleEndian.AppendUint64(payload, 1)
	payload = binary.LittleEndian.AppendUint32(payload, 1)
	payload = binary.LittleEndian.AppendUint32(payload, 1)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(componentHeaderSize+len(body)))
	payload = binary.LittleEndian.AppendUint32(payload, uint32(Comp3D))
	payload = append(payload, body...)

	_, err := DecodeFrame(payload, v119)
	var mismatch *ComponentSizeError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, Comp3D, mismatch.Component)
}

func TestDecodeFrame_ShortPayload(t *testing.T) {
	_, err := DecodeFrame([]byte{1, 2, 3}, v119)
	var malformed *MalformedPacketError
	assert.ErrorAs(t, err, &malformed)
}

func TestDecodeFrame_6DOFEulerResidual(t *testing.T) {
	src := &Bodies6DOFEuler{
		Tag: Comp6DEulerRes,
		Bodies: []Body6DOFEuler{
			{Position: Vec3{X: 10, Y: 20, Z: 30}, Angles: [3]float32{0.5, -1.5, 3.25}, Residual: 0.125},
		},
	}

	frame, err := DecodeFrame(EncodeFrame(9, 3, src), v119)
	require.NoError(t, err)
	got, ok := frame.Component(Comp6DEulerRes).(*Bodies6DOFEuler)
	require.True(t, ok)
	require.Len(t, got.Bodies, 1)
	assert.Equal(t, src.Bodies[0], got.Bodies[0])
}

func TestDecodeFrame_AnalogChannelMajor(t *testing.T) {
	src := &Analog{
		Devices: []AnalogDevice{
			{
				ID:           1,
				SampleNumber: 640,
				Channels: [][]float32{
					{0.5, 0.75, 1.0},
					{-0.5, -0.75, -1.0},
				},
			},
		},
	}

	frame, err := DecodeFrame(EncodeFrame(1, 1, src), v119)
	require.NoError(t, err)
	got, ok := frame.Component(CompAnalog).(*Analog)
	require.True(t, ok)
	require.Len(t, got.Devices, 1)
	assert.Equal(t, src.Devices[0], got.Devices[0])
}

// analogFrame wraps a raw Analog body in a one-component Data payload.
func analogFrame(body []byte) []byte {
	payload := make([]byte, 0, frameHeaderSize+componentHeaderSize+len(body))
	payload = binary.LittleEndian.AppendUint64(payload, 1)
	payload = binary.LittleEndian.AppendUint32(payload, 1)
	payload = binary.LittleEndian.AppendUint32(payload, 1)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(componentHeaderSize+len(body)))
	payload = binary.LittleEndian.AppendUint32(payload, uint32(CompAnalog))
	return append(payload, body...)
}

func TestDecodeFrame_AnalogZeroSamplesHugeChannelCount(t *testing.T) {
	// A device declaring 2^32-1 channels with zero samples carries no
	// data at all; the declared count must not size any allocation.
	body := make([]byte, 0, 16)
	body = binary.LittleEndian.AppendUint32(body, 1)          // device count
	body = binary.LittleEndian.AppendUint32(body, 7)          // id
	body = binary.LittleEndian.AppendUint32(body, 0xFFFFFFFF) // channel count
	body = binary.LittleEndian.AppendUint32(body, 0)          // sample count

	frame, err := DecodeFrame(analogFrame(body), v119)
	require.NoError(t, err)
	got, ok := frame.Component(CompAnalog).(*Analog)
	require.True(t, ok)
	require.Len(t, got.Devices, 1)
	assert.Equal(t, uint32(7), got.Devices[0].ID)
	assert.Empty(t, got.Devices[0].Channels)
}

func TestDecodeFrame_AnalogCountOverflow(t *testing.T) {
	// channelCount*sampleCount*4 wraps a 64-bit product; the bound must
	// hold regardless.
	body := make([]byte, 0, 28)
	body = binary.LittleEndian.AppendUint32(body, 1)          // device count
	body = binary.LittleEndian.AppendUint32(body, 7)          // id
	body = binary.LittleEndian.AppendUint32(body, 0x80000000) // channel count
	body = binary.LittleEndian.AppendUint32(body, 0x80000000) // sample count
	body = binary.LittleEndian.AppendUint32(body, 1)          // sample number
	body = append(body, 0, 0, 0, 0)

	_, err := DecodeFrame(analogFrame(body), v119)
	var mismatch *ComponentSizeError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, CompAnalog, mismatch.Component)
}

func TestDecodeFrame_AnalogChannelCountBeyondPayload(t *testing.T) {
	body := make([]byte, 0, 28)
	body = binary.LittleEndian.AppendUint32(body, 1)        // device count
	body = binary.LittleEndian.AppendUint32(body, 7)        // id
	body = binary.LittleEndian.AppendUint32(body, 1<<24)    // channel count
	body = binary.LittleEndian.AppendUint32(body, 1)        // sample count
	body = binary.LittleEndian.AppendUint32(body, 1)        // sample number
	body = append(body, 0, 0, 0, 0, 0, 0, 0, 0)             // two samples

	_, err := DecodeFrame(analogFrame(body), v119)
	var mismatch *ComponentSizeError
	assert.ErrorAs(t, err, &mismatch)
}

func TestDecodeFrame_AnalogHostileDeviceCount(t *testing.T) {
	body := binary.LittleEndian.AppendUint32(nil, 0xFFFFFFFF)

	_, err := DecodeFrame(analogFrame(body), v119)
	var mismatch *ComponentSizeError
	assert.ErrorAs(t, err, &mismatch)
}

func TestDecodeFrame_2DCameras(t *testing.T) {
	src := &Markers2D{
		Tag: Comp2D,
		Cameras: []Camera2D{
			{Markers: []Marker2D{{X: 100, Y: 200, DiameterX: 5, DiameterY: 6}}},
			{Markers: nil},
			{Markers: []Marker2D{{X: 1, Y: 2, DiameterX: 3, DiameterY: 4}, {X: 7, Y: 8, DiameterX: 9, DiameterY: 10}}},
		},
	}

	frame, err := DecodeFrame(EncodeFrame(1, 1, src), v119)
	require.NoError(t, err)
	got, ok := frame.Component(Comp2D).(*Markers2D)
	require.True(t, ok)
	require.Len(t, got.Cameras, 3)
	assert.Equal(t, src.Cameras[0].Markers, got.Cameras[0].Markers)
	assert.Empty(t, got.Cameras[1].Markers)
	assert.Equal(t, src.Cameras[2].Markers, got.Cameras[2].Markers)
}

func TestDecodeFrame_ForcePlates(t *testing.T) {
	src := &Force{
		Plates: []ForcePlate{
			{
				ID:          3,
				ForceNumber: 99,
				Samples: []ForceSample{
					{
						Force:            Vec3{X: 1, Y: 2, Z: 3},
						Moment:           Vec3{X: 4, Y: 5, Z: 6},
						ApplicationPoint: Vec3{X: 7, Y: 8, Z: 9},
					},
				},
			},
		},
	}

	frame, err := DecodeFrame(EncodeFrame(1, 1, src), v119)
	require.NoError(t, err)
	got, ok := frame.Component(CompForce).(*Force)
	require.True(t, ok)
	assert.Equal(t, src.Plates, got.Plates)
}

func TestDecodeFrame_MultipleComponents(t *testing.T) {
	markers := &Markers3D{Tag: Comp3D, Markers: []Marker3D{{Vec3: Vec3{X: 1}}}}
	bodies := &Bodies6DOF{Tag: Comp6D, Bodies: []Body6DOF{{Position: Vec3{X: 2}}}}
	tc := &Timecodes{Timecodes: []Timecode{{Kind: 1, High: 2, Low: 3}}}

	frame, err := DecodeFrame(EncodeFrame(77, 5, markers, bodies, tc), v119)
	require.NoError(t, err)
	require.Len(t, frame.Components, 3)
	// Component order is preserved.
	assert.Equal(t, Comp3D, frame.Components[0].ComponentType())
	assert.Equal(t, Comp6D, frame.Components[1].ComponentType())
	assert.Equal(t, CompTimecode, frame.Components[2].ComponentType())
}

func TestDecodeFrame_ImageIsOpaque(t *testing.T) {
	raw := []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3}
	frame, err := DecodeFrame(EncodeFrame(1, 1, &Image{Raw: raw}), Version{1, 25})
	require.NoError(t, err)
	got, ok := frame.Component(CompImage).(*Image)
	require.True(t, ok)
	assert.Equal(t, raw, got.Raw)
}
