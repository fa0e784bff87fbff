package protocol

import "github.com/rs/zerolog"

const (
	frameHeaderSize     = 16
	componentHeaderSize = 8
)

// Frame is one decoded streaming data frame. Timestamp is the server
// clock (microseconds, non-decreasing within a session); Number increases
// strictly while streaming is active but may jump on reconnect.
type Frame struct {
	Timestamp  uint64      `json:"timestamp"`
	Number     uint32      `json:"frame_number"`
	Components []Component `json:"components"`

	// Skipped records component blocks the decoder could not interpret
	// and stepped over. Their byte spans are gone but the rest of the
	// frame is intact.
	Skipped []UnknownComponentNotice `json:"skipped,omitempty"`
}

// Component returns the first component with the given type tag, or nil.
func (f *Frame) Component(t ComponentType) Component {
	for _, c := range f.Components {
		if c.ComponentType() == t {
			return c
		}
	}
	return nil
}

// DecodeFrame parses a Data packet payload into a Frame using the item
// layout table for the negotiated version. All fields are little-endian
// regardless of host order.
//
// Component blocks with an unrecognized type tag, or a tag the negotiated
// version predates, are skipped over their declared span and recorded in
// Frame.Skipped; the frame still decodes. A block whose declared size
// crosses the payload boundary fails the whole frame with
// TruncatedComponentError since there is no safe resynchronization point.
func DecodeFrame(payload []byte, v Version) (*Frame, error) {
	if len(payload) < frameHeaderSize {
		return nil, &MalformedPacketError{
			Size:   uint32(len(payload)) + HeaderSize,
			Reason: "data payload shorter than frame header",
		}
	}

	cur := cursor{b: payload}
	frame := &Frame{
		Timestamp: cur.u64(),
		Number:    cur.u32(),
	}
	count := cur.u32()

	for i := uint32(0); i < count; i++ {
		if cur.remaining() < componentHeaderSize {
			return nil, &TruncatedComponentError{Declared: componentHeaderSize, Remaining: cur.remaining()}
		}
		size := cur.u32()
		tag := cur.u32()

		if size < componentHeaderSize {
			return nil, &TruncatedComponentError{Tag: tag, Declared: size, Remaining: cur.remaining()}
		}
		body := int(size) - componentHeaderSize
		if body > cur.remaining() {
			return nil, &TruncatedComponentError{Tag: tag, Declared: size, Remaining: cur.remaining()}
		}

		block := cur.b[cur.off : cur.off+body]
		cur.off += body

		ct := ComponentType(tag)
		min, known := componentMinVersion[ct]
		if !known || !v.AtLeast(min) {
			frame.Skipped = append(frame.Skipped, UnknownComponentNotice{Tag: tag, Size: size})
			continue
		}

		comp, err := decodeComponent(ct, block)
		if err != nil {
			return nil, err
		}
		frame.Components = append(frame.Components, comp)
	}

	return frame, nil
}

// LogSkipped writes one warning per skipped component block. Skippable
// decode notices are absorbed here rather than surfaced as session
// failures.
func (f *Frame) LogSkipped(logger zerolog.Logger) {
	for i := range f.Skipped {
		n := &f.Skipped[i]
		logger.Warn().
			Uint32("component_tag", n.Tag).
			Uint32("bytes", n.Size).
			Uint32("frame", f.Number).
			Msg("skipped unknown component")
	}
}

func decodeComponent(t ComponentType, body []byte) (Component, error) {
	switch t {
	case Comp3D, Comp3DRes:
		return decode3D(t, body)
	case Comp3DNoLabels, Comp3DNoLabelsRes:
		return decode3DNoLabels(t, body)
	case Comp6D, Comp6DRes:
		return decode6D(t, body)
	case Comp6DEuler, Comp6DEulerRes:
		return decode6DEuler(t, body)
	case Comp2D, Comp2DLin:
		return decode2D(t, body)
	case CompAnalog:
		return decodeAnalog(body)
	case CompAnalogSingle:
		return decodeAnalogSingle(body)
	case CompForce:
		return decodeForce(body)
	case CompForceSingle:
		return decodeForceSingle(body)
	case CompGazeVector:
		return decodeGazeVectors(body)
	case CompEyeTracker:
		return decodeEyeTrackers(body)
	case CompTimecode:
		return decodeTimecodes(body)
	case CompSkeleton:
		return decodeSkeletons(body)
	case CompImage:
		// Opaque by design, framing only.
		raw := make([]byte, len(body))
		copy(raw, body)
		return &Image{Raw: raw}, nil
	}
	return nil, &ComponentSizeError{Component: t, Declared: uint32(len(body)) + componentHeaderSize}
}

// sizeMismatch builds the decode error for a block whose declared length
// disagrees with its item layout. Sizes are reported as full block sizes,
// matching the wire's size field.
func sizeMismatch(t ComponentType, body []byte, expectedBody int) error {
	return &ComponentSizeError{
		Component: t,
		Declared:  uint32(len(body)) + componentHeaderSize,
		Expected:  expectedBody + componentHeaderSize,
	}
}

// sliceCap bounds a wire-declared element count by the bytes actually
// left, so a hostile count cannot drive the allocator before the
// per-item reads run out of input.
func sliceCap(count uint32, minItemSize, remaining int) int {
	if max := remaining / minItemSize; int(count) > max {
		return max
	}
	return int(count)
}

func readMarkerHeader(cur *cursor) markerHeader {
	return markerHeader{
		Count:         cur.u32(),
		DropRate:      cur.u16(),
		OutOfSyncRate: cur.u16(),
	}
}

func decode3D(t ComponentType, body []byte) (Component, error) {
	itemSize := item3DSize
	if t == Comp3DRes {
		itemSize = item3DResSize
	}
	if len(body) < componentHeaderSize {
		return nil, sizeMismatch(t, body, componentHeaderSize)
	}
	cur := cursor{b: body}
	h := readMarkerHeader(&cur)
	if expected := componentHeaderSize + int(h.Count)*itemSize; len(body) != expected {
		return nil, sizeMismatch(t, body, expected)
	}
	c := &Markers3D{
		Tag:           t,
		DropRate:      h.DropRate,
		OutOfSyncRate: h.OutOfSyncRate,
		Markers:       make([]Marker3D, h.Count),
	}
	for i := range c.Markers {
		c.Markers[i].Vec3 = cur.vec3()
		if t == Comp3DRes {
			c.Markers[i].Residual = cur.f32()
		}
	}
	return c, nil
}

func decode3DNoLabels(t ComponentType, body []byte) (Component, error) {
	itemSize := item3DNoLabelsSize
	if t == Comp3DNoLabelsRes {
		itemSize = item3DNoLabelsResSize
	}
	if len(body) < componentHeaderSize {
		return nil, sizeMismatch(t, body, componentHeaderSize)
	}
	cur := cursor{b: body}
	h := readMarkerHeader(&cur)
	if expected := componentHeaderSize + int(h.Count)*itemSize; len(body) != expected {
		return nil, sizeMismatch(t, body, expected)
	}
	c := &Markers3DNoLabels{
		Tag:           t,
		DropRate:      h.DropRate,
		OutOfSyncRate: h.OutOfSyncRate,
		Markers:       make([]Marker3DNoLabel, h.Count),
	}
	for i := range c.Markers {
		c.Markers[i].Vec3 = cur.vec3()
		c.Markers[i].ID = cur.u32()
		if t == Comp3DNoLabelsRes {
			c.Markers[i].Residual = cur.f32()
		}
	}
	return c, nil
}

func decode6D(t ComponentType, body []byte) (Component, error) {
	itemSize := item6DSize
	if t == Comp6DRes {
		itemSize = item6DResSize
	}
	if len(body) < componentHeaderSize {
		return nil, sizeMismatch(t, body, componentHeaderSize)
	}
	cur := cursor{b: body}
	h := readMarkerHeader(&cur)
	if expected := componentHeaderSize + int(h.Count)*itemSize; len(body) != expected {
		return nil, sizeMismatch(t, body, expected)
	}
	c := &Bodies6DOF{
		Tag:           t,
		DropRate:      h.DropRate,
		OutOfSyncRate: h.OutOfSyncRate,
		Bodies:        make([]Body6DOF, h.Count),
	}
	for i := range c.Bodies {
		c.Bodies[i].Position = cur.vec3()
		for j := 0; j < 9; j++ {
			c.Bodies[i].Rotation[j] = cur.f32()
		}
		if t == Comp6DRes {
			c.Bodies[i].Residual = cur.f32()
		}
	}
	return c, nil
}

func decode6DEuler(t ComponentType, body []byte) (Component, error) {
	itemSize := item6DEulerSize
	if t == Comp6DEulerRes {
		itemSize = item6DEulerResSize
	}
	if len(body) < componentHeaderSize {
		return nil, sizeMismatch(t, body, componentHeaderSize)
	}
	cur := cursor{b: body}
	h := readMarkerHeader(&cur)
	if expected := componentHeaderSize + int(h.Count)*itemSize; len(body) != expected {
		return nil, sizeMismatch(t, body, expected)
	}
	c := &Bodies6DOFEuler{
		Tag:           t,
		DropRate:      h.DropRate,
		OutOfSyncRate: h.OutOfSyncRate,
		Bodies:        make([]Body6DOFEuler, h.Count),
	}
	for i := range c.Bodies {
		c.Bodies[i].Position = cur.vec3()
		for j := 0; j < 3; j++ {
			c.Bodies[i].Angles[j] = cur.f32()
		}
		if t == Comp6DEulerRes {
			c.Bodies[i].Residual = cur.f32()
		}
	}
	return c, nil
}

func decode2D(t ComponentType, body []byte) (Component, error) {
	if len(body) < componentHeaderSize {
		return nil, sizeMismatch(t, body, componentHeaderSize)
	}
	cur := cursor{b: body}
	h := readMarkerHeader(&cur)
	c := &Markers2D{
		Tag:           t,
		DropRate:      h.DropRate,
		OutOfSyncRate: h.OutOfSyncRate,
		Cameras:       make([]Camera2D, 0, sliceCap(h.Count, 4, len(body)-componentHeaderSize)),
	}
	for i := uint32(0); i < h.Count; i++ {
		if cur.remaining() < 4 {
			return nil, sizeMismatch(t, body, cur.off+4)
		}
		markerCount := cur.u32()
		need := int(markerCount) * item2DMarkerSize
		if cur.remaining() < need {
			return nil, sizeMismatch(t, body, cur.off+need)
		}
		cam := Camera2D{Markers: make([]Marker2D, markerCount)}
		for j := range cam.Markers {
			cam.Markers[j] = Marker2D{
				X:         cur.u32(),
				Y:         cur.u32(),
				DiameterX: cur.u16(),
				DiameterY: cur.u16(),
			}
		}
		c.Cameras = append(c.Cameras, cam)
	}
	if cur.remaining() != 0 {
		return nil, sizeMismatch(t, body, cur.off)
	}
	return c, nil
}

func decodeAnalog(body []byte) (Component, error) {
	if len(body) < 4 {
		return nil, sizeMismatch(CompAnalog, body, 4)
	}
	cur := cursor{b: body}
	deviceCount := cur.u32()
	c := &Analog{Devices: make([]AnalogDevice, 0, sliceCap(deviceCount, 12, cur.remaining()))}
	for i := uint32(0); i < deviceCount; i++ {
		if cur.remaining() < 12 {
			return nil, sizeMismatch(CompAnalog, body, cur.off+12)
		}
		dev := AnalogDevice{ID: cur.u32()}
		channelCount := cur.u32()
		sampleCount := cur.u32()
		if sampleCount == 0 {
			// No new samples for this device, so no data follows.
			c.Devices = append(c.Devices, dev)
			continue
		}
		if cur.remaining() < 4 {
			return nil, sizeMismatch(CompAnalog, body, cur.off+4)
		}
		dev.SampleNumber = cur.u32()
		// Bound the channel count before allocating: each channel
		// carries sampleCount samples of 4 bytes. The division form
		// keeps a huge count pair from overflowing the check.
		channelBytes := int(sampleCount) * 4
		if int(channelCount) > cur.remaining()/channelBytes {
			return nil, sizeMismatch(CompAnalog, body, len(body)+channelBytes)
		}
		// Samples are channel-major on the wire.
		dev.Channels = make([][]float32, channelCount)
		for ch := range dev.Channels {
			dev.Channels[ch] = make([]float32, sampleCount)
			for s := range dev.Channels[ch] {
				dev.Channels[ch][s] = cur.f32()
			}
		}
		c.Devices = append(c.Devices, dev)
	}
	if cur.remaining() != 0 {
		return nil, sizeMismatch(CompAnalog, body, cur.off)
	}
	return c, nil
}

func decodeAnalogSingle(body []byte) (Component, error) {
	if len(body) < 4 {
		return nil, sizeMismatch(CompAnalogSingle, body, 4)
	}
	cur := cursor{b: body}
	deviceCount := cur.u32()
	c := &AnalogSingle{Devices: make([]AnalogSingleDevice, 0, sliceCap(deviceCount, 8, cur.remaining()))}
	for i := uint32(0); i < deviceCount; i++ {
		if cur.remaining() < 8 {
			return nil, sizeMismatch(CompAnalogSingle, body, cur.off+8)
		}
		dev := AnalogSingleDevice{ID: cur.u32()}
		channelCount := cur.u32()
		need := int(channelCount) * 4
		if cur.remaining() < need {
			return nil, sizeMismatch(CompAnalogSingle, body, cur.off+need)
		}
		dev.Samples = make([]float32, channelCount)
		for ch := range dev.Samples {
			dev.Samples[ch] = cur.f32()
		}
		c.Devices = append(c.Devices, dev)
	}
	if cur.remaining() != 0 {
		return nil, sizeMismatch(CompAnalogSingle, body, cur.off)
	}
	return c, nil
}

func readForceSample(cur *cursor) ForceSample {
	return ForceSample{
		Force:            cur.vec3(),
		Moment:           cur.vec3(),
		ApplicationPoint: cur.vec3(),
	}
}

func decodeForce(body []byte) (Component, error) {
	if len(body) < 4 {
		return nil, sizeMismatch(CompForce, body, 4)
	}
	cur := cursor{b: body}
	plateCount := cur.u32()
	c := &Force{Plates: make([]ForcePlate, 0, sliceCap(plateCount, 12, cur.remaining()))}
	for i := uint32(0); i < plateCount; i++ {
		if cur.remaining() < 12 {
			return nil, sizeMismatch(CompForce, body, cur.off+12)
		}
		plate := ForcePlate{ID: cur.u32()}
		sampleCount := cur.u32()
		plate.ForceNumber = cur.u32()
		need := int(sampleCount) * itemForceSampleSize
		if cur.remaining() < need {
			return nil, sizeMismatch(CompForce, body, cur.off+need)
		}
		plate.Samples = make([]ForceSample, sampleCount)
		for s := range plate.Samples {
			plate.Samples[s] = readForceSample(&cur)
		}
		c.Plates = append(c.Plates, plate)
	}
	if cur.remaining() != 0 {
		return nil, sizeMismatch(CompForce, body, cur.off)
	}
	return c, nil
}

func decodeForceSingle(body []byte) (Component, error) {
	if len(body) < 4 {
		return nil, sizeMismatch(CompForceSingle, body, 4)
	}
	cur := cursor{b: body}
	plateCount := cur.u32()
	expected := 4 + int(plateCount)*(4+itemForceSampleSize)
	if len(body) != expected {
		return nil, sizeMismatch(CompForceSingle, body, expected)
	}
	c := &ForceSingle{Plates: make([]ForceSinglePlate, plateCount)}
	for i := range c.Plates {
		c.Plates[i].ID = cur.u32()
		c.Plates[i].Sample = readForceSample(&cur)
	}
	return c, nil
}

func decodeGazeVectors(body []byte) (Component, error) {
	if len(body) < 4 {
		return nil, sizeMismatch(CompGazeVector, body, 4)
	}
	cur := cursor{b: body}
	vectorCount := cur.u32()
	c := &GazeVectors{Vectors: make([]GazeVector, 0, sliceCap(vectorCount, 4, cur.remaining()))}
	for i := uint32(0); i < vectorCount; i++ {
		if cur.remaining() < 4 {
			return nil, sizeMismatch(CompGazeVector, body, cur.off+4)
		}
		vec := GazeVector{}
		sampleCount := cur.u32()
		if sampleCount > 0 {
			if cur.remaining() < 4 {
				return nil, sizeMismatch(CompGazeVector, body, cur.off+4)
			}
			vec.SampleNumber = cur.u32()
			need := int(sampleCount) * itemGazeSampleSize
			if cur.remaining() < need {
				return nil, sizeMismatch(CompGazeVector, body, cur.off+need)
			}
			vec.Samples = make([]GazeSample, sampleCount)
			for s := range vec.Samples {
				vec.Samples[s] = GazeSample{Direction: cur.vec3(), Position: cur.vec3()}
			}
		}
		c.Vectors = append(c.Vectors, vec)
	}
	if cur.remaining() != 0 {
		return nil, sizeMismatch(CompGazeVector, body, cur.off)
	}
	return c, nil
}

func decodeEyeTrackers(body []byte) (Component, error) {
	if len(body) < 4 {
		return nil, sizeMismatch(CompEyeTracker, body, 4)
	}
	cur := cursor{b: body}
	trackerCount := cur.u32()
	c := &EyeTrackers{Trackers: make([]EyeTracker, 0, sliceCap(trackerCount, 4, cur.remaining()))}
	for i := uint32(0); i < trackerCount; i++ {
		if cur.remaining() < 4 {
			return nil, sizeMismatch(CompEyeTracker, body, cur.off+4)
		}
		tr := EyeTracker{}
		sampleCount := cur.u32()
		if sampleCount > 0 {
			if cur.remaining() < 4 {
				return nil, sizeMismatch(CompEyeTracker, body, cur.off+4)
			}
			tr.SampleNumber = cur.u32()
			need := int(sampleCount) * itemEyeSampleSize
			if cur.remaining() < need {
				return nil, sizeMismatch(CompEyeTracker, body, cur.off+need)
			}
			tr.Samples = make([]EyeTrackerSample, sampleCount)
			for s := range tr.Samples {
				tr.Samples[s] = EyeTrackerSample{LeftPupil: cur.f32(), RightPupil: cur.f32()}
			}
		}
		c.Trackers = append(c.Trackers, tr)
	}
	if cur.remaining() != 0 {
		return nil, sizeMismatch(CompEyeTracker, body, cur.off)
	}
	return c, nil
}

func decodeTimecodes(body []byte) (Component, error) {
	if len(body) < 4 {
		return nil, sizeMismatch(CompTimecode, body, 4)
	}
	cur := cursor{b: body}
	count := cur.u32()
	expected := 4 + int(count)*itemTimecodeSize
	if len(body) != expected {
		return nil, sizeMismatch(CompTimecode, body, expected)
	}
	c := &Timecodes{Timecodes: make([]Timecode, count)}
	for i := range c.Timecodes {
		c.Timecodes[i] = Timecode{Kind: cur.u32(), High: cur.u32(), Low: cur.u32()}
	}
	return c, nil
}

func decodeSkeletons(body []byte) (Component, error) {
	if len(body) < 4 {
		return nil, sizeMismatch(CompSkeleton, body, 4)
	}
	cur := cursor{b: body}
	skeletonCount := cur.u32()
	c := &Skeletons{Skeletons: make([]Skeleton, 0, sliceCap(skeletonCount, 4, cur.remaining()))}
	for i := uint32(0); i < skeletonCount; i++ {
		if cur.remaining() < 4 {
			return nil, sizeMismatch(CompSkeleton, body, cur.off+4)
		}
		segmentCount := cur.u32()
		need := int(segmentCount) * itemSegmentSize
		if cur.remaining() < need {
			return nil, sizeMismatch(CompSkeleton, body, cur.off+need)
		}
		sk := Skeleton{Segments: make([]SkeletonSegment, segmentCount)}
		for s := range sk.Segments {
			sk.Segments[s].ID = cur.u32()
			sk.Segments[s].Position = cur.vec3()
			for j := 0; j < 4; j++ {
				sk.Segments[s].Rotation[j] = cur.f32()
			}
		}
		c.Skeletons = append(c.Skeletons, sk)
	}
	if cur.remaining() != 0 {
		return nil, sizeMismatch(CompSkeleton, body, cur.off)
	}
	return c, nil
}
