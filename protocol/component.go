package protocol

import (
	"encoding/binary"
	"math"
)

// ComponentType tags a component block inside a streaming data frame.
type ComponentType uint32

const (
	Comp3D            ComponentType = 1
	Comp3DNoLabels    ComponentType = 2
	CompAnalog        ComponentType = 3
	CompForce         ComponentType = 4
	Comp6D            ComponentType = 5
	Comp6DEuler       ComponentType = 6
	Comp2D            ComponentType = 7
	Comp2DLin         ComponentType = 8
	Comp3DRes         ComponentType = 9
	Comp3DNoLabelsRes ComponentType = 10
	Comp6DRes         ComponentType = 11
	Comp6DEulerRes    ComponentType = 12
	CompAnalogSingle  ComponentType = 13
	CompImage         ComponentType = 14
	CompForceSingle   ComponentType = 15
	CompGazeVector    ComponentType = 16
	CompTimecode      ComponentType = 17
	CompSkeleton      ComponentType = 18
	CompEyeTracker    ComponentType = 19
)

func (t ComponentType) String() string {
	switch t {
	case Comp3D:
		return "3d"
	case Comp3DNoLabels:
		return "3dnolabels"
	case CompAnalog:
		return "analog"
	case CompForce:
		return "force"
	case Comp6D:
		return "6d"
	case Comp6DEuler:
		return "6deuler"
	case Comp2D:
		return "2d"
	case Comp2DLin:
		return "2dlin"
	case Comp3DRes:
		return "3dres"
	case Comp3DNoLabelsRes:
		return "3dnolabelsres"
	case Comp6DRes:
		return "6dres"
	case Comp6DEulerRes:
		return "6deulerres"
	case CompAnalogSingle:
		return "analogsingle"
	case CompImage:
		return "image"
	case CompForceSingle:
		return "forcesingle"
	case CompGazeVector:
		return "gazevector"
	case CompTimecode:
		return "timecode"
	case CompSkeleton:
		return "skeleton"
	case CompEyeTracker:
		return "eyetracker"
	default:
		return "unknown"
	}
}

// componentMinVersion is the protocol version a component type first
// appeared in. A tag carried by an older negotiated version is treated as
// unknown and skipped, the same as a tag outside the table: servers are
// free to add components and the client must not abort the frame for them.
var componentMinVersion = map[ComponentType]Version{
	Comp3D:            {1, 8},
	Comp3DNoLabels:    {1, 8},
	CompAnalog:        {1, 8},
	CompForce:         {1, 8},
	Comp6D:            {1, 8},
	Comp6DEuler:       {1, 8},
	Comp2D:            {1, 8},
	Comp2DLin:         {1, 8},
	Comp3DRes:         {1, 8},
	Comp3DNoLabelsRes: {1, 8},
	Comp6DRes:         {1, 8},
	Comp6DEulerRes:    {1, 8},
	CompAnalogSingle:  {1, 11},
	CompImage:         {1, 12},
	CompForceSingle:   {1, 13},
	CompGazeVector:    {1, 14},
	CompTimecode:      {1, 17},
	CompSkeleton:      {1, 19},
	CompEyeTracker:    {1, 22},
}

// Fixed item sizes in bytes for components with flat item arrays.
const (
	item3DSize            = 12
	item3DResSize         = 16
	item3DNoLabelsSize    = 16
	item3DNoLabelsResSize = 20
	item6DSize            = 48
	item6DResSize         = 52
	item6DEulerSize       = 24
	item6DEulerResSize    = 28
	item2DMarkerSize      = 12
	itemForceSampleSize   = 36
	itemGazeSampleSize    = 24
	itemEyeSampleSize     = 8
	itemTimecodeSize      = 12
	itemSegmentSize       = 32
)

// Component is one decoded component block of a streaming frame.
type Component interface {
	ComponentType() ComponentType
}

// Vec3 is a spatial coordinate triple. The protocol transmits float32
// little-endian; values pass through without unit conversion.
type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// markerHeader is the 8-byte sub-header shared by the marker-based
// components (3D, 6D and 2D families): count uint32, drop rate uint16,
// out-of-sync rate uint16.
type markerHeader struct {
	Count         uint32
	DropRate      uint16
	OutOfSyncRate uint16
}

// --- 3D family ---

type Marker3D struct {
	Vec3
	Residual float32 `json:"residual,omitempty"`
}

type Marker3DNoLabel struct {
	Vec3
	ID       uint32  `json:"id"`
	Residual float32 `json:"residual,omitempty"`
}

// Markers3D carries labelled 3D markers, with or without residuals
// depending on the component tag.
type Markers3D struct {
	Tag           ComponentType `json:"-"`
	DropRate      uint16        `json:"drop_rate"`
	OutOfSyncRate uint16        `json:"out_of_sync_rate"`
	Markers       []Marker3D    `json:"markers"`
}

func (c *Markers3D) ComponentType() ComponentType { return c.Tag }

// Markers3DNoLabels carries unidentified 3D markers with per-marker ids.
type Markers3DNoLabels struct {
	Tag           ComponentType     `json:"-"`
	DropRate      uint16            `json:"drop_rate"`
	OutOfSyncRate uint16            `json:"out_of_sync_rate"`
	Markers       []Marker3DNoLabel `json:"markers"`
}

func (c *Markers3DNoLabels) ComponentType() ComponentType { return c.Tag }

// --- 6DOF family ---

type Body6DOF struct {
	Position Vec3       `json:"position"`
	Rotation [9]float32 `json:"rotation"`
	Residual float32    `json:"residual,omitempty"`
}

type Body6DOFEuler struct {
	Position Vec3       `json:"position"`
	Angles   [3]float32 `json:"angles"`
	Residual float32    `json:"residual,omitempty"`
}

// Bodies6DOF carries rigid bodies with 3x3 rotation matrices.
type Bodies6DOF struct {
	Tag           ComponentType `json:"-"`
	DropRate      uint16        `json:"drop_rate"`
	OutOfSyncRate uint16        `json:"out_of_sync_rate"`
	Bodies        []Body6DOF    `json:"bodies"`
}

func (c *Bodies6DOF) ComponentType() ComponentType { return c.Tag }

// Bodies6DOFEuler carries rigid bodies with Euler angle rotations.
type Bodies6DOFEuler struct {
	Tag           ComponentType   `json:"-"`
	DropRate      uint16          `json:"drop_rate"`
	OutOfSyncRate uint16          `json:"out_of_sync_rate"`
	Bodies        []Body6DOFEuler `json:"bodies"`
}

func (c *Bodies6DOFEuler) ComponentType() ComponentType { return c.Tag }

// --- 2D family ---

type Marker2D struct {
	X         uint32 `json:"x"`
	Y         uint32 `json:"y"`
	DiameterX uint16 `json:"diameter_x"`
	DiameterY uint16 `json:"diameter_y"`
}

type Camera2D struct {
	Markers []Marker2D `json:"markers"`
}

// Markers2D carries per-camera 2D marker lists, raw or linearized.
type Markers2D struct {
	Tag           ComponentType `json:"-"`
	DropRate      uint16        `json:"drop_rate"`
	OutOfSyncRate uint16        `json:"out_of_sync_rate"`
	Cameras       []Camera2D    `json:"cameras"`
}

func (c *Markers2D) ComponentType() ComponentType { return c.Tag }

// --- Analog ---

type AnalogDevice struct {
	ID           uint32      `json:"id"`
	SampleNumber uint32      `json:"sample_number"`
	Channels     [][]float32 `json:"channels"`
}

type Analog struct {
	Devices []AnalogDevice `json:"devices"`
}

func (c *Analog) ComponentType() ComponentType { return CompAnalog }

type AnalogSingleDevice struct {
	ID      uint32    `json:"id"`
	Samples []float32 `json:"samples"`
}

type AnalogSingle struct {
	Devices []AnalogSingleDevice `json:"devices"`
}

func (c *AnalogSingle) ComponentType() ComponentType { return CompAnalogSingle }

// --- Force ---

type ForceSample struct {
	Force            Vec3 `json:"force"`
	Moment           Vec3 `json:"moment"`
	ApplicationPoint Vec3 `json:"application_point"`
}

type ForcePlate struct {
	ID          uint32        `json:"id"`
	ForceNumber uint32        `json:"force_number"`
	Samples     []ForceSample `json:"samples"`
}

type Force struct {
	Plates []ForcePlate `json:"plates"`
}

func (c *Force) ComponentType() ComponentType { return CompForce }

type ForceSinglePlate struct {
	ID     uint32      `json:"id"`
	Sample ForceSample `json:"sample"`
}

type ForceSingle struct {
	Plates []ForceSinglePlate `json:"plates"`
}

func (c *ForceSingle) ComponentType() ComponentType { return CompForceSingle }

// --- Gaze / eye tracking ---

type GazeSample struct {
	Direction Vec3 `json:"direction"`
	Position  Vec3 `json:"position"`
}

type GazeVector struct {
	SampleNumber uint32       `json:"sample_number"`
	Samples      []GazeSample `json:"samples"`
}

type GazeVectors struct {
	Vectors []GazeVector `json:"vectors"`
}

func (c *GazeVectors) ComponentType() ComponentType { return CompGazeVector }

type EyeTrackerSample struct {
	LeftPupil  float32 `json:"left_pupil"`
	RightPupil float32 `json:"right_pupil"`
}

type EyeTracker struct {
	SampleNumber uint32             `json:"sample_number"`
	Samples      []EyeTrackerSample `json:"samples"`
}

type EyeTrackers struct {
	Trackers []EyeTracker `json:"trackers"`
}

func (c *EyeTrackers) ComponentType() ComponentType { return CompEyeTracker }

// --- Timecode ---

type Timecode struct {
	Kind uint32 `json:"kind"`
	High uint32 `json:"high"`
	Low  uint32 `json:"low"`
}

type Timecodes struct {
	Timecodes []Timecode `json:"timecodes"`
}

func (c *Timecodes) ComponentType() ComponentType { return CompTimecode }

// --- Skeleton ---

type SkeletonSegment struct {
	ID       uint32     `json:"id"`
	Position Vec3       `json:"position"`
	Rotation [4]float32 `json:"rotation"`
}

type Skeleton struct {
	Segments []SkeletonSegment `json:"segments"`
}

type Skeletons struct {
	Skeletons []Skeleton `json:"skeletons"`
}

func (c *Skeletons) ComponentType() ComponentType { return CompSkeleton }

// --- Image ---

// Image carries the component payload opaquely. Image decoding beyond
// framing is out of scope.
type Image struct {
	Raw []byte `json:"raw"`
}

func (c *Image) ComponentType() ComponentType { return CompImage }

// cursor is a little-endian read position over a component body.
// Callers validate lengths before reading, so reads never slice past the
// end; short reads indicate a bug in the length validation.
type cursor struct {
	b   []byte
	off int
}

func (c *cursor) remaining() int { return len(c.b) - c.off }

func (c *cursor) u16() uint16 {
	v := binary.LittleEndian.Uint16(c.b[c.off:])
	c.off += 2
	return v
}

func (c *cursor) u32() uint32 {
	v := binary.LittleEndian.Uint32(c.b[c.off:])
	c.off += 4
	return v
}

func (c *cursor) u64() uint64 {
	v := binary.LittleEndian.Uint64(c.b[c.off:])
	c.off += 8
	return v
}

func (c *cursor) f32() float32 {
	return math.Float32frombits(c.u32())
}

func (c *cursor) vec3() Vec3 {
	return Vec3{X: c.f32(), Y: c.f32(), Z: c.f32()}
}
