package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Write-side encoders. The client only ever writes Command and XML
// packets; the remaining encoders exist for the RT simulator and for
// synthesizing frames in tests. Everything is little-endian on the wire
// regardless of host order.

func appendU16(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}

func appendU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendU64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

func appendF32(b []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
}

func appendVec3(b []byte, v Vec3) []byte {
	b = appendF32(b, v.X)
	b = appendF32(b, v.Y)
	return appendF32(b, v.Z)
}

// EncodePacket frames a payload as a complete packet, header included.
func EncodePacket(typ PacketType, payload []byte) []byte {
	pkt := make([]byte, HeaderSize, HeaderSize+len(payload))
	PutHeader(pkt, uint32(HeaderSize+len(payload)), typ)
	return append(pkt, payload...)
}

// EncodeTextPacket frames a NUL-terminated text payload, the form Command,
// XML and Error packets use.
func EncodeTextPacket(typ PacketType, text string) []byte {
	payload := make([]byte, 0, len(text)+1)
	payload = append(payload, text...)
	payload = append(payload, 0)
	return EncodePacket(typ, payload)
}

// EncodeEventPacket frames an event notification.
func EncodeEventPacket(ev Event) []byte {
	return EncodePacket(PacketEvent, []byte{byte(ev)})
}

// WritePacket frames and writes a packet in a single write, staging it in
// a pooled buffer to keep the hot path allocation-free.
func WritePacket(w io.Writer, typ PacketType, payload []byte) error {
	buf := GetBufferWithSize(HeaderSize + len(payload))
	defer PutBuffer(buf)

	var header [HeaderSize]byte
	PutHeader(header[:], uint32(HeaderSize+len(payload)), typ)
	buf.Write(header[:])
	buf.Write(payload)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write %s packet: %w", typ, err)
	}
	return nil
}

// WriteCommand writes a Command packet carrying a NUL-terminated command
// string.
func WriteCommand(w io.Writer, command string) error {
	payload := make([]byte, 0, len(command)+1)
	payload = append(payload, command...)
	payload = append(payload, 0)
	return WritePacket(w, PacketCommand, payload)
}

// WriteXML writes an XML packet carrying a NUL-terminated document.
func WriteXML(w io.Writer, document string) error {
	payload := make([]byte, 0, len(document)+1)
	payload = append(payload, document...)
	payload = append(payload, 0)
	return WritePacket(w, PacketXML, payload)
}

// EncodeFrame builds a Data packet payload: frame sub-header followed by
// one block per component.
func EncodeFrame(timestamp uint64, number uint32, comps ...Component) []byte {
	payload := make([]byte, 0, frameHeaderSize)
	payload = appendU64(payload, timestamp)
	payload = appendU32(payload, number)
	payload = appendU32(payload, uint32(len(comps)))
	for _, c := range comps {
		payload = append(payload, EncodeComponent(c)...)
	}
	return payload
}

// EncodeDataPacket builds a complete Data packet for the given frame
// contents.
func EncodeDataPacket(timestamp uint64, number uint32, comps ...Component) []byte {
	return EncodePacket(PacketData, EncodeFrame(timestamp, number, comps...))
}

// EncodeComponent builds one component block, sub-header included. Counts
// are derived from the slice lengths, which keeps encode and decode
// symmetric for round-trip testing.
func EncodeComponent(c Component) []byte {
	body := encodeComponentBody(c)
	block := make([]byte, 0, componentHeaderSize+len(body))
	block = appendU32(block, uint32(componentHeaderSize+len(body)))
	block = appendU32(block, uint32(c.ComponentType()))
	return append(block, body...)
}

func appendMarkerHeader(b []byte, count int, dropRate, outOfSyncRate uint16) []byte {
	b = appendU32(b, uint32(count))
	b = appendU16(b, dropRate)
	return appendU16(b, outOfSyncRate)
}

func encodeComponentBody(c Component) []byte {
	var b []byte
	switch v := c.(type) {
	case *Markers3D:
		b = appendMarkerHeader(b, len(v.Markers), v.DropRate, v.OutOfSyncRate)
		for _, m := range v.Markers {
			b = appendVec3(b, m.Vec3)
			if v.Tag == Comp3DRes {
				b = appendF32(b, m.Residual)
			}
		}

	case *Markers3DNoLabels:
		b = appendMarkerHeader(b, len(v.Markers), v.DropRate, v.OutOfSyncRate)
		for _, m := range v.Markers {
			b = appendVec3(b, m.Vec3)
			b = appendU32(b, m.ID)
			if v.Tag == Comp3DNoLabelsRes {
				b = appendF32(b, m.Residual)
			}
		}

	case *Bodies6DOF:
		b = appendMarkerHeader(b, len(v.Bodies), v.DropRate, v.OutOfSyncRate)
		for _, body := range v.Bodies {
			b = appendVec3(b, body.Position)
			for _, r := range body.Rotation {
				b = appendF32(b, r)
			}
			if v.Tag == Comp6DRes {
				b = appendF32(b, body.Residual)
			}
		}

	case *Bodies6DOFEuler:
		b = appendMarkerHeader(b, len(v.Bodies), v.DropRate, v.OutOfSyncRate)
		for _, body := range v.Bodies {
			b = appendVec3(b, body.Position)
			for _, a := range body.Angles {
				b = appendF32(b, a)
			}
			if v.Tag == Comp6DEulerRes {
				b = appendF32(b, body.Residual)
			}
		}

	case *Markers2D:
		b = appendMarkerHeader(b, len(v.Cameras), v.DropRate, v.OutOfSyncRate)
		for _, cam := range v.Cameras {
			b = appendU32(b, uint32(len(cam.Markers)))
			for _, m := range cam.Markers {
				b = appendU32(b, m.X)
				b = appendU32(b, m.Y)
				b = appendU16(b, m.DiameterX)
				b = appendU16(b, m.DiameterY)
			}
		}

	case *Analog:
		b = appendU32(b, uint32(len(v.Devices)))
		for _, dev := range v.Devices {
			sampleCount := 0
			if len(dev.Channels) > 0 {
				sampleCount = len(dev.Channels[0])
			}
			b = appendU32(b, dev.ID)
			b = appendU32(b, uint32(len(dev.Channels)))
			b = appendU32(b, uint32(sampleCount))
			if sampleCount > 0 {
				b = appendU32(b, dev.SampleNumber)
			}
			for _, ch := range dev.Channels {
				for _, s := range ch {
					b = appendF32(b, s)
				}
			}
		}

	case *AnalogSingle:
		b = appendU32(b, uint32(len(v.Devices)))
		for _, dev := range v.Devices {
			b = appendU32(b, dev.ID)
			b = appendU32(b, uint32(len(dev.Samples)))
			for _, s := range dev.Samples {
				b = appendF32(b, s)
			}
		}

	case *Force:
		b = appendU32(b, uint32(len(v.Plates)))
		for _, plate := range v.Plates {
			b = appendU32(b, plate.ID)
			b = appendU32(b, uint32(len(plate.Samples)))
			b = appendU32(b, plate.ForceNumber)
			for _, s := range plate.Samples {
				b = appendForceSample(b, s)
			}
		}

	case *ForceSingle:
		b = appendU32(b, uint32(len(v.Plates)))
		for _, plate := range v.Plates {
			b = appendU32(b, plate.ID)
			b = appendForceSample(b, plate.Sample)
		}

	case *GazeVectors:
		b = appendU32(b, uint32(len(v.Vectors)))
		for _, vec := range v.Vectors {
			b = appendU32(b, uint32(len(vec.Samples)))
			if len(vec.Samples) > 0 {
				b = appendU32(b, vec.SampleNumber)
				for _, s := range vec.Samples {
					b = appendVec3(b, s.Direction)
					b = appendVec3(b, s.Position)
				}
			}
		}

	case *EyeTrackers:
		b = appendU32(b, uint32(len(v.Trackers)))
		for _, tr := range v.Trackers {
			b = appendU32(b, uint32(len(tr.Samples)))
			if len(tr.Samples) > 0 {
				b = appendU32(b, tr.SampleNumber)
				for _, s := range tr.Samples {
					b = appendF32(b, s.LeftPupil)
					b = appendF32(b, s.RightPupil)
				}
			}
		}

	case *Timecodes:
		b = appendU32(b, uint32(len(v.Timecodes)))
		for _, tc := range v.Timecodes {
			b = appendU32(b, tc.Kind)
			b = appendU32(b, tc.High)
			b = appendU32(b, tc.Low)
		}

	case *Skeletons:
		b = appendU32(b, uint32(len(v.Skeletons)))
		for _, sk := range v.Skeletons {
			b = appendU32(b, uint32(len(sk.Segments)))
			for _, seg := range sk.Segments {
				b = appendU32(b, seg.ID)
				b = appendVec3(b, seg.Position)
				for _, r := range seg.Rotation {
					b = appendF32(b, r)
				}
			}
		}

	case *Image:
		b = append(b, v.Raw...)
	}
	return b
}

func appendForceSample(b []byte, s ForceSample) []byte {
	b = appendVec3(b, s.Force)
	b = appendVec3(b, s.Moment)
	return appendVec3(b, s.ApplicationPoint)
}
