package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/0xphantomotr/snakelink/pkg/p2p"
	"github.com/0xphantomotr/snakelink/pkg/types"
)

const (
	snapshotMagic   byte = 0x53
	snapshotVersion byte = 0x01
)

const (
	// magic(1) + version(1) + seq(4) + appleX(2) + appleY(2) + bodyLength(2)
	HeaderSize  = 12
	SegmentSize = 4

	// MaxBodyLength is the longest body that still fits in one link payload.
	MaxBodyLength = (p2p.MaxPayloadSize - HeaderSize) / SegmentSize
	MaxFrameSize  = HeaderSize + MaxBodyLength*SegmentSize

	// AbsentCoord in both apple fields means no apple.
	AbsentCoord int16 = math.MinInt16
)

var (
	ErrDecodeFailure = errors.New("protocol: decode failure")
	ErrStaleSequence = errors.New("protocol: stale sequence")
)

// ValidationError reports a snapshot field that is well framed but not acceptable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// EncodeSnapshot serializes snap in the big endian wire layout.
func EncodeSnapshot(snap types.OpponentSnapshot) ([]byte, error) {
	if err := validate(snap); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, HeaderSize+len(snap.SnakeBody)*SegmentSize)
	buf = append(buf, snapshotMagic, snapshotVersion)
	buf = binary.BigEndian.AppendUint32(buf, snap.SequenceNumber)

	appleX, appleY := AbsentCoord, AbsentCoord
	if snap.Apple != nil {
		appleX, appleY = int16(snap.Apple.X), int16(snap.Apple.Y)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(appleX))
	buf = binary.BigEndian.AppendUint16(buf, uint16(appleY))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(snap.SnakeBody)))

	for _, p := range snap.SnakeBody {
		buf = binary.BigEndian.AppendUint16(buf, uint16(int16(p.X)))
		buf = binary.BigEndian.AppendUint16(buf, uint16(int16(p.Y)))
	}
	return buf, nil
}

// DecodeSnapshot parses one frame. Framing problems wrap ErrDecodeFailure;
// well framed but unacceptable values return a *ValidationError.
func DecodeSnapshot(data []byte) (types.OpponentSnapshot, error) {
	var snap types.OpponentSnapshot

	if len(data) < HeaderSize {
		return snap, fmt.Errorf("%w: frame of %d bytes shorter than header", ErrDecodeFailure, len(data))
	}
	if data[0] != snapshotMagic {
		return snap, fmt.Errorf("%w: bad magic 0x%02x", ErrDecodeFailure, data[0])
	}
	if data[1] != snapshotVersion {
		return snap, fmt.Errorf("%w: unsupported version %d", ErrDecodeFailure, data[1])
	}

	snap.SequenceNumber = binary.BigEndian.Uint32(data[2:6])
	appleX := int16(binary.BigEndian.Uint16(data[6:8]))
	appleY := int16(binary.BigEndian.Uint16(data[8:10]))
	bodyLength := int(binary.BigEndian.Uint16(data[10:12]))

	body := data[HeaderSize:]
	if len(body) != bodyLength*SegmentSize {
		return types.OpponentSnapshot{}, fmt.Errorf("%w: body length %d needs %d bytes, have %d",
			ErrDecodeFailure, bodyLength, bodyLength*SegmentSize, len(body))
	}

	switch {
	case appleX == AbsentCoord && appleY == AbsentCoord:
	case appleX == AbsentCoord || appleY == AbsentCoord:
		return types.OpponentSnapshot{}, invalid("apple", "only one coordinate marked absent")
	default:
		snap.Apple = &types.Point{X: int(appleX), Y: int(appleY)}
	}

	snap.SnakeBody = make([]types.Point, bodyLength)
	for i := range snap.SnakeBody {
		off := i * SegmentSize
		snap.SnakeBody[i] = types.Point{
			X: int(int16(binary.BigEndian.Uint16(body[off : off+2]))),
			Y: int(int16(binary.BigEndian.Uint16(body[off+2 : off+4]))),
		}
	}

	if err := validate(snap); err != nil {
		return types.OpponentSnapshot{}, err
	}
	return snap, nil
}

func validate(snap types.OpponentSnapshot) error {
	if snap.SequenceNumber == 0 {
		return invalid("sequence_number", "must start at 1")
	}
	if len(snap.SnakeBody) > MaxBodyLength {
		return invalid("body_length", "%d segments exceeds %d", len(snap.SnakeBody), MaxBodyLength)
	}
	if snap.Apple != nil {
		if err := checkCoord("apple", *snap.Apple); err != nil {
			return err
		}
		if int16(snap.Apple.X) == AbsentCoord || int16(snap.Apple.Y) == AbsentCoord {
			return invalid("apple", "coordinate %s is reserved for an absent apple", *snap.Apple)
		}
	}
	for i, p := range snap.SnakeBody {
		if err := checkCoord(fmt.Sprintf("body[%d]", i), p); err != nil {
			return err
		}
	}
	return nil
}

func checkCoord(field string, p types.Point) error {
	if p.X < math.MinInt16 || p.Y < math.MinInt16 || p.X > math.MaxInt16 || p.Y > math.MaxInt16 {
		return invalid(field, "coordinate %s out of int16 range", p)
	}
	return nil
}
