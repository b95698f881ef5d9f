package protocol

import (
	"bytes"
	"fmt"
)

// Fragment splits a PLAIN or DATA payload into frames of at most capacity
// bytes. The first frame carries the kind's own tag; the remainder travels in
// CONT frames. Every frame except the last ends with the CONT marker.
//
// A final chunk that itself ends with the marker bytes is followed by an empty
// CONT frame, so a receiver always strips exactly one marker per frame.
func Fragment(kind Kind, room int8, port uint32, payload []byte, capacity int) ([][]byte, error) {
	if kind != KindPlain && kind != KindData {
		return nil, fmt.Errorf("%w: %s cannot be fragmented", ErrUnknownKind, kind)
	}

	var frames [][]byte
	rest := payload
	current := kind

	for {
		overhead := current.MinLen()
		if overhead > capacity {
			return nil, fmt.Errorf("%w: %d < %d", ErrCapacity, capacity, overhead)
		}

		n := chunkSize(overhead, rest, capacity)
		if n == 0 && len(rest) > 0 {
			return nil, fmt.Errorf("%w: %d", ErrCapacity, capacity)
		}

		chunk := rest[:n]
		rest = rest[n:]
		more := len(rest) > 0 || bytes.HasSuffix(chunk, contMarker)

		frame, err := Encode(&Message{Kind: current, Room: room, Port: port, Payload: chunk, More: more})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)

		if !more {
			return frames, nil
		}
		current = KindCont
	}
}

// chunkSize returns the largest prefix of rest that fits into one frame with
// the given overhead, counting the trailing marker when one is needed.
func chunkSize(overhead int, rest []byte, capacity int) int {
	n := min(len(rest), capacity-overhead)
	for ; n > 0; n-- {
		size := overhead + n
		if n < len(rest) || bytes.HasSuffix(rest[:n], contMarker) {
			size += markerLen
		}
		if size <= capacity {
			return n
		}
	}
	return 0
}
