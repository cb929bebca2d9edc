// Package integrity implements a completeness check for fetched segments:
// completed ISOBMFF segment buffers are scanned for top-level box
// completeness; a truncation is reported as a retryable error. Grounded on
// internal/mpegts.Demuxer's pull-based box/packet-walking idiom (a loop
// reading a fixed header, validating its declared length against
// remaining data, and advancing), applied here to ISOBMFF box headers
// (size+fourcc) instead of MPEG-TS packets.
package integrity

import (
	"encoding/binary"
	"fmt"
)

// boxHeaderSize is the size of an ISOBMFF box's standard 32-bit
// size + fourcc header.
const boxHeaderSize = 8

// largeSizeExtra is the additional 64-bit size field present when a box's
// declared 32-bit size is 1 ("extended size").
const largeSizeExtra = 8

// requiredTopLevelBoxes are the boxes a well-formed fragmented media
// segment (moof+mdat) must contain.
var requiredTopLevelBoxes = []string{"moof", "mdat"}

// Box is one parsed top-level box header.
type Box struct {
	Type string
	Size int64 // total box size including its header
}

// Error reports a truncated or malformed segment buffer.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("integrity check failed: %s", e.Reason) }

// Retryable is always true: a truncation fails the request with a
// retryable error.
func (e *Error) Retryable() bool { return true }

// Check walks the top-level boxes of data and verifies every declared box
// size fits within the buffer (no truncation) and that both an moof and an
// mdat box are present.
func Check(data []byte) error {
	boxes, err := Walk(data)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(boxes))
	for _, b := range boxes {
		seen[b.Type] = true
	}
	for _, want := range requiredTopLevelBoxes {
		if !seen[want] {
			return &Error{Reason: fmt.Sprintf("missing required box %q", want)}
		}
	}
	return nil
}

// Walk parses every top-level box header in data, returning an error the
// instant a declared size would run past the end of the buffer. Exported so
// the chunked streaming loader can reuse the same box boundaries that Check
// validates.
func Walk(data []byte) ([]Box, error) {
	var boxes []Box
	offset := int64(0)
	total := int64(len(data))

	for offset < total {
		if total-offset < boxHeaderSize {
			return nil, &Error{Reason: "truncated box header"}
		}
		size := int64(binary.BigEndian.Uint32(data[offset : offset+4]))
		boxType := string(data[offset+4 : offset+8])
		headerSize := int64(boxHeaderSize)

		if size == 1 {
			if total-offset < boxHeaderSize+largeSizeExtra {
				return nil, &Error{Reason: "truncated extended box header"}
			}
			size = int64(binary.BigEndian.Uint64(data[offset+8 : offset+16]))
			headerSize += largeSizeExtra
		} else if size == 0 {
			// Size 0 means "box extends to end of file" (only valid for
			// the last box); treat the remainder as this box.
			size = total - offset
		}

		if size < headerSize || offset+size > total {
			return nil, &Error{Reason: fmt.Sprintf("box %q declares size %d past buffer end", boxType, size)}
		}

		boxes = append(boxes, Box{Type: boxType, Size: size})
		offset += size
	}
	return boxes, nil
}
