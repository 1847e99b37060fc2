package pipeline

import (
	"bytes"
	"fmt"
	"strings"
)

// NAL unit types used when splitting and describing byte streams.
const (
	naluNonIDR = 1
	naluIDR    = 5
	naluSEI    = 6
	naluSPS    = 7
	naluPPS    = 8
	naluAUD    = 9
)

var startCode3 = []byte{0, 0, 1}

// auSplitter incrementally cuts an H.264 Annex-B byte stream into access
// units at access-unit delimiter NALs. The encoder is configured to emit an
// AUD in front of every frame.
type auSplitter struct {
	buf []byte
}

// Push appends encoder output and returns every complete access unit.
func (s *auSplitter) Push(data []byte) [][]byte {
	s.buf = append(s.buf, data...)

	var units [][]byte
	for {
		first, ok := s.findAUD(0)
		if !ok {
			break
		}
		next, ok := s.findAUD(first + 3)
		if !ok {
			// Head of an unfinished unit; drop any garbage before it.
			if first > 0 {
				s.buf = s.buf[first:]
			}
			break
		}
		unit := make([]byte, next-first)
		copy(unit, s.buf[first:next])
		units = append(units, unit)
		s.buf = s.buf[next:]
	}
	return units
}

// findAUD locates the start-code offset of the next AUD NAL at or after
// from.
func (s *auSplitter) findAUD(from int) (int, bool) {
	for i := from; ; {
		rel := bytes.Index(s.buf[i:], startCode3)
		if rel < 0 {
			return 0, false
		}
		pos := i + rel
		nalStart := pos + 3
		if nalStart >= len(s.buf) {
			return 0, false
		}
		// A 4-byte start code is a 3-byte one preceded by a zero; report
		// the longer form so units keep their original prefix.
		start := pos
		if start > 0 && s.buf[start-1] == 0 {
			start--
		}
		if s.buf[nalStart]&0x1f == naluAUD {
			return start, true
		}
		i = nalStart
	}
}

// describeNALUs summarizes the NAL types in an Annex-B buffer, for
// diagnostics around keyframe handling.
func describeNALUs(data []byte) string {
	types := make(map[string]int)
	for i := 0; i+3 < len(data); {
		startLen := 0
		if data[i] == 0 && data[i+1] == 0 {
			if data[i+2] == 1 {
				startLen = 3
			} else if data[i+2] == 0 && i+3 < len(data) && data[i+3] == 1 {
				startLen = 4
			}
		}
		if startLen == 0 {
			i++
			continue
		}
		name := fmt.Sprintf("type%d", data[i+startLen]&0x1f)
		switch data[i+startLen] & 0x1f {
		case naluSPS:
			name = "SPS"
		case naluPPS:
			name = "PPS"
		case naluIDR:
			name = "IDR"
		case naluNonIDR:
			name = "non-IDR"
		case naluSEI:
			name = "SEI"
		case naluAUD:
			name = "AUD"
		}
		types[name]++
		i += startLen + 1
	}
	parts := make([]string, 0, len(types))
	for t, c := range types {
		parts = append(parts, fmt.Sprintf("%s:%d", t, c))
	}
	return strings.Join(parts, " ")
}

// containsIDR reports whether the access unit carries a keyframe.
func containsIDR(data []byte) bool {
	for i := 0; i+3 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if data[i+3]&0x1f == naluIDR {
				return true
			}
		}
	}
	return false
}
