package muxer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// H.264 NAL unit types
const (
	NALUnitTypeIDR = 5
	NALUnitTypeSPS = 7
	NALUnitTypePPS = 8
	NALUnitTypeAUD = 9
)

// AnnexB start codes
var (
	// 4-byte start code, the only form the extractor recognises
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
	// 3-byte start code (used for most NALs)
	StartCode3 = []byte{0x00, 0x00, 0x01}
)

var errNoNALUnits = errors.New("no NAL units found")

// ConvertAVCCToAnnexB converts H.264 from AVCC format (4-byte length-prefixed
// NAL units) to Annex-B format (start-code-prefixed NAL units).
//
// AVCC format (used by RTMP/FLV/MP4):
//
//	[4-byte length][NAL unit][4-byte length][NAL unit]...
//
// Annex-B format (used by raw H.264 streams, MPEG-TS):
//
//	[0x00 0x00 0x00 0x01][NAL unit][0x00 0x00 0x00 0x01][NAL unit]...
func ConvertAVCCToAnnexB(avccData []byte) ([]byte, error) {
	return ConvertLengthPrefixedToAnnexB(avccData, 4)
}

// ConvertLengthPrefixedToAnnexB is ConvertAVCCToAnnexB for an arbitrary
// NALU length size (1, 2 or 4 bytes, as signalled in the avcC record).
func ConvertLengthPrefixedToAnnexB(data []byte, lengthSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty AVCC data")
	}
	if lengthSize != 1 && lengthSize != 2 && lengthSize != 4 {
		return nil, fmt.Errorf("unsupported NALU length size %d", lengthSize)
	}

	var annexB bytes.Buffer
	annexB.Grow(len(data) + 16)
	offset := 0
	nalCount := 0

	for offset+lengthSize <= len(data) {
		var nalSize int
		switch lengthSize {
		case 1:
			nalSize = int(data[offset])
		case 2:
			nalSize = int(binary.BigEndian.Uint16(data[offset:]))
		default:
			nalSize = int(binary.BigEndian.Uint32(data[offset:]))
		}
		offset += lengthSize

		if nalSize == 0 {
			continue
		}
		if offset+nalSize > len(data) {
			return nil, fmt.Errorf("invalid NAL size %d at offset %d (exceeds buffer)", nalSize, offset-lengthSize)
		}

		annexB.Write(StartCode4)
		annexB.Write(data[offset : offset+nalSize])
		offset += nalSize
		nalCount++
	}

	if nalCount == 0 {
		return nil, errNoNALUnits
	}
	return annexB.Bytes(), nil
}

// IsAnnexBFormat detects if data is in Annex-B format by checking for start codes
func IsAnnexBFormat(data []byte) bool {
	return bytes.HasPrefix(data, StartCode4) || bytes.HasPrefix(data, StartCode3)
}

// SplitAnnexB returns the NAL units of a byte stream delimited by 4-byte
// start codes. Returned slices alias data and exclude the start code.
func SplitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	start := bytes.Index(data, StartCode4)
	for start >= 0 {
		body := start + len(StartCode4)
		next := bytes.Index(data[body:], StartCode4)
		if next < 0 {
			if body < len(data) {
				nalus = append(nalus, data[body:])
			}
			break
		}
		if next > 0 {
			nalus = append(nalus, data[body:body+next])
		}
		start = body + next
	}
	return nalus
}

// ContainsNALUnitType reports whether an Annex-B stream carries a NAL unit of type t
func ContainsNALUnitType(data []byte, t uint8) bool {
	for _, nalu := range SplitAnnexB(data) {
		if nalu[0]&0x1F == t {
			return true
		}
	}
	return false
}
