package muxer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// AVCDecoderConfigurationRecord is the length-prefixed "avcC" box layout.
// It arrives as csd-0 on some encoders and as the FLV/RTMP sequence header.
type AVCDecoderConfigurationRecord struct {
	ConfigurationVersion uint8
	AVCProfileIndication uint8
	ProfileCompatibility uint8
	AVCLevelIndication   uint8
	NALUnitLength        uint8
	SPS                  [][]byte // Sequence Parameter Sets, no start codes
	PPS                  [][]byte // Picture Parameter Sets, no start codes
}

// ParseAVCDecoderConfigurationRecord parses an avcC record
func ParseAVCDecoderConfigurationRecord(data []byte) (*AVCDecoderConfigurationRecord, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("data too short for AVCDecoderConfigurationRecord: %d bytes", len(data))
	}
	if data[0] != 1 {
		return nil, fmt.Errorf("unsupported avcC configuration version %d", data[0])
	}

	record := &AVCDecoderConfigurationRecord{
		ConfigurationVersion: data[0],
		AVCProfileIndication: data[1],
		ProfileCompatibility: data[2],
		AVCLevelIndication:   data[3],
		// reserved (6 bits) + length size minus one (2 bits)
		NALUnitLength: (data[4] & 0x03) + 1,
	}
	r := bytes.NewReader(data[5:])

	// reserved (3 bits) + number of SPS (5 bits)
	var numOfSPS uint8
	if err := binary.Read(r, binary.BigEndian, &numOfSPS); err != nil {
		return nil, err
	}
	sps, err := readParameterSets(r, int(numOfSPS&0x1F))
	if err != nil {
		return nil, fmt.Errorf("failed to read SPS: %w", err)
	}
	record.SPS = sps

	var numOfPPS uint8
	if err := binary.Read(r, binary.BigEndian, &numOfPPS); err != nil {
		return nil, fmt.Errorf("failed to read PPS count: %w", err)
	}
	pps, err := readParameterSets(r, int(numOfPPS))
	if err != nil {
		return nil, fmt.Errorf("failed to read PPS: %w", err)
	}
	record.PPS = pps

	return record, nil
}

func readParameterSets(r *bytes.Reader, count int) ([][]byte, error) {
	sets := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		var length uint16
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		set := make([]byte, length)
		if _, err := io.ReadFull(r, set); err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

// FLVVideoPacket is the decoded header of an FLV/RTMP AVC video tag
type FLVVideoPacket struct {
	IsKeyFrame       bool
	IsSequenceHeader bool  // AVCPacketType 0, Data is an avcC record
	CompositionTime  int32 // PTS - DTS in milliseconds
	Data             []byte
}

// ParseFLVVideoPacket extracts codec data and frame type from an FLV video packet
func ParseFLVVideoPacket(data []byte) (*FLVVideoPacket, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("video packet too short: %d bytes", len(data))
	}

	// Byte 0: Frame type (4 bits) + Codec ID (4 bits)
	frameType := (data[0] >> 4) & 0x0F
	codecID := data[0] & 0x0F
	if codecID != 7 {
		return nil, fmt.Errorf("not H.264/AVC codec: %d", codecID)
	}

	// Bytes 2-4: signed 24-bit composition time
	ct := int32(data[2])<<16 | int32(data[3])<<8 | int32(data[4])
	if ct&0x800000 != 0 {
		ct -= 1 << 24
	}

	return &FLVVideoPacket{
		IsKeyFrame:       frameType == 1,
		IsSequenceHeader: data[1] == 0,
		CompositionTime:  ct,
		Data:             data[5:],
	}, nil
}

// FLVAudioPacket is the decoded header of an FLV/RTMP AAC audio tag
type FLVAudioPacket struct {
	IsSequenceHeader bool // AACPacketType 0, Data is an AudioSpecificConfig
	Data             []byte
}

// ParseFLVAudioPacket extracts AAC data from an FLV audio packet
func ParseFLVAudioPacket(data []byte) (*FLVAudioPacket, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("audio packet too short: %d bytes", len(data))
	}
	// Byte 0: sound format (4 bits), rate, size, type
	if format := data[0] >> 4; format != 10 {
		return nil, fmt.Errorf("not AAC audio: sound format %d", format)
	}
	return &FLVAudioPacket{
		IsSequenceHeader: data[1] == 0,
		Data:             data[2:],
	}, nil
}

// PrependParameterSets returns sps ++ pps ++ frame. The parameter sets are
// expected to carry their own start codes.
func PrependParameterSets(frame, sps, pps []byte) []byte {
	out := make([]byte, 0, len(sps)+len(pps)+len(frame))
	out = append(out, sps...)
	out = append(out, pps...)
	return append(out, frame...)
}
