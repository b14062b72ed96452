package muxer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/asticode/go-astits"

	"camrelay/pkg/models"
)

const (
	videoPID uint16 = 0x100
	audioPID uint16 = 0x101

	videoStreamID uint8 = 0xE0
	audioStreamID uint8 = 0xC0
)

var (
	ErrNotStarted     = errors.New("container writer not started")
	ErrAlreadyStarted = errors.New("container writer already started")
	ErrNoTrack        = errors.New("track not added")
)

// TSWriter muxes Annex-B H.264 and AAC samples into a single MPEG-TS file.
// It follows the add-tracks, start, write, stop, release lifecycle.
type TSWriter struct {
	path string
	file *os.File
	buf  *bufio.Writer
	mux  *astits.Muxer

	params   ParameterSetCache
	audioCfg *aac.AudioSpecificConfig

	hasVideo bool
	hasAudio bool
	started  bool
	stopped  bool
}

// CreateTSWriter creates the segment file at path. Failing to create the
// file is the only error a caller cannot recover from.
func CreateTSWriter(path string) (*TSWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file: %w", err)
	}
	return &TSWriter{path: path, file: f}, nil
}

// Path returns the file the writer is muxing into
func (w *TSWriter) Path() string {
	return w.path
}

// AddTrack registers an elementary stream. Must be called before Start.
func (w *TSWriter) AddTrack(format *models.FormatDescriptor) error {
	if w.started {
		return ErrAlreadyStarted
	}
	switch format.Track {
	case models.TrackVideo:
		ExtractParameterSets(&w.params, format.Config, format.SecondaryConfig)
		w.hasVideo = true
	case models.TrackAudio:
		if len(format.Config) == 0 {
			return fmt.Errorf("audio format has no AudioSpecificConfig")
		}
		cfg, err := aac.DecodeAudioSpecificConfig(bytes.NewReader(format.Config))
		if err != nil {
			return fmt.Errorf("failed to decode AudioSpecificConfig: %w", err)
		}
		w.audioCfg = cfg
		w.hasAudio = true
	default:
		return fmt.Errorf("unknown track %d", format.Track)
	}
	return nil
}

// Start fixes the stream layout. No bytes reach the file until the first sample.
func (w *TSWriter) Start() error {
	if w.started {
		return ErrAlreadyStarted
	}
	if !w.hasVideo {
		return fmt.Errorf("%w: video", ErrNoTrack)
	}

	w.buf = bufio.NewWriterSize(w.file, 64*1024)
	w.mux = astits.NewMuxer(context.Background(), w.buf)
	if err := w.mux.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: videoPID,
		StreamType:    astits.StreamTypeH264Video,
	}); err != nil {
		return fmt.Errorf("failed to add video stream: %w", err)
	}
	if w.hasAudio {
		if err := w.mux.AddElementaryStream(astits.PMTElementaryStream{
			ElementaryPID: audioPID,
			StreamType:    astits.StreamTypeAACAudio,
		}); err != nil {
			return fmt.Errorf("failed to add audio stream: %w", err)
		}
	}
	w.mux.SetPCRPID(videoPID)
	w.started = true
	return nil
}

// WriteSample writes one sample whose timestamps are already re-based
func (w *TSWriter) WriteSample(s *models.EncodedSample) error {
	if !w.started || w.stopped {
		return ErrNotStarted
	}
	switch s.Track {
	case models.TrackVideo:
		return w.writeVideo(s)
	case models.TrackAudio:
		if !w.hasAudio {
			return fmt.Errorf("%w: audio", ErrNoTrack)
		}
		return w.writeAudio(s)
	default:
		return fmt.Errorf("unknown track %d", s.Track)
	}
}

func (w *TSWriter) writeVideo(s *models.EncodedSample) error {
	payload := s.Payload
	if s.Flags.Keyframe && !ContainsNALUnitType(payload, NALUnitTypeSPS) {
		if p := w.params.Get(); p.Complete() {
			payload = PrependParameterSets(payload, p.SPS, p.PPS)
		}
	}

	pts := toClock90k(s.PresentationTimeUs)
	dts := toClock90k(s.DecodeTimeUs())
	af := &astits.PacketAdaptationField{
		HasPCR: true,
		PCR:    &astits.ClockReference{Base: dts},
	}
	if s.Flags.Keyframe {
		af.RandomAccessIndicator = true
	}

	header := &astits.PESOptionalHeader{
		MarkerBits:      2,
		PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
		PTS:             &astits.ClockReference{Base: pts},
	}
	if dts != pts {
		header.PTSDTSIndicator = astits.PTSDTSIndicatorBothPresent
		header.DTS = &astits.ClockReference{Base: dts}
	}

	_, err := w.mux.WriteData(&astits.MuxerData{
		PID:             videoPID,
		AdaptationField: af,
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: header,
				StreamID:       videoStreamID,
			},
			Data: payload,
		},
	})
	return err
}

func (w *TSWriter) writeAudio(s *models.EncodedSample) error {
	payload := s.Payload
	if !hasADTSHeader(payload) {
		hdr, err := aac.NewADTSHeader(w.audioCfg.SamplingFrequency, w.audioCfg.ChannelConfiguration,
			w.audioCfg.ObjectType, uint16(len(payload)))
		if err != nil {
			return fmt.Errorf("failed to build ADTS header: %w", err)
		}
		framed := hdr.Encode()
		payload = append(framed, payload...)
	}

	pts := toClock90k(s.PresentationTimeUs)
	_, err := w.mux.WriteData(&astits.MuxerData{
		PID: audioPID,
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:      2,
					PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
					PTS:             &astits.ClockReference{Base: pts},
				},
				StreamID: audioStreamID,
			},
			Data: payload,
		},
	})
	return err
}

// Stop flushes buffered TS packets to the file
func (w *TSWriter) Stop() error {
	if !w.started {
		return ErrNotStarted
	}
	if w.stopped {
		return nil
	}
	w.stopped = true
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush segment: %w", err)
	}
	return nil
}

// Release closes the underlying file. Safe to call more than once.
func (w *TSWriter) Release() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("failed to close segment file: %w", err)
	}
	return nil
}

func toClock90k(us int64) int64 {
	return us * 9 / 100
}

func hasADTSHeader(b []byte) bool {
	return len(b) >= 7 && b[0] == 0xFF && b[1]&0xF0 == 0xF0
}
