package mjpeg

// DefaultMaxFrameSize caps a single frame; larger runs are discarded
const DefaultMaxFrameSize = 8 << 20

// FrameScanner splits a byte stream into JPEG images by their SOI (FF D8)
// and EOI (FF D9) markers. It keeps one byte of lookback so a marker split
// across two reads is still found.
type FrameScanner struct {
	maxSize int
	buf     []byte
	inFrame bool
	prev    int
}

// NewFrameScanner creates a scanner. maxSize <= 0 uses DefaultMaxFrameSize.
func NewFrameScanner(maxSize int) *FrameScanner {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameScanner{maxSize: maxSize, prev: -1}
}

// Feed scans chunk and calls emit for every completed frame. The emitted
// slice is owned by the callee. An emit error stops the scan and is returned.
func (s *FrameScanner) Feed(chunk []byte, emit func([]byte) error) error {
	for _, c := range chunk {
		b := int(c)
		if !s.inFrame {
			if s.prev == 0xFF && b == 0xD8 {
				s.inFrame = true
				s.buf = append(s.buf[:0], 0xFF, 0xD8)
			}
		} else {
			s.buf = append(s.buf, c)
			if s.prev == 0xFF && b == 0xD9 {
				frame := make([]byte, len(s.buf))
				copy(frame, s.buf)
				s.inFrame = false
				s.buf = s.buf[:0]
				s.prev = b
				if err := emit(frame); err != nil {
					return err
				}
				continue
			} else if len(s.buf) > s.maxSize {
				s.inFrame = false
				s.buf = s.buf[:0]
			}
		}
		s.prev = b
	}
	return nil
}

// Reset drops any partial frame and the lookback byte
func (s *FrameScanner) Reset() {
	s.buf = s.buf[:0]
	s.inFrame = false
	s.prev = -1
}
