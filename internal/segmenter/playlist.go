package segmenter

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"camrelay/pkg/models"
)

// BuildPlaylist renders a live sliding-window media playlist. Segments for
// which exists returns false are left out.
func BuildPlaylist(pl models.Playlist, exists func(path string) bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:4\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", pl.TargetDuration))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", pl.MediaSequence))
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")

	for _, seg := range pl.Segments {
		if exists != nil && !exists(seg.FilePath) {
			continue
		}
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", seg.Duration))
		b.WriteString(filepath.Base(seg.FileName))
		b.WriteString("\n")
	}

	return b.String()
}

// targetDuration is the configured duration rounded up, raised to cover the
// longest segment in the window
func targetDuration(configured time.Duration, window []models.Segment) int {
	target := int(math.Ceil(configured.Seconds()))
	for _, seg := range window {
		if d := int(math.Ceil(seg.Duration)); d > target {
			target = d
		}
	}
	if target < 1 {
		target = 1
	}
	return target
}
