package muxer

import (
	"bytes"
	"sync"
)

// ConfigLayout identifies how a codec configuration blob is laid out
type ConfigLayout int

const (
	// LayoutStartCode is a byte stream of NAL units behind 00 00 00 01
	LayoutStartCode ConfigLayout = iota
	// LayoutAVCC is an avcC box with count-prefixed, length-prefixed entries
	LayoutAVCC
)

func (l ConfigLayout) String() string {
	if l == LayoutAVCC {
		return "avcc"
	}
	return "start-code"
}

// ParameterSets is one SPS/PPS pair in start-code-normalized form.
// Either field may be nil when the source did not carry it.
type ParameterSets struct {
	SPS []byte
	PPS []byte
}

// Complete reports whether both parameter sets are present
func (p ParameterSets) Complete() bool {
	return len(p.SPS) > 0 && len(p.PPS) > 0
}

// Concat returns SPS ++ PPS
func (p ParameterSets) Concat() []byte {
	return PrependParameterSets(nil, p.SPS, p.PPS)
}

// ParameterSetCache holds the most recently seen SPS and PPS. Entries are
// only ever replaced by newer non-empty values, never cleared.
type ParameterSetCache struct {
	mu  sync.RWMutex
	set ParameterSets
}

// Get returns a copy of the cached parameter sets
func (c *ParameterSetCache) Get() ParameterSets {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ParameterSets{
		SPS: bytes.Clone(c.set.SPS),
		PPS: bytes.Clone(c.set.PPS),
	}
}

// Populated reports whether both SPS and PPS are known
func (c *ParameterSetCache) Populated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.set.Complete()
}

// Merge stores every non-empty entry of p
func (c *ParameterSetCache) Merge(p ParameterSets) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(p.SPS) > 0 {
		c.set.SPS = bytes.Clone(p.SPS)
	}
	if len(p.PPS) > 0 {
		c.set.PPS = bytes.Clone(p.PPS)
	}
}

// ExtractParameterSets recovers SPS/PPS from an encoder's primary (csd-0) and
// secondary (csd-1) configuration blobs and merges them into cache.
//
// Order: start-code scan of primary, start-code scan of secondary when PPS is
// still missing, then avcC parse of primary when anything is still missing.
// Parse failures are silent and leave the cache untouched. The returned
// layout is the one that produced the last entry, ok is false when nothing
// was found.
func ExtractParameterSets(cache *ParameterSetCache, primary, secondary []byte) (layout ConfigLayout, ok bool) {
	found := scanStartCodeLayout(primary, ParameterSets{})
	if len(found.PPS) == 0 && len(secondary) > 0 {
		found = scanStartCodeLayout(secondary, found)
	}
	layout = LayoutStartCode
	if !found.Complete() {
		if boxed, err := parseAVCCLayout(primary); err == nil {
			if len(found.SPS) == 0 {
				found.SPS = boxed.SPS
			}
			if len(found.PPS) == 0 {
				found.PPS = boxed.PPS
			}
			layout = LayoutAVCC
		}
	}
	if len(found.SPS) == 0 && len(found.PPS) == 0 {
		return layout, false
	}
	cache.Merge(found)
	return layout, true
}

// scanStartCodeLayout fills the entries of acc that are still empty from a
// start-code delimited blob. The first SPS and first PPS win.
func scanStartCodeLayout(data []byte, acc ParameterSets) ParameterSets {
	for _, nalu := range SplitAnnexB(data) {
		switch nalu[0] & 0x1F {
		case NALUnitTypeSPS:
			if len(acc.SPS) == 0 {
				acc.SPS = withStartCode(nalu)
			}
		case NALUnitTypePPS:
			if len(acc.PPS) == 0 {
				acc.PPS = withStartCode(nalu)
			}
		}
		if acc.Complete() {
			break
		}
	}
	return acc
}

func parseAVCCLayout(data []byte) (ParameterSets, error) {
	record, err := ParseAVCDecoderConfigurationRecord(data)
	if err != nil {
		return ParameterSets{}, err
	}
	var p ParameterSets
	if len(record.SPS) > 0 && len(record.SPS[0]) > 0 {
		p.SPS = withStartCode(record.SPS[0])
	}
	if len(record.PPS) > 0 && len(record.PPS[0]) > 0 {
		p.PPS = withStartCode(record.PPS[0])
	}
	return p, nil
}

func withStartCode(nalu []byte) []byte {
	out := make([]byte, 0, len(StartCode4)+len(nalu))
	out = append(out, StartCode4...)
	return append(out, nalu...)
}
