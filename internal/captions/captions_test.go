package captions

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/zsiec/duet/internal/media"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func h264Desc() media.StreamDescriptor {
	return media.StreamDescriptor{Index: 0, Kind: media.KindVideo, Codec: "h264", TimeBase: media.Rational{Num: 1, Den: 90000}}
}

func TestSplitNALUnitsAnnexB(t *testing.T) {
	t.Parallel()

	data := []byte{
		0, 0, 0, 1, 0x09, 0xF0, // AUD
		0, 0, 1, 0x06, 0x04, 0x01, 0xAA, 0x80, // SEI
		0, 0, 0, 1, 0x65, 0x88, 0x84, // IDR slice
	}
	units := splitNALUnits(data, false)
	if len(units) != 3 {
		t.Fatalf("got %d NAL units, want 3", len(units))
	}
	want := []byte{9, 6, 5}
	for i, u := range units {
		if u.Type != want[i] {
			t.Errorf("unit %d: type %d, want %d", i, u.Type, want[i])
		}
	}
	if !isSEI(units[1].Type, false) {
		t.Error("type 6 not recognised as SEI")
	}
}

func TestSplitNALUnitsLengthPrefixed(t *testing.T) {
	t.Parallel()

	data := []byte{
		0, 0, 0, 3, 0x4E, 0x01, 0x04, // HEVC prefix SEI (type 39)
		0, 0, 0, 2, 0x26, 0x01, // HEVC IDR_W_RADL (type 19)
		0, 0, 0, 9, 0x01, // truncated, ignored
	}
	units := splitNALUnits(data, true)
	if len(units) != 2 {
		t.Fatalf("got %d NAL units, want 2", len(units))
	}
	if units[0].Type != hevcNALSEIPrefix || !isSEI(units[0].Type, true) {
		t.Errorf("first unit type %d, want prefix SEI", units[0].Type)
	}
	if units[1].Type != 19 {
		t.Errorf("second unit type %d, want 19", units[1].Type)
	}
}

func TestDueReleasesInPresentationOrder(t *testing.T) {
	t.Parallel()

	e := NewExtractor(h264Desc(), Options{Logger: quiet()})
	e.emit(Cue{PTSMs: 200, Channel: 1, Text: "third"})
	e.emit(Cue{PTSMs: 100, Channel: 1, Text: "first"})
	e.emit(Cue{PTSMs: 150, Channel: 1, Text: "second"})

	if got := e.Due(50); got != nil {
		t.Fatalf("Due(50) = %v, want nothing", got)
	}
	got := e.Due(160)
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("Due(160) = %v", got)
	}
	if e.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", e.Pending())
	}
	if got := e.Due(1000); len(got) != 1 || got[0] != "third" {
		t.Fatalf("Due(1000) = %v", got)
	}
}

type captionCounter map[int]int

func (c captionCounter) RecordCaption(ch int) { c[ch]++ }

func TestChannelFilterAndBacklog(t *testing.T) {
	t.Parallel()

	stats := captionCounter{}
	e := NewExtractor(h264Desc(), Options{Logger: quiet(), Stats: stats, Channel: 1, MaxPending: 2})
	e.emit(Cue{PTSMs: 1, Channel: 3, Text: "other"})
	for i := int64(1); i <= 3; i++ {
		e.emit(Cue{PTSMs: i * 10, Channel: 1, Text: "cc1"})
	}

	if stats[3] != 1 || stats[1] != 3 {
		t.Fatalf("stats = %v", stats)
	}
	if e.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2 after backlog trim", e.Pending())
	}
	if got := e.Due(15); got != nil {
		t.Fatalf("oldest cue should have been dropped, got %v", got)
	}
}

// buildSEI wraps one CEA-608 byte pair for field 1 in an A/53 SEI NAL.
func buildSEI(cc1, cc2 byte) []byte {
	payload := []byte{0xB5, 0x00, 0x31, 'G', 'A', '9', '4', 0x03, 0x41, 0xFF,
		0xFC, parity(cc1), parity(cc2), 0xFF}
	nal := []byte{0, 0, 0, 1, 0x06, 0x04, byte(len(payload))}
	nal = append(nal, payload...)
	return append(nal, 0x80)
}

func parity(b byte) byte {
	b &= 0x7F
	ones := 0
	for v := b; v != 0; v >>= 1 {
		ones += int(v & 1)
	}
	if ones%2 == 0 {
		return b | 0x80
	}
	return b
}

func TestObserveDecodesCEA608(t *testing.T) {
	t.Parallel()

	desc := h264Desc()
	e := NewExtractor(desc, Options{Logger: quiet()})

	pairs := [][2]byte{
		{0x14, 0x25}, // RU2
		{0x14, 0x60}, // PAC row 14
		{'H', 'I'},
		{0x14, 0x2D}, // CR
	}
	for i, p := range pairs {
		pts := int64(i) * 3000
		e.Observe(media.NewUnit(desc.Index, pts, pts, buildSEI(p[0], p[1]), nil))
	}
	// Units for another stream are ignored.
	e.Observe(media.NewUnit(desc.Index+1, 0, 0, buildSEI('X', 'X'), nil))

	var texts []string
	texts = append(texts, e.Due(1<<40)...)
	found := false
	for _, s := range texts {
		if strings.Contains(s, "HI") {
			found = true
		}
		if strings.Contains(s, "XX") {
			t.Fatalf("caption from a foreign stream leaked: %q", s)
		}
	}
	if !found {
		t.Fatalf("no cue contains the caption text; cues = %q", texts)
	}
}

func TestSupported(t *testing.T) {
	t.Parallel()

	for codec, want := range map[string]bool{"h264": true, "hevc": true, "vp9": false, "": false} {
		if got := Supported(codec); got != want {
			t.Errorf("Supported(%q) = %v, want %v", codec, got, want)
		}
	}
}
