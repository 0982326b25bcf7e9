package segment

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
)

func TestSplitMediumTargetYieldsBalancedSegments(t *testing.T) {
	text := paragraph(9, 100)
	if got := utf8.RuneCountInString(text); got < 890 || got > 910 {
		t.Fatalf("fixture drifted: %d runes", got)
	}

	segments, err := Split(text, Options{Target: domain.TargetLengthMedium})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segments))
	}
	for i, seg := range segments {
		length := utf8.RuneCountInString(seg.Text)
		if length < 250 || length > 350 {
			t.Fatalf("segment %d length %d outside the expected band", i, length)
		}
		if seg.Overlong {
			t.Fatalf("segment %d unexpectedly flagged overlong", i)
		}
		if seg.Index != i {
			t.Fatalf("expected index %d, got %d", i, seg.Index)
		}
	}
}

func TestSplitIsDeterministic(t *testing.T) {
	text := paragraph(5, 80) + "\n\n" + paragraph(4, 120)
	opts := Options{Target: domain.TargetLengthSmall, PreserveContext: true}

	first, err := Split(text, opts)
	if err != nil {
		t.Fatalf("first split: %v", err)
	}
	second, err := Split(text, opts)
	if err != nil {
		t.Fatalf("second split: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical boundaries, got %d vs %d segments", len(first), len(second))
	}
}

func TestSplitFlagsOverlongSentence(t *testing.T) {
	text := strings.Repeat("a", 499) + "."
	segments, err := Split(text, Options{Target: domain.TargetLengthSmall})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("expected one segment for an unbreakable sentence, got %d", len(segments))
	}
	if !segments[0].Overlong {
		t.Fatalf("expected overlong flag on %d-rune segment", utf8.RuneCountInString(segments[0].Text))
	}
}

func TestSplitPreserveContextKeepsParagraphsTogether(t *testing.T) {
	text := paragraph(2, 100) + "\n\n" + paragraph(2, 100)

	loose, err := Split(text, Options{Target: domain.TargetLengthMedium, PreserveContext: false})
	if err != nil {
		t.Fatalf("split without context: %v", err)
	}
	if len(loose) != 2 {
		t.Fatalf("expected tight packing to cut mid-paragraph into 2 segments, got %d", len(loose))
	}

	kept, err := Split(text, Options{Target: domain.TargetLengthMedium, PreserveContext: true})
	if err != nil {
		t.Fatalf("split with context: %v", err)
	}
	if len(kept) != 1 {
		t.Fatalf("expected paragraph-aligned packing to keep 1 segment, got %d", len(kept))
	}
	if kept[0].Overlong {
		t.Fatalf("segment within soft limit must not be flagged")
	}
}

func TestSplitNormalizesWindowsNewlines(t *testing.T) {
	unix := paragraph(2, 60) + "\n\n" + paragraph(2, 60)
	windows := strings.ReplaceAll(unix, "\n", "\r\n")

	fromUnix, err := Split(unix, Options{Target: domain.TargetLengthSmall})
	if err != nil {
		t.Fatalf("unix split: %v", err)
	}
	fromWindows, err := Split(windows, Options{Target: domain.TargetLengthSmall})
	if err != nil {
		t.Fatalf("windows split: %v", err)
	}
	if len(fromUnix) != len(fromWindows) {
		t.Fatalf("expected identical segmentation, got %d vs %d", len(fromUnix), len(fromWindows))
	}
}

func TestSplitRejectsBadInput(t *testing.T) {
	if _, err := Split("   \n\n  ", Options{Target: domain.TargetLengthMedium}); err == nil {
		t.Fatalf("expected blank text to be rejected")
	}
	if _, err := Split("Fine text.", Options{Target: "gigantic"}); err == nil {
		t.Fatalf("expected unknown target length to be rejected")
	}
}

func TestMetaFromPayload(t *testing.T) {
	payload := domain.Metadata{
		"scene":           "rooftop at dusk",
		"tone":            "tense",
		"characters":      []any{"Mara", " ", "Jax"},
		"key_events":      []any{"the signal fires", 42},
		"visual_keywords": []string{"rain", "neon"},
		"suitability":     1.7,
	}
	meta := MetaFromPayload(payload)
	if meta.Scene != "rooftop at dusk" {
		t.Fatalf("scene not mapped: %q", meta.Scene)
	}
	if meta.Tone != "tense" {
		t.Fatalf("tone not mapped: %q", meta.Tone)
	}
	if len(meta.Characters) != 2 || meta.Characters[0] != "Mara" || meta.Characters[1] != "Jax" {
		t.Fatalf("characters not mapped: %v", meta.Characters)
	}
	if len(meta.KeyEvents) != 1 || meta.KeyEvents[0] != "the signal fires" {
		t.Fatalf("key events not mapped: %v", meta.KeyEvents)
	}
	if len(meta.VisualKeywords) != 2 {
		t.Fatalf("visual keywords not mapped: %v", meta.VisualKeywords)
	}
	if meta.Suitability != 1 {
		t.Fatalf("expected suitability clamped to 1, got %v", meta.Suitability)
	}
	if got := MetaFromPayload(nil); got.Scene != "" || got.Suitability != 0 {
		t.Fatalf("expected zero meta for nil payload, got %+v", got)
	}
}

// paragraph builds count sentences of exactly width runes each, space
// separated.
func paragraph(count, width int) string {
	sentence := strings.Repeat("a", width-1) + "."
	parts := make([]string, count)
	for i := range parts {
		parts[i] = sentence
	}
	return strings.Join(parts, " ")
}
