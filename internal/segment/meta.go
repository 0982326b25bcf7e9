package segment

import (
	"strings"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
)

// MetaFromPayload maps a text-understanding capability response onto
// SegmentMeta. Unknown keys are ignored and malformed entries dropped; the
// capability is opaque and its output is advisory, never load-bearing.
func MetaFromPayload(payload domain.Metadata) domain.SegmentMeta {
	meta := domain.SegmentMeta{}
	if payload == nil {
		return meta
	}
	if s, ok := payload.String("scene"); ok {
		meta.Scene = s
	}
	if s, ok := payload.String("tone"); ok {
		meta.Tone = s
	}
	meta.Characters = stringSlice(payload["characters"])
	meta.KeyEvents = stringSlice(payload["key_events"])
	meta.VisualKeywords = stringSlice(payload["visual_keywords"])
	meta.Suitability = clampScore(floatValue(payload["suitability"]))
	return meta
}

func stringSlice(value any) []string {
	switch v := value.(type) {
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	default:
		return nil
	}
}

func floatValue(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
