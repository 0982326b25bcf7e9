// capsim is a stand-in for the generation capabilities behind the studio:
// text understanding, segmentation, script generation and image synthesis.
// Responses are deterministic functions of the request, so a full pipeline
// run works on a laptop with no model services. Point the four
// STORYREEL_CAPABILITY_*_URL variables at this process.
package main

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

var scenes = []string{
	"harbor at first light",
	"narrow alley in the rain",
	"rooftop garden at dusk",
	"crowded market square",
	"abandoned lighthouse",
	"forest clearing under snow",
}

var tones = []string{"hopeful", "tense", "melancholic", "playful", "ominous"}

var keywords = []string{
	"fog", "lanterns", "gulls", "cobblestones", "neon", "driftwood",
	"smoke", "reflections", "wet stone", "warm light",
}

func main() {
	addr := strings.TrimSpace(os.Getenv("CAPSIM_HTTP_ADDR"))
	if addr == "" {
		addr = ":9100"
	}
	flakeEvery := 0
	if raw := strings.TrimSpace(os.Getenv("CAPSIM_FLAKE_EVERY")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			log.Fatalf("invalid CAPSIM_FLAKE_EVERY %q", raw)
		}
		flakeEvery = n
	}

	var synthCalls atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /text-understanding", func(w http.ResponseWriter, r *http.Request) {
		inputs, ok := decodeInputs(w, r)
		if !ok {
			return
		}
		if text := stringInput(inputs, "segment_text"); text != "" {
			writeJSON(w, http.StatusOK, describeSegment(text))
			return
		}
		writeJSON(w, http.StatusOK, describeDocument(stringInput(inputs, "text")))
	})
	mux.HandleFunc("POST /segmentation", func(w http.ResponseWriter, r *http.Request) {
		inputs, ok := decodeInputs(w, r)
		if !ok {
			return
		}
		parts := splitParagraphs(stringInput(inputs, "text"))
		writeJSON(w, http.StatusOK, map[string]any{
			"segments":       parts,
			"total_segments": len(parts),
		})
	})
	mux.HandleFunc("POST /script-generation", func(w http.ResponseWriter, r *http.Request) {
		inputs, ok := decodeInputs(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, generateScript(inputs))
	})
	mux.HandleFunc("POST /image-synthesis", func(w http.ResponseWriter, r *http.Request) {
		inputs, ok := decodeInputs(w, r)
		if !ok {
			return
		}
		call := synthCalls.Add(1)
		if flakeEvery > 0 && call%int64(flakeEvery) == 0 {
			log.Printf("injecting transient failure (call %d)", call)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "simulated_overload"})
			return
		}
		writeJSON(w, http.StatusOK, synthesizeImage(inputs))
	})

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	log.Printf("capability simulator listening on %s (flake_every=%d)", addr, flakeEvery)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func describeDocument(text string) map[string]any {
	h := digest(text)
	summary := text
	if runes := []rune(summary); len(runes) > 140 {
		summary = string(runes[:140]) + "…"
	}
	return map[string]any{
		"language":   "en",
		"summary":    summary,
		"themes":     []string{tones[pick(h, 0, len(tones))], tones[pick(h, 1, len(tones))]},
		"word_count": len(strings.Fields(text)),
	}
}

func describeSegment(text string) map[string]any {
	h := digest(text)
	return map[string]any{
		"scene":      scenes[pick(h, 0, len(scenes))],
		"tone":       tones[pick(h, 1, len(tones))],
		"characters": properNouns(text),
		"visual_keywords": []string{
			keywords[pick(h, 2, len(keywords))],
			keywords[pick(h, 3, len(keywords))],
		},
		"suitability": 0.35 + float64(pick(h, 4, 60))/100.0,
	}
}

func generateScript(inputs map[string]any) map[string]any {
	rawSegments, _ := inputs["segments"].([]any)
	beats := make([]map[string]any, 0, len(rawSegments))
	for _, raw := range rawSegments {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		text, _ := item["text"].(string)
		h := digest(text)
		narration := text
		if runes := []rune(narration); len(runes) > 120 {
			narration = string(runes[:120]) + "…"
		}
		beat := map[string]any{
			"index":     item["index"],
			"shot":      scenes[pick(h, 0, len(scenes))],
			"narration": narration,
		}
		if scene, ok := item["scene"].(string); ok && scene != "" {
			beat["shot"] = scene
		}
		beats = append(beats, beat)
	}
	return map[string]any{
		"script_id":  hex.EncodeToString(digest(stringInput(inputs, "run_id"))[:8]),
		"scenes":     beats,
		"beat_count": len(beats),
	}
}

func synthesizeImage(inputs map[string]any) map[string]any {
	runID := stringInput(inputs, "run_id")
	candidateID := stringInput(inputs, "candidate_id")
	name := "cover"
	if candidateID != "" {
		name = candidateID
	}
	seedBytes := digest(runID + "/" + name + "/" + stringInput(inputs, "style_requirements"))
	return map[string]any{
		"artifact_ref": fmt.Sprintf("renders/capsim/%s/%s.png", safeName(runID), safeName(name)),
		"model":        "capsim-diffusion-1",
		"seed":         binary.BigEndian.Uint32(seedBytes[:4]),
		"width":        1024,
		"height":       576,
	}
}

func decodeInputs(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	inputs := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&inputs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return nil, false
	}
	return inputs, true
}

func stringInput(inputs map[string]any, key string) string {
	s, _ := inputs[key].(string)
	return strings.TrimSpace(s)
}

func splitParagraphs(text string) []string {
	parts := make([]string, 0)
	for _, block := range strings.Split(text, "\n\n") {
		if block = strings.TrimSpace(block); block != "" {
			parts = append(parts, block)
		}
	}
	return parts
}

// properNouns scans for capitalized words past the start of a sentence. It
// is a crude character detector, which is all a simulator needs.
func properNouns(text string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, 4)
	startOfSentence := true
	for _, word := range strings.Fields(text) {
		trimmed := strings.Trim(word, ".,;:!?\"'()")
		isUpper := trimmed != "" && trimmed[0] >= 'A' && trimmed[0] <= 'Z'
		if isUpper && !startOfSentence && !seen[trimmed] {
			seen[trimmed] = true
			out = append(out, trimmed)
			if len(out) == 4 {
				break
			}
		}
		startOfSentence = strings.ContainsAny(word, ".!?")
	}
	return out
}

func digest(value string) []byte {
	h := sha256.Sum256([]byte(value))
	return h[:]
}

func pick(h []byte, slot, n int) int {
	if n <= 0 {
		return 0
	}
	return int(h[slot%len(h)]) % n
}

func safeName(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	value = strings.ReplaceAll(value, "..", "")
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "\\", "_")
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
