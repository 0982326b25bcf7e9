// Command demo walks one story through the whole product: it creates a
// project and a character in the library, starts a pipeline run in the
// studio, then drives the per-segment confirmation loop until the run
// completes. Run it against a dev-mode gateway with the capability
// simulator standing in for the generation services.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type apiClient struct {
	baseURL   string
	session   string
	requestID string
	http      *http.Client
}

func newAPIClient(baseURL, session, requestID string) *apiClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &apiClient{
		baseURL:   baseURL,
		session:   strings.TrimSpace(session),
		requestID: strings.TrimSpace(requestID),
		http:      &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *apiClient) do(req *http.Request) (*http.Response, []byte, error) {
	if c.requestID != "" {
		req.Header.Set("X-Request-Id", c.requestID)
	}
	if c.session != "" {
		req.AddCookie(&http.Cookie{Name: "storyreel_session", Value: c.session})
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, body, fmt.Errorf("http %s %s: status=%d body=%s", req.Method, req.URL.String(), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, body, nil
}

func (c *apiClient) getJSON(path string, out any) error {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	_, body, err := c.do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *apiClient) postJSON(path string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	_, body, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

type project struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

type character struct {
	CharacterID string `json:"character_id"`
	Name        string `json:"name"`
}

type runStarted struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

type runStatus struct {
	ExecutionID    string  `json:"execution_id"`
	Status         string  `json:"status"`
	Progress       float64 `json:"progress"`
	CurrentStep    string  `json:"current_step"`
	LoopState      string  `json:"loop_state"`
	CurrentSegment int     `json:"current_segment"`
	Error          string  `json:"error"`
}

func (r runStatus) terminal() bool {
	switch r.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

type segmentItem struct {
	Index    int    `json:"index"`
	Text     string `json:"text"`
	Overlong bool   `json:"overlong"`
}

type segmentList struct {
	Segments      []segmentItem `json:"segments"`
	TotalSegments int           `json:"total_segments"`
}

type candidateItem struct {
	CandidateID string `json:"candidate_id"`
	Status      string `json:"status"`
	ArtifactRef string `json:"artifact_ref"`
	Error       string `json:"error"`
}

type candidateList struct {
	Candidates     []candidateItem `json:"candidates"`
	TotalGenerated int             `json:"total_generated"`
}

type confirmResult struct {
	SegmentIndex         int    `json:"segment_index"`
	ConfirmedCandidate   string `json:"confirmed_candidate"`
	ConfirmedArtifactRef string `json:"confirmed_artifact_ref"`
	HasNextSegment       bool   `json:"has_next_segment"`
	NextSegmentIndex     int    `json:"next_segment_index"`
}

type checkpointItem struct {
	SegmentIndex int    `json:"segment_index"`
	CandidateID  string `json:"candidate_id"`
	ArtifactRef  string `json:"artifact_ref"`
}

type checkpointList struct {
	Checkpoints []checkpointItem `json:"checkpoints"`
}

type eventList struct {
	Events []map[string]any `json:"events"`
}

const demoStory = `Mara had never trusted the harbor at night, but the letter left her no choice. She walked the pier with the lantern low, counting the moored boats until she found the one with no name.

The old fisherman Jax was waiting below deck, exactly as the letter promised. He slid a wooden box across the table and said nothing at all. Inside lay a brass compass whose needle pointed firmly away from north.

They sailed before dawn. The fog swallowed the coastline within the hour, and the compass needle began to turn, slow and deliberate, like something waking up.

On the third day an island rose out of the grey water where the charts showed open sea. Jax cut the engine. The silence that followed was the loudest thing Mara had ever heard.

She went ashore alone. The beach was covered in driftwood carved with names, hundreds of them, and near the waterline one piece of wood was blank and freshly cut. Mara knelt, took out her knife, and after a long while she carved a name that was not her own.`

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func main() {
	now := time.Now().UTC()
	defaultRequestID := fmt.Sprintf("demo-%s", now.Format("20060102T150405Z"))
	defaultSuffix := now.Format("20060102-150405")

	var (
		baseURL    = flag.String("gateway", envOr("STORYREEL_GATEWAY_URL", "http://localhost:8080"), "Gateway base URL")
		session    = flag.String("session", envOr("STORYREEL_SESSION_COOKIE", ""), "Session cookie value (optional; not needed in dev auth mode)")
		requestID  = flag.String("request-id", envOr("STORYREEL_DEMO_REQUEST_ID", defaultRequestID), "X-Request-Id for correlation")
		nameSuffix = flag.String("name-suffix", envOr("STORYREEL_DEMO_SUFFIX", defaultSuffix), "Suffix to avoid name collisions")
		style      = flag.String("style", "storybook watercolor, soft light", "Style requirements for image generation")
		candidates = flag.Int("candidates", 2, "Candidates to generate per segment")
	)
	flag.Parse()

	client := newAPIClient(*baseURL, *session, *requestID)

	fmt.Printf("==> storyreel demo (gateway=%s, request_id=%s)\n", client.baseURL, client.requestID)

	// 1) Create project
	var createdProject project
	if err := client.postJSON("/api/library/projects", map[string]any{
		"name":        "demo-project-" + *nameSuffix,
		"description": "Demo project for the pipeline walkthrough",
	}, &createdProject); err != nil {
		die("create project", err)
	}
	fmt.Printf("==> created project: %s (%s)\n", createdProject.ProjectID, createdProject.Name)

	// 2) Create a character for generation hints
	var createdCharacter character
	if err := client.postJSON(fmt.Sprintf("/api/library/projects/%s/characters", createdProject.ProjectID), map[string]any{
		"name":   "Mara",
		"traits": []string{"red coat", "short dark hair", "carries a brass compass"},
	}, &createdCharacter); err != nil {
		die("create character", err)
	}
	fmt.Printf("==> created character: %s (%s)\n", createdCharacter.CharacterID, createdCharacter.Name)

	// 3) Start a run with the pasted story
	var started runStarted
	if err := client.postJSON(fmt.Sprintf("/api/studio/projects/%s/runs", createdProject.ProjectID), map[string]any{
		"source_text": demoStory,
		"title":       "The Unnamed Boat",
	}, &started); err != nil {
		die("start run", err)
	}
	fmt.Printf("==> started run: %s (status=%s)\n", started.ExecutionID, started.Status)

	// 4) Wait for the stage pipeline to hand over to the segment loop
	run := waitForLoop(client, started.ExecutionID)
	fmt.Printf("==> pipeline stages done: status=%s loop_state=%s progress=%.2f\n", run.Status, run.LoopState, run.Progress)

	// 5) Inspect segments
	var segs segmentList
	if err := client.getJSON(fmt.Sprintf("/api/studio/runs/%s/segments", started.ExecutionID), &segs); err != nil {
		die("list segments", err)
	}
	fmt.Printf("==> run has %d segments:\n", segs.TotalSegments)
	for _, seg := range segs.Segments {
		fmt.Printf("    [%d] %s\n", seg.Index, clip(seg.Text, 72))
	}

	// 6) Generate and confirm every segment in order
	current := run.CurrentSegment
	for {
		var generated candidateList
		if err := client.postJSON(fmt.Sprintf("/api/studio/runs/%s/segments/%d:generate", started.ExecutionID, current), map[string]any{
			"generation_count":    *candidates,
			"style_requirements":  *style,
			"selected_characters": []string{createdCharacter.CharacterID},
		}, &generated); err != nil {
			die(fmt.Sprintf("generate segment %d", current), err)
		}
		selected := -1
		for i, cand := range generated.Candidates {
			if cand.Status == "completed" {
				selected = i
				break
			}
		}
		if selected < 0 {
			die(fmt.Sprintf("generate segment %d", current), fmt.Errorf("no usable candidate among %d", len(generated.Candidates)))
		}
		fmt.Printf("==> segment %d: %d/%d candidates usable, confirming slot %d\n",
			current, generated.TotalGenerated, len(generated.Candidates), selected)

		var confirmed confirmResult
		if err := client.postJSON(fmt.Sprintf("/api/studio/runs/%s/segments/%d:confirm", started.ExecutionID, current), map[string]any{
			"selected_candidate_index": selected,
		}, &confirmed); err != nil {
			die(fmt.Sprintf("confirm segment %d", current), err)
		}
		fmt.Printf("    confirmed %s -> %s\n", confirmed.ConfirmedCandidate, confirmed.ConfirmedArtifactRef)
		if !confirmed.HasNextSegment {
			break
		}
		current = confirmed.NextSegmentIndex
	}

	// 7) Final state, checkpoint history and event trail
	var final runStatus
	if err := client.getJSON(fmt.Sprintf("/api/studio/runs/%s", started.ExecutionID), &final); err != nil {
		die("fetch final run", err)
	}
	fmt.Printf("==> run finished: status=%s progress=%.2f\n", final.Status, final.Progress)

	var history checkpointList
	if err := client.getJSON(fmt.Sprintf("/api/studio/runs/%s/checkpoints", started.ExecutionID), &history); err != nil {
		die("list checkpoints", err)
	}
	fmt.Printf("==> confirmed artifacts (%d):\n", len(history.Checkpoints))
	for _, cp := range history.Checkpoints {
		fmt.Printf("    [%d] %s\n", cp.SegmentIndex, cp.ArtifactRef)
	}

	var events eventList
	if err := client.getJSON(fmt.Sprintf("/api/studio/runs/%s/events", started.ExecutionID), &events); err != nil {
		die("list run events", err)
	}
	fmt.Printf("==> run recorded %d events (request_id=%s)\n", len(events.Events), client.requestID)
}

// waitForLoop polls the run until the stage pipeline finishes and the
// confirmation loop opens, or the run dies trying.
func waitForLoop(client *apiClient, runID string) runStatus {
	deadline := time.Now().Add(2 * time.Minute)
	lastStep := ""
	for {
		var run runStatus
		if err := client.getJSON("/api/studio/runs/"+runID, &run); err != nil {
			die("poll run", err)
		}
		if run.CurrentStep != "" && run.CurrentStep != lastStep {
			fmt.Printf("    stage %s (progress=%.2f)\n", run.CurrentStep, run.Progress)
			lastStep = run.CurrentStep
		}
		if run.LoopState == "awaiting_generation" || run.LoopState == "awaiting_confirmation" {
			return run
		}
		if run.terminal() {
			die("run ended before the segment loop", fmt.Errorf("status=%s error=%s", run.Status, run.Error))
		}
		if time.Now().After(deadline) {
			die("poll run", fmt.Errorf("timed out waiting for the segment loop (status=%s)", run.Status))
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func clip(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}

func die(step string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", step, err)
	os.Exit(1)
}
