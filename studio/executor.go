package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/storyreel-labs/storyreel-go/internal/capability"
	"github.com/storyreel-labs/storyreel-go/internal/domain"
	"github.com/storyreel-labs/storyreel-go/internal/pipeline/engine"
	"github.com/storyreel-labs/storyreel-go/internal/repo"
	"github.com/storyreel-labs/storyreel-go/internal/segment"
	"github.com/storyreel-labs/storyreel-go/internal/storage/objectstore"
)

// capabilityExecutor carries out one stage attempt. Segmentation runs
// locally so boundaries stay deterministic; every other stage kind is a
// single capability call. Stage timeouts and retries belong to the engine,
// so the executor invokes the raw, unwrapped invoker.
type capabilityExecutor struct {
	invoker  capability.Invoker
	sources  repo.SourceTextRepository
	segments repo.SegmentRepository
	content  *objectstore.ContentStore
	logger   *slog.Logger
}

func newCapabilityExecutor(
	invoker capability.Invoker,
	sources repo.SourceTextRepository,
	segments repo.SegmentRepository,
	content *objectstore.ContentStore,
	logger *slog.Logger,
) *capabilityExecutor {
	return &capabilityExecutor{
		invoker:  invoker,
		sources:  sources,
		segments: segments,
		content:  content,
		logger:   logger,
	}
}

func (x *capabilityExecutor) ExecuteStep(ctx context.Context, req engine.StepRequest) (domain.Metadata, error) {
	switch req.Stage.Kind {
	case domain.CapabilityTextUnderstanding:
		return x.analyzeText(ctx, req)
	case domain.CapabilitySegmentation:
		return x.segmentText(ctx, req)
	case domain.CapabilityScriptGeneration:
		return x.generateScript(ctx, req)
	case domain.CapabilityImageSynthesis:
		return x.synthesizeCover(ctx, req)
	default:
		return nil, fmt.Errorf("no executor for stage kind %q", req.Stage.Kind)
	}
}

func (x *capabilityExecutor) analyzeText(ctx context.Context, req engine.StepRequest) (domain.Metadata, error) {
	text, err := x.sourceText(ctx, req)
	if err != nil {
		return nil, err
	}
	inputs := domain.Metadata{
		"run_id":         req.RunID,
		"project_id":     req.ProjectID,
		"source_text_id": req.SourceTextID,
		"text":           text,
	}
	mergeParams(inputs, req.Stage.Params)
	result, err := x.invoker.Invoke(ctx, capability.Request{Kind: domain.CapabilityTextUnderstanding, Inputs: inputs})
	if err != nil {
		return nil, err
	}
	return result.Outputs.Clone(), nil
}

// segmentText splits the source locally and persists the segment list.
// Per-segment narrative metadata comes from the understanding capability
// and is advisory: a failed enrichment leaves the segment bare rather than
// failing the stage.
func (x *capabilityExecutor) segmentText(ctx context.Context, req engine.StepRequest) (domain.Metadata, error) {
	text, err := x.sourceText(ctx, req)
	if err != nil {
		return nil, err
	}
	opts := segmentOptions(req.Stage.Params)
	segs, err := segment.Split(text, opts)
	if err != nil {
		return nil, fmt.Errorf("segment source text: %w", err)
	}

	analysis := mergedDependencyOutputs(req.DependencyOutputs)
	overlong := 0
	for i := range segs {
		segs[i].RunID = req.RunID
		if segs[i].Overlong {
			overlong++
		}
		meta, err := x.describeSegment(ctx, req, segs[i], analysis)
		if err != nil {
			x.logger.Warn("segment enrichment failed",
				"run_id", req.RunID,
				"segment_index", segs[i].Index,
				"error", err,
			)
			continue
		}
		segs[i].Meta = meta
	}

	if err := x.segments.ReplaceForRun(ctx, req.ProjectID, req.RunID, segs); err != nil {
		return nil, fmt.Errorf("persist segments: %w", err)
	}
	return domain.Metadata{
		"total_segments":    len(segs),
		"overlong_segments": overlong,
		"target_length":     string(opts.Target),
	}, nil
}

func (x *capabilityExecutor) describeSegment(ctx context.Context, req engine.StepRequest, seg domain.Segment, analysis domain.Metadata) (domain.SegmentMeta, error) {
	inputs := domain.Metadata{
		"run_id":        req.RunID,
		"project_id":    req.ProjectID,
		"segment_index": seg.Index,
		"segment_text":  seg.Text,
	}
	if len(analysis) > 0 {
		inputs["document_analysis"] = analysis
	}
	result, err := x.invoker.Invoke(ctx, capability.Request{Kind: domain.CapabilityTextUnderstanding, Inputs: inputs})
	if err != nil {
		return domain.SegmentMeta{}, err
	}
	return segment.MetaFromPayload(result.Outputs), nil
}

func (x *capabilityExecutor) generateScript(ctx context.Context, req engine.StepRequest) (domain.Metadata, error) {
	segs, err := x.segments.ListByRun(ctx, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("load segments: %w", err)
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("run %s has no segments to script", req.RunID)
	}
	items := make([]map[string]any, 0, len(segs))
	for _, seg := range segs {
		item := map[string]any{
			"index": seg.Index,
			"text":  seg.Text,
		}
		if seg.Meta.Scene != "" {
			item["scene"] = seg.Meta.Scene
		}
		if seg.Meta.Tone != "" {
			item["tone"] = seg.Meta.Tone
		}
		if len(seg.Meta.Characters) > 0 {
			item["characters"] = seg.Meta.Characters
		}
		items = append(items, item)
	}
	inputs := domain.Metadata{
		"run_id":     req.RunID,
		"project_id": req.ProjectID,
		"segments":   items,
	}
	mergeParams(inputs, req.Stage.Params)
	result, err := x.invoker.Invoke(ctx, capability.Request{Kind: domain.CapabilityScriptGeneration, Inputs: inputs})
	if err != nil {
		return nil, err
	}
	return result.Outputs.Clone(), nil
}

func (x *capabilityExecutor) synthesizeCover(ctx context.Context, req engine.StepRequest) (domain.Metadata, error) {
	inputs := domain.Metadata{
		"run_id":     req.RunID,
		"project_id": req.ProjectID,
	}
	if analysis := mergedDependencyOutputs(req.DependencyOutputs); len(analysis) > 0 {
		inputs["script"] = analysis
	}
	mergeParams(inputs, req.Stage.Params)
	result, err := x.invoker.Invoke(ctx, capability.Request{Kind: domain.CapabilityImageSynthesis, Inputs: inputs})
	if err != nil {
		return nil, err
	}
	ref, ok := result.Outputs.String("artifact_ref")
	if !ok || strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("capability response carried no artifact_ref")
	}
	return result.Outputs.Clone(), nil
}

func (x *capabilityExecutor) sourceText(ctx context.Context, req engine.StepRequest) (string, error) {
	record, err := x.sources.Get(ctx, req.ProjectID, req.SourceTextID)
	if err != nil {
		return "", fmt.Errorf("load source text %s: %w", req.SourceTextID, err)
	}
	text, err := x.content.GetSourceText(ctx, record.ObjectKey)
	if err != nil {
		return "", fmt.Errorf("fetch source text %s: %w", record.ObjectKey, err)
	}
	return text, nil
}

func segmentOptions(params domain.Metadata) segment.Options {
	opts := segment.Options{Target: domain.TargetLengthMedium, PreserveContext: true}
	if raw, ok := params["target_length"].(string); ok && domain.TargetLength(raw).Valid() {
		opts.Target = domain.TargetLength(raw)
	}
	if raw, ok := params["preserve_context"].(bool); ok {
		opts.PreserveContext = raw
	}
	return opts
}

// mergeParams copies stage params onto capability inputs without letting a
// catalog key clobber the identity fields already set.
func mergeParams(inputs domain.Metadata, params domain.Metadata) {
	for key, value := range params {
		if _, taken := inputs[key]; taken {
			continue
		}
		inputs[key] = value
	}
}

func mergedDependencyOutputs(outputs map[string]domain.Metadata) domain.Metadata {
	if len(outputs) == 0 {
		return nil
	}
	merged := domain.Metadata{}
	for stageID, out := range outputs {
		if len(out) == 0 {
			continue
		}
		merged[stageID] = map[string]any(out.Clone())
	}
	return merged
}
