package compile

import (
	"fmt"
	"math"
	"sort"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
)

const (
	paramString = "string"
	paramInt    = "int"
	paramFloat  = "float"
	paramBool   = "bool"
)

type paramSpec struct {
	Type     string
	Required bool
	Enum     []string
}

// paramSchemas is the typed key registry per capability kind. Stage params
// are checked against it at compile time so a misconfigured stage never
// reaches the engine.
var paramSchemas = map[domain.CapabilityKind]map[string]paramSpec{
	domain.CapabilityTextUnderstanding: {
		"model":      {Type: paramString},
		"language":   {Type: paramString},
		"max_scenes": {Type: paramInt},
	},
	domain.CapabilitySegmentation: {
		"target_length":    {Type: paramString, Required: true, Enum: []string{"small", "medium", "large"}},
		"preserve_context": {Type: paramBool},
	},
	domain.CapabilityScriptGeneration: {
		"style":       {Type: paramString},
		"max_panels":  {Type: paramInt},
		"temperature": {Type: paramFloat},
	},
	domain.CapabilityImageSynthesis: {
		"style_prompt":    {Type: paramString},
		"candidate_count": {Type: paramInt},
		"width":           {Type: paramInt},
		"height":          {Type: paramInt},
	},
}

func validateStageParams(stage domain.StageDefinition, issues *ConfigurationError) {
	schema, ok := paramSchemas[stage.Kind]
	if !ok {
		return
	}

	keys := make([]string, 0, len(stage.Params))
	for key := range stage.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		spec, known := schema[key]
		if !known {
			issues.Add(fmt.Sprintf("stage %q has unknown param %q", stage.ID, key))
			continue
		}
		value := stage.Params[key]
		if !matchesParamType(value, spec.Type) {
			issues.Add(fmt.Sprintf("stage %q param %q must be a %s", stage.ID, key, spec.Type))
			continue
		}
		if len(spec.Enum) > 0 {
			if s, ok := value.(string); !ok || !containsString(spec.Enum, s) {
				issues.Add(fmt.Sprintf("stage %q param %q must be one of %v", stage.ID, key, spec.Enum))
			}
		}
	}

	required := make([]string, 0, len(schema))
	for key, spec := range schema {
		if spec.Required {
			required = append(required, key)
		}
	}
	sort.Strings(required)
	for _, key := range required {
		if _, present := stage.Params[key]; !present {
			issues.Add(fmt.Sprintf("stage %q is missing required param %q", stage.ID, key))
		}
	}
}

// matchesParamType accepts both native Go values and the numeric shapes
// JSON and YAML decoders produce.
func matchesParamType(value any, typ string) bool {
	switch typ {
	case paramString:
		_, ok := value.(string)
		return ok
	case paramBool:
		_, ok := value.(bool)
		return ok
	case paramInt:
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == math.Trunc(v)
		default:
			return false
		}
	case paramFloat:
		switch value.(type) {
		case int, int64, float64:
			return true
		default:
			return false
		}
	default:
		return false
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
