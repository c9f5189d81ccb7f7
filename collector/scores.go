package collector

import "strings"

// rawStreams maps collaborator raw-stream keys to container dataset paths.
var rawStreams = map[string]string{
	"eeg":          "raw/eeg",
	"imu":          "raw/imu",
	"ppg":          "raw/ppg",
	"filtered_eeg": "filtered/eeg",
}

// scoreStreams maps collaborator score keys to container dataset paths.
var scoreStreams = map[string]string{
	"focus_score": "scores/focus",
	"poas":        "scores/poas",
	"posture":     "scores/posture",
	"sleep_stage": "scores/sleep_stage",
	"sqc_scores":  "scores/signal_quality",
	"hr":          "scores/hr",
	"spo2":        "scores/spo2",
	"alpha":       "power_bands/alpha",
	"beta":        "power_bands/beta",
	"gamma":       "power_bands/gamma",
	"theta":       "power_bands/theta",
	"delta":       "power_bands/delta",
}

// postureCodes maps the categorical posture score to its numeric encoding.
var postureCodes = map[string]float64{
	"unknown":   0,
	"upright":   1,
	"slouching": 2,
}

// normalizeScore flattens a collaborator score value into a sample vector.
// The vendor library produces a mix of numeric scalars, fixed-length vectors
// and, for posture, strings; anything unrecognized is skipped rather than
// aborting the loop.
func normalizeScore(key string, v any) ([]float64, bool) {
	switch val := v.(type) {
	case float64:
		return []float64{val}, true
	case float32:
		return []float64{float64(val)}, true
	case int:
		return []float64{float64(val)}, true
	case int8:
		return []float64{float64(val)}, true
	case int16:
		return []float64{float64(val)}, true
	case int32:
		return []float64{float64(val)}, true
	case int64:
		return []float64{float64(val)}, true
	case []float64:
		out := make([]float64, len(val))
		copy(out, val)
		return out, true
	case []float32:
		out := make([]float64, len(val))
		for i, f := range val {
			out[i] = float64(f)
		}
		return out, true
	case string:
		if key == "posture" {
			code, ok := postureCodes[strings.ToLower(val)]
			if !ok {
				code = postureCodes["unknown"]
			}
			return []float64{code}, true
		}
		return nil, false
	default:
		return nil, false
	}
}
