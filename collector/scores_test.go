package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Zerofisher/bandrec/storage"
)

func TestNormalizeScore(t *testing.T) {
	tests := []struct {
		name string
		key  string
		in   any
		want []float64
		ok   bool
	}{
		{"float64", "poas", 0.5, []float64{0.5}, true},
		{"float32", "focus_score", float32(0.25), []float64{0.25}, true},
		{"int", "hr", 72, []float64{72}, true},
		{"int8", "sleep_stage", int8(3), []float64{3}, true},
		{"int16", "spo2", int16(98), []float64{98}, true},
		{"float64 slice", "alpha", []float64{1, 2, 3, 4, 5}, []float64{1, 2, 3, 4, 5}, true},
		{"float32 slice", "sqc_scores", []float32{1, 0, 1, 0}, []float64{1, 0, 1, 0}, true},
		{"posture upright", "posture", "upright", []float64{1}, true},
		{"posture slouching", "posture", "Slouching", []float64{2}, true},
		{"posture unknown", "posture", "unknown", []float64{0}, true},
		{"posture unrecognized maps to unknown", "posture", "headstand", []float64{0}, true},
		{"string for non-posture key", "focus_score", "high", nil, false},
		{"unsupported type", "focus_score", struct{}{}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := normalizeScore(tt.key, tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStreamMapsMatchDefaultSchemas(t *testing.T) {
	schemas := make(map[string]storage.StreamSchema)
	for _, sc := range storage.DefaultSchemas() {
		schemas[sc.Name] = sc
	}
	for key, name := range rawStreams {
		_, ok := schemas[name]
		assert.True(t, ok, "raw key %q maps to undeclared stream %q", key, name)
	}
	for key, name := range scoreStreams {
		_, ok := schemas[name]
		assert.True(t, ok, "score key %q maps to undeclared stream %q", key, name)
	}
}
