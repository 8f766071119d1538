package detection

import (
	"fmt"
	"math"
)

func sqrt(v float64) float64 { return math.Sqrt(v) }

// FeatureNames is the fixed feature order handed to scorers. It is fixed at
// startup; changing it requires retraining the scorer.
var FeatureNames = []string{
	"bytes", "packets",
	"iat_mean", "iat_std", "iat_min", "iat_max",
	"proto_tcp", "proto_udp", "proto_icmp",
}

// FeatureVector is one flow rendered as the fixed-length ordered tuple.
type FeatureVector struct {
	Flow   *Flow
	Values []float64
}

// Featurize renders a flow into the fixed feature order.
func Featurize(f *Flow) FeatureVector {
	v := make([]float64, len(FeatureNames))
	v[0] = float64(f.Bytes)
	v[1] = float64(f.Packets)
	v[2] = f.IATMean
	v[3] = f.IATStd()
	v[4] = f.IATMin
	v[5] = f.IATMax
	switch f.Key.Proto {
	case "tcp":
		v[6] = 1
	case "udp":
		v[7] = 1
	case "icmp":
		v[8] = 1
	}
	return FeatureVector{Flow: f, Values: v}
}

// Named returns the vector as a name->value map for the alert payload.
func (fv FeatureVector) Named() map[string]float64 {
	out := make(map[string]float64, len(FeatureNames))
	for i, name := range FeatureNames {
		out[name] = fv.Values[i]
	}
	return out
}

// Scorer scores feature-vector batches. Implementations must be pure: same
// batch in, same scores out, one score per vector, all in [0,1].
type Scorer interface {
	Name() string
	ScoreBatch(vectors [][]float64) ([]float64, error)
	// Probabilistic reports whether scores are calibrated probabilities, in
	// which case alert confidence is max(p, 1-p) instead of the raw score.
	Probabilistic() bool
}

// Scaler optionally rescales features before scoring, matching whatever
// scaling the model was trained with.
type Scaler interface {
	Transform(vector []float64) []float64
}

// StandardScaler applies a pre-fitted (x - mean) / std per feature.
type StandardScaler struct {
	Mean []float64
	Std  []float64
}

// Transform implements Scaler.
func (s *StandardScaler) Transform(v []float64) []float64 {
	out := make([]float64, len(v))
	for i := range v {
		std := 1.0
		if i < len(s.Std) && s.Std[i] != 0 {
			std = s.Std[i]
		}
		mean := 0.0
		if i < len(s.Mean) {
			mean = s.Mean[i]
		}
		out[i] = (v[i] - mean) / std
	}
	return out
}

// HeuristicScorer is the fallback when no trained model is configured: a
// weighted sum of log-scaled bytes, log-scaled packets, and inverse mean
// inter-arrival time, clamped to [0,1]. The score is monotonically
// non-decreasing in bytes and in packets.
type HeuristicScorer struct{}

const (
	heurBytesWeight   = 0.45
	heurPacketsWeight = 0.25
	heurIATWeight     = 0.30

	heurBytesScale   = 1e7 // ~10 MB saturates the bytes term
	heurPacketsScale = 1e4
)

// Name implements Scorer.
func (HeuristicScorer) Name() string { return "heuristic" }

// Probabilistic implements Scorer. Heuristic scores are not probabilities.
func (HeuristicScorer) Probabilistic() bool { return false }

// ScoreBatch implements Scorer.
func (HeuristicScorer) ScoreBatch(vectors [][]float64) ([]float64, error) {
	scores := make([]float64, len(vectors))
	for i, v := range vectors {
		if len(v) < 3 {
			return nil, fmt.Errorf("heuristic scorer: vector %d has %d features, want >= 3", i, len(v))
		}
		bytes, packets, iatMean := v[0], v[1], v[2]

		b := math.Log1p(math.Max(bytes, 0)) / math.Log1p(heurBytesScale)
		p := math.Log1p(math.Max(packets, 0)) / math.Log1p(heurPacketsScale)
		// A single packet has no inter-arrival time, so it contributes no
		// burstiness signal.
		var inv float64
		if packets >= 2 {
			inv = 1 / (1 + 10*math.Max(iatMean, 0))
		}
		score := heurBytesWeight*math.Min(b, 1) + heurPacketsWeight*math.Min(p, 1) + heurIATWeight*inv
		scores[i] = clamp01(score)
	}
	return scores, nil
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// bucketSeverity maps a model score onto a severity with inclusive-high
// comparisons: a score equal to a threshold lands in the higher bucket.
func bucketSeverity(score, high, medium float64) string {
	switch {
	case score >= high:
		return "high"
	case score >= medium:
		return "medium"
	default:
		return "low"
	}
}
