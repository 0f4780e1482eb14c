package security

import (
	"fmt"
	"math"
	"sort"

	"github.com/julianshen/cpghunter/internal/security/taint"
)

// Scorer turns raw taint paths into ranked findings. It deduplicates
// findings by (source, sink, cwe) when path optimisation is on and keeps
// everything, suppressed or not, so totals stay auditable.
type Scorer struct {
	weights   Weights
	threshold float64
	dedupe    bool
}

// NewScorer creates a Scorer from the pass configuration.
func NewScorer(cfg PassConfig) *Scorer {
	return &Scorer{
		weights:   cfg.Weights,
		threshold: cfg.ConfidenceThreshold,
		dedupe:    cfg.EnablePathOptimization,
	}
}

// ValidateWeights checks the penalty weights. MaxLength must stay below
// Sanitizer so that no amount of path length lets a sanitized path outrank
// an unsanitized one with the same indirection, and the three caps together
// must stay below 1 so a sanitizer always lowers confidence.
func ValidateWeights(w Weights) error {
	for name, v := range map[string]float64{
		"indirection":     w.Indirection,
		"max_indirection": w.MaxIndirection,
		"sanitizer":       w.Sanitizer,
		"length":          w.Length,
		"max_length":      w.MaxLength,
	} {
		if v < 0 || v > 1 {
			return &ConfigError{Field: "weights." + name, Reason: fmt.Sprintf("must be within [0,1], got %g", v)}
		}
	}
	if w.Baseline < 0 {
		return &ConfigError{Field: "weights.baseline", Reason: "must not be negative"}
	}
	if w.Sanitizer <= 0 {
		return &ConfigError{Field: "weights.sanitizer", Reason: "must be positive"}
	}
	if w.MaxLength >= w.Sanitizer {
		return &ConfigError{Field: "weights.max_length", Reason: "must be lower than weights.sanitizer"}
	}
	if w.MaxIndirection+w.MaxLength+w.Sanitizer >= 1 {
		return &ConfigError{Field: "weights", Reason: "max_indirection + max_length + sanitizer must be below 1"}
	}
	return nil
}

// Confidence computes the confidence of one candidate path.
func (s *Scorer) Confidence(c taint.Candidate) float64 {
	w := s.weights
	conf := 1.0
	conf -= math.Min(float64(c.Indirections)*w.Indirection, w.MaxIndirection)
	if c.Sanitized() {
		conf -= w.Sanitizer
	}
	if extra := c.Path.Len() - w.Baseline; extra > 0 {
		conf -= math.Min(float64(extra)*w.Length, w.MaxLength)
	}
	return clamp(conf)
}

func clamp(v float64) float64 {
	// Round away float noise so equal paths compare equal.
	v = math.Round(v*1e6) / 1e6
	return math.Max(0, math.Min(1, v))
}

// Score builds findings for one pass from an analyzer result.
func (s *Scorer) Score(passID, cwe string, res *taint.Result) []Finding {
	if res == nil {
		return nil
	}
	findings := make([]Finding, 0, len(res.Candidates)+len(res.Aborted))
	for _, c := range res.Candidates {
		findings = append(findings, Finding{
			ID:           FindingID(cwe, c.Source, c.Sink, c.Path.Signature()),
			CWE:          cwe,
			Pass:         passID,
			Source:       c.Source,
			Sink:         c.Sink,
			Path:         c.Path,
			Sanitized:    c.Sanitized(),
			Sanitizers:   c.Sanitizers,
			Indirections: c.Indirections,
			Confidence:   s.Confidence(c),
		})
	}
	for _, a := range res.Aborted {
		findings = append(findings, Finding{
			ID:         FindingID(cwe, a.Source, a.Sink, "aborted"),
			CWE:        cwe,
			Pass:       passID,
			Source:     a.Source,
			Sink:       a.Sink,
			Confidence: 0,
			Status:     StatusNeedsReview,
			Degraded:   a.Reason,
		})
	}
	return s.Rank(findings)
}

// Rank applies the threshold, deduplicates and sorts. It is idempotent and
// is re-applied after refinement changed confidences.
func (s *Scorer) Rank(findings []Finding) []Finding {
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		if f.Status != StatusNeedsReview && f.Suppression == "" {
			if f.Confidence >= s.threshold {
				f.Status = StatusConfirmed
			} else {
				f.Status = StatusSuppressed
			}
		}
		out = append(out, f)
	}
	if s.dedupe {
		out = deduplicate(out)
	}
	SortFindings(out)
	return out
}

type dedupeKey struct {
	source, sink int64
	cwe          string
}

// deduplicate keeps, per (source, sink, cwe), the finding with the highest
// confidence. Ties keep the first occurrence.
func deduplicate(findings []Finding) []Finding {
	best := make(map[dedupeKey]int)
	var order []dedupeKey
	for i, f := range findings {
		key := dedupeKey{int64(f.Source.ID), int64(f.Sink.ID), f.CWE}
		existing, ok := best[key]
		if !ok {
			best[key] = i
			order = append(order, key)
			continue
		}
		if f.Confidence > findings[existing].Confidence {
			best[key] = i
		}
	}
	out := make([]Finding, 0, len(order))
	for _, key := range order {
		out = append(out, findings[best[key]])
	}
	return out
}

// SortFindings orders findings by confidence descending, then source file
// and line, then id so the order is total.
func SortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Source.File != b.Source.File {
			return a.Source.File < b.Source.File
		}
		if a.Source.Line != b.Source.Line {
			return a.Source.Line < b.Source.Line
		}
		return a.ID < b.ID
	})
}
