// Package refiner asks a language model to judge taint findings, classify
// functions into taint roles and describe data flow through library calls.
// Every model answer is treated as untrusted input: malformed replies are
// reported as errors and callers fall back to their deterministic result.
package refiner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/julianshen/cpghunter/internal/cpg"
	"github.com/julianshen/cpghunter/internal/provider"
	"github.com/julianshen/cpghunter/internal/security"
)

// ErrMalformed reports a model answer that could not be used.
var ErrMalformed = errors.New("malformed model response")

// Completer sends one prompt to a language model. provider.Client
// implements it.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (*provider.CompletionResponse, error)
}

// Limits bound the size of a refinement prompt.
const (
	maxPathNodes = 12
	maxCodeLen   = 160
	maxBodyLen   = 2000
)

const refineSystemPrompt = `You are a senior application security engineer reviewing results of a static taint analysis on C/C++ code.
For each data flow you are shown, decide how likely it is that attacker-controlled data really reaches the sink in an exploitable way.
Answer with a single JSON object and nothing else.`

// Refiner adjusts finding confidence through a language model. It
// implements security.Refiner.
type Refiner struct {
	llm    Completer
	graph  cpg.Facade
	logger hclog.Logger
}

var _ security.Refiner = (*Refiner)(nil)

// Option customises a Refiner.
type Option func(*Refiner)

// WithGraph lets the refiner include the source function body in prompts.
func WithGraph(g cpg.Facade) Option {
	return func(r *Refiner) { r.graph = g }
}

// WithLogger sets the refiner logger.
func WithLogger(l hclog.Logger) Option {
	return func(r *Refiner) { r.logger = l }
}

// New creates a Refiner.
func New(llm Completer, opts ...Option) *Refiner {
	r := &Refiner{llm: llm, logger: hclog.NewNullLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type judgement struct {
	Confidence  *number `json:"confidence"`
	Exploitable *bool   `json:"exploitable"`
	Explanation string  `json:"explanation"`
}

// Refine returns f with the model's confidence and explanation. On any
// failure it returns f unchanged together with the error.
func (r *Refiner) Refine(ctx context.Context, f security.Finding) (security.Finding, error) {
	body := ""
	if r.graph != nil {
		b, err := r.graph.FunctionBody(ctx, f.Source)
		if err != nil {
			r.logger.Debug("no source body for refinement", "finding", f.ID, "error", err)
		} else {
			body = b
		}
	}

	resp, err := r.llm.Complete(ctx, refineSystemPrompt, buildRefinePrompt(f, body))
	if err != nil {
		return f, fmt.Errorf("refine %s: %w", f.ID, err)
	}

	var j judgement
	if err := decodeJSON(resp.Text, &j); err != nil {
		return f, fmt.Errorf("refine %s: %w: %v", f.ID, ErrMalformed, err)
	}
	if j.Confidence == nil {
		return f, fmt.Errorf("refine %s: %w: missing confidence", f.ID, ErrMalformed)
	}
	c := float64(*j.Confidence)
	if c < 0 || c > 1 {
		return f, fmt.Errorf("refine %s: %w: confidence %g outside [0,1]", f.ID, ErrMalformed, c)
	}

	out := f
	out.Confidence = c
	out.Explanation = strings.TrimSpace(j.Explanation)
	if j.Exploitable != nil && !*j.Exploitable && out.Explanation == "" {
		out.Explanation = "judged not exploitable"
	}
	return out, nil
}

// buildRefinePrompt describes the finding in a bounded amount of text.
func buildRefinePrompt(f security.Finding, body string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Weakness: %s\n", f.CWE)
	fmt.Fprintf(&sb, "Source: %s\n", describe(f.Source))
	fmt.Fprintf(&sb, "Sink: %s\n", describe(f.Sink))
	fmt.Fprintf(&sb, "Static confidence: %.2f\n", f.Confidence)
	if f.Indirections > 0 {
		fmt.Fprintf(&sb, "Unresolved indirect calls on the path: %d\n", f.Indirections)
	}
	if f.Sanitized {
		names := make([]string, 0, len(f.Sanitizers))
		for _, s := range f.Sanitizers {
			names = append(names, s.Node.Code)
		}
		fmt.Fprintf(&sb, "Sanitizers on the path: %s\n", truncate(strings.Join(names, "; "), maxCodeLen))
	}

	sb.WriteString("\nData flow:\n")
	nodes := f.Path.Nodes
	for i, n := range nodes {
		if len(nodes) > maxPathNodes && i == maxPathNodes/2 {
			fmt.Fprintf(&sb, "  ... %d steps omitted ...\n", len(nodes)-maxPathNodes)
		}
		if len(nodes) > maxPathNodes && i >= maxPathNodes/2 && i < len(nodes)-maxPathNodes/2 {
			continue
		}
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, describe(n))
	}

	if body != "" {
		fmt.Fprintf(&sb, "\nSource function:\n```\n%s\n```\n", truncate(body, maxBodyLen))
	}

	sb.WriteString(`
Return JSON of the form:
{"confidence": <0.0-1.0 probability the flow is a real, exploitable vulnerability>, "exploitable": <true|false>, "explanation": "<one or two sentences>"}
`)
	return sb.String()
}

func describe(n cpg.NodeRef) string {
	loc := n.File
	if n.Line > 0 {
		loc = fmt.Sprintf("%s:%d", n.File, n.Line)
	}
	code := strings.Join(strings.Fields(n.Code), " ")
	if fn := n.ShortFunction(); fn != "" {
		return fmt.Sprintf("%s in %s: %s", loc, fn, truncate(code, maxCodeLen))
	}
	return fmt.Sprintf("%s: %s", loc, truncate(code, maxCodeLen))
}
