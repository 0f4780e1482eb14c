package refiner

import (
	"context"
	"fmt"
	"strings"

	"github.com/julianshen/cpghunter/internal/cpg"
)

// maxUsageExamples bounds the call sites quoted in a semantics prompt.
const maxUsageExamples = 5

const semanticsSystemPrompt = `You are an expert in C/C++ library APIs. You describe how data flows between the arguments and the return value of a function.
Answer with a single JSON object and nothing else.`

type semanticsReply struct {
	AnalysisResult *semanticsBody `json:"analysis_result"`
	semanticsBody
}

type semanticsBody struct {
	FunctionName string     `json:"function_name"`
	ParamFlows   []flowJSON `json:"param_flows"`
	Confidence   string     `json:"confidence"`
	Reasoning    string     `json:"reasoning"`
}

type flowJSON struct {
	From *number `json:"from"`
	To   *number `json:"to"`
}

// SemanticsGenerator asks the model for the data-flow summary of a
// function the graph has no body for.
type SemanticsGenerator struct {
	llm Completer
}

// NewSemanticsGenerator creates a SemanticsGenerator.
func NewSemanticsGenerator(llm Completer) *SemanticsGenerator {
	return &SemanticsGenerator{llm: llm}
}

// Generate returns the semantic of fn. usage holds source lines calling fn.
// Flows with invalid indexes or From == To are dropped; a semantic with
// no flows left is still returned so callers can count it as empty.
func (g *SemanticsGenerator) Generate(ctx context.Context, fn cpg.Function, usage []string) (cpg.Semantic, error) {
	sem := cpg.Semantic{Method: fn.FullName}
	if sem.Method == "" {
		sem.Method = fn.Name
	}

	resp, err := g.llm.Complete(ctx, semanticsSystemPrompt, buildSemanticsPrompt(fn, usage))
	if err != nil {
		return sem, fmt.Errorf("semantics %s: %w", fn.Name, err)
	}

	var reply semanticsReply
	if err := decodeJSON(resp.Text, &reply); err != nil {
		return sem, fmt.Errorf("semantics %s: %w: %v", fn.Name, ErrMalformed, err)
	}
	body := reply.semanticsBody
	if reply.AnalysisResult != nil {
		body = *reply.AnalysisResult
	}

	seen := make(map[cpg.ParamFlow]bool)
	for _, f := range body.ParamFlows {
		if f.From == nil || f.To == nil {
			continue
		}
		flow := cpg.ParamFlow{From: int(*f.From), To: int(*f.To)}
		if flow.From < cpg.ReturnValue || flow.To < cpg.ReturnValue || flow.From == flow.To || seen[flow] {
			continue
		}
		seen[flow] = true
		sem.Flows = append(sem.Flows, flow)
	}
	return sem, nil
}

func buildSemanticsPrompt(fn cpg.Function, usage []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Function: %s\n", fn.Name)
	if fn.Signature != "" {
		fmt.Fprintf(&sb, "Signature: %s\n", fn.Signature)
	}
	if len(fn.Params) > 0 {
		sb.WriteString("Parameters:\n")
		for _, p := range fn.Params {
			fmt.Fprintf(&sb, "  %d: %s %s\n", p.Index, p.Type, p.Name)
		}
	}
	if len(usage) > 0 {
		sb.WriteString("Call sites:\n")
		for i, u := range usage {
			if i == maxUsageExamples {
				break
			}
			fmt.Fprintf(&sb, "  %s\n", truncate(strings.TrimSpace(u), maxCodeLen))
		}
	}
	sb.WriteString(`
Indexes: -1 is the return value, 0 the receiver, 1 and up the arguments.
Examples: fgets writes argument 3 into argument 1 -> {"from": 3, "to": 1}; strcpy -> {"from": 2, "to": 1}; malloc -> {"from": 1, "to": -1}.
Return JSON of the form:
{"analysis_result": {"function_name": "<name>", "param_flows": [{"from": <int>, "to": <int>}], "confidence": "high|medium|low", "reasoning": "<short>"}}
`)
	return sb.String()
}
