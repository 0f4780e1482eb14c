package cpg

import (
	"fmt"
	"strings"
)

// ParamFlow states that data entering argument From reaches argument To.
// Index ReturnValue (-1) denotes the return value.
type ParamFlow struct {
	From int `json:"from" yaml:"from"`
	To   int `json:"to" yaml:"to"`
}

// Semantic describes how data moves through a function whose body the
// backend cannot see, typically a library call.
type Semantic struct {
	Method string      `json:"method" yaml:"method"`
	Flows  []ParamFlow `json:"flows" yaml:"flows"`
	Regex  bool        `json:"regex,omitempty" yaml:"regex,omitempty"`
}

func (s Semantic) script() string {
	pairs := make([]string, 0, len(s.Flows))
	for _, f := range s.Flows {
		pairs = append(pairs, fmt.Sprintf("(%d, %d)", f.From, f.To))
	}
	return fmt.Sprintf("FlowSemantic.from(%s, List(%s), regex = %t)", quote(s.Method), strings.Join(pairs, ", "), s.Regex)
}

// semanticsQueries renders the statements that install extra flows and
// rebuild the data-flow engine context around them.
func semanticsQueries(sems []Semantic, maxCallDepth int) []string {
	rules := make([]string, 0, len(sems))
	for _, s := range sems {
		if s.Method == "" || len(s.Flows) == 0 {
			continue
		}
		rules = append(rules, s.script())
	}
	return []string{
		"val extraFlows = List(\n" + strings.Join(rules, ",\n") + "\n)",
		"implicit val semantics: Semantics = DefaultSemantics().plus(extraFlows)",
		fmt.Sprintf("implicit val engineConfig: EngineConfig = EngineConfig(maxCallDepth = %d)", maxCallDepth),
		"implicit val context: EngineContext = EngineContext(semantics = semantics, config = engineConfig)",
	}
}

// dataflowRebuildQueries re-run the data-flow layer so REACHING_DEF edges
// reflect the installed semantics.
func dataflowRebuildQueries(cpgVar string) []string {
	return []string{
		"import io.shiftleft.semanticcpg.layers.*",
		"import io.joern.dataflowengineoss.layers.dataflows.*",
		fmt.Sprintf("Overlays.removeLastOverlayName(%s)", cpgVar),
		fmt.Sprintf("new OssDataFlow(new OssDataFlowOptions(semantics = semantics)).run(new LayerCreatorContext(%s))", cpgVar),
	}
}
