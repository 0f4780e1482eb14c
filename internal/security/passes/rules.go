package passes

import "github.com/julianshen/cpghunter/internal/cpg"

// ruleSet is the built-in pattern set of a pass. Configured patterns are
// appended to it.
type ruleSet struct {
	Sources    []cpg.Pattern
	Sinks      []cpg.Pattern
	Sanitizers []cpg.Pattern
}

// userInputSources are the classic ways attacker data enters a C program.
var userInputSources = []cpg.Pattern{
	{Kind: cpg.PatternCall, Name: "getenv|secure_getenv", Index: cpg.ReturnValue, Description: "environment variable"},
	{Kind: cpg.PatternCall, Name: "fgets|gets", Index: 1, Description: "line read into buffer"},
	{Kind: cpg.PatternCall, Name: "f?scanf|sscanf", Index: 2, Description: "formatted input"},
	{Kind: cpg.PatternCall, Name: "recv|recvfrom|read|fread", Index: 2, Description: "socket or file data"},
	{Kind: cpg.PatternCall, Name: "getchar|fgetc|getc", Index: cpg.ReturnValue, Description: "character input"},
	{Kind: cpg.PatternParameter, Name: "main", Index: 2, Description: "command-line arguments"},
}

var defaultSanitizers = []cpg.Pattern{
	{Kind: cpg.PatternCall, Name: "(?i).*(sanitize|escape|quote|validate|whitelist|filter).*", Index: cpg.ReturnValue, Description: "cleaning routine"},
}

var cwe78Rules = ruleSet{
	Sources: userInputSources,
	Sinks: []cpg.Pattern{
		{Kind: cpg.PatternCall, Name: "system", Index: 1, Description: "shell command"},
		{Kind: cpg.PatternCall, Name: "popen", Index: 1, Description: "shell command"},
		{Kind: cpg.PatternCall, Name: "exec(l|lp|le|v|vp|vpe|ve)", Index: 1, Description: "program path"},
	},
	Sanitizers: defaultSanitizers,
}

var cwe134Rules = ruleSet{
	Sources: userInputSources,
	Sinks: []cpg.Pattern{
		{Kind: cpg.PatternCall, Name: "printf|vprintf", Index: 1, Description: "format string"},
		{Kind: cpg.PatternCall, Name: "fprintf|vfprintf|sprintf|vsprintf|dprintf", Index: 2, Description: "format string"},
		{Kind: cpg.PatternCall, Name: "snprintf|vsnprintf", Index: 3, Description: "format string"},
		{Kind: cpg.PatternCall, Name: "syslog", Index: 2, Description: "format string"},
	},
	Sanitizers: defaultSanitizers,
}

// merge returns the built-in patterns followed by the configured ones.
func merge(builtin, configured []cpg.Pattern) []cpg.Pattern {
	out := make([]cpg.Pattern, 0, len(builtin)+len(configured))
	out = append(out, builtin...)
	return append(out, configured...)
}
