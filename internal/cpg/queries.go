package cpg

import (
	"fmt"
	"strings"
)

// prelude is evaluated once per session. It defines the node projection
// every node-returning query maps through, so results decode into rawNode.
var prelude = []string{
	"import io.joern.dataflowengineoss.*",
	"import io.joern.dataflowengineoss.semanticsloader.*",
	"import io.joern.dataflowengineoss.queryengine.*",
	`def cpghMethod(n: StoredNode): Option[Method] = n match {
  case m: Method => Some(m)
  case p: MethodParameterIn => Some(p.method)
  case p: MethodParameterOut => Some(p.method)
  case r: MethodReturn => Some(r.method)
  case e: Expression => Some(e.method)
  case _ => None
}`,
	`def cpghNode(n: StoredNode): Map[String, Any] = Map(
  "id" -> n.id,
  "label" -> n.label,
  "code" -> n.propertyOption[String]("CODE").getOrElse(""),
  "name" -> n.propertyOption[String]("NAME").getOrElse(""),
  "line" -> n.propertyOption[Integer]("LINE_NUMBER").map(_.toInt).getOrElse(-1),
  "callee" -> (n match {
    case c: Call => c.methodFullName
    case e: Expression => e.inCall.headOption.map(_.methodFullName).getOrElse("")
    case _ => ""
  }),
  "argIndex" -> (n match {
    case p: MethodParameterIn => p.index
    case e: Expression => e.argumentIndex
    case _ => -1
  }),
  "method" -> cpghMethod(n).map(_.fullName).getOrElse(""),
  "file" -> cpghMethod(n).map(_.filename).getOrElse("")
)`,
}

// quote renders s as a Scala string literal.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

// normalizeQuery collapses insignificant whitespace so equivalent query
// texts share one cache entry.
func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func importCodeQuery(target string) string {
	if strings.HasSuffix(target, ".bin") || strings.HasSuffix(target, ".cpg") {
		return fmt.Sprintf("importCpg(%s)", quote(target))
	}
	return fmt.Sprintf("importCode(%s)", quote(target))
}

func workspaceQuery(path string) string {
	return fmt.Sprintf("switchWorkspace(%s)", quote(path))
}

func engineContextQueries(maxCallDepth int) []string {
	return []string{
		fmt.Sprintf("implicit val engineConfig: EngineConfig = EngineConfig(maxCallDepth = %d)", maxCallDepth),
		"implicit val context: EngineContext = EngineContext(semantics = DefaultSemantics(), config = engineConfig)",
	}
}

func findNodesQuery(cpgVar string, p Pattern) string {
	name := quote(p.Name)
	var sel string
	switch p.Kind {
	case PatternCall:
		if p.Index == ReturnValue {
			sel = fmt.Sprintf("%s.call.name(%s)", cpgVar, name)
		} else {
			sel = fmt.Sprintf("%s.call.name(%s).argument(%d)", cpgVar, name, p.Index)
		}
	case PatternParameter:
		sel = fmt.Sprintf("%s.method.name(%s).parameter.index(%d)", cpgVar, name, p.Index)
	case PatternReturn:
		sel = fmt.Sprintf("%s.method.name(%s).methodReturn", cpgVar, name)
	case PatternIdentifier:
		sel = fmt.Sprintf("%s.identifier.name(%s)", cpgVar, name)
	}
	return sel + ".sortBy(_.id).map(cpghNode).toJsonPretty"
}

func neighborsQuery(cpgVar string, id NodeID, dir Direction) string {
	labels := `Set("REACHING_DEF", "CALL", "ARGUMENT", "PARAMETER_LINK", "RECEIVER")`
	if dir == Backward {
		return fmt.Sprintf(
			"%s.all.id(%dL).inE.filter(e => %s.contains(e.label)).map(e => Map(\"label\" -> e.label, \"node\" -> cpghNode(e.outNode.asInstanceOf[StoredNode]))).toJsonPretty",
			cpgVar, id, labels)
	}
	return fmt.Sprintf(
		"%s.all.id(%dL).outE.filter(e => %s.contains(e.label)).map(e => Map(\"label\" -> e.label, \"node\" -> cpghNode(e.inNode.asInstanceOf[StoredNode]))).toJsonPretty",
		cpgVar, id, labels)
}

const methodProjection = `m => Map("fullName" -> m.fullName, "name" -> m.name, "file" -> m.filename, ` +
	`"line" -> m.lineNumber.map(_.toInt).getOrElse(-1), "lineEnd" -> m.lineNumberEnd.map(_.toInt).getOrElse(-1), ` +
	`"signature" -> m.signature, "external" -> m.isExternal, "code" -> m.code)`

func functionsQuery(cpgVar string) string {
	return fmt.Sprintf("%s.method.sortBy(_.fullName).map(%s).toJsonPretty", cpgVar, methodProjection)
}

func methodByNameQuery(cpgVar, fullName string) string {
	return fmt.Sprintf("%s.method.fullNameExact(%s).map(%s).toJsonPretty", cpgVar, quote(fullName), methodProjection)
}

func parametersQuery(cpgVar, fullName string) string {
	return fmt.Sprintf(
		`%s.method.fullNameExact(%s).parameter.sortBy(_.index).map(p => Map("name" -> p.name, "index" -> p.index, "type" -> p.typeFullName)).toJsonPretty`,
		cpgVar, quote(fullName))
}

func callSitesQuery(cpgVar, fullName string, limit int) string {
	return fmt.Sprintf("%s.method.fullNameExact(%s).callIn.code.take(%d).toJsonPretty", cpgVar, quote(fullName), limit)
}
