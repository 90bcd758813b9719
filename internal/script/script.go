// Package script renders a call record as a replay script in the host's
// scripting language.
package script

import (
	"bytes"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/ppiankov/hookwatch/internal/host"
	"github.com/ppiankov/hookwatch/internal/record"
	"github.com/ppiankov/hookwatch/internal/registry"
	"github.com/ppiankov/hookwatch/internal/value"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var keywords = map[string]bool{
	"and": true, "break": true, "do": true, "else": true, "elseif": true,
	"end": true, "false": true, "for": true, "function": true, "if": true,
	"in": true, "local": true, "nil": true, "not": true, "or": true,
	"repeat": true, "return": true, "then": true, "true": true, "until": true,
	"while": true, "continue": true,
}

func isIdent(s string) bool { return identRe.MatchString(s) && !keywords[s] }

const replayTemplate = `-- Generated by hookwatch
-- Endpoint: {{.Path}} ({{.Class}})
{{- if .Caller}}
-- Caller: {{.Caller}}
{{- end}}
{{- if .Returns}}
-- Returned: {{.Returns}}
{{- end}}

local remote = {{.Target}}
{{- if .Args}}
local args = {{.Args}}
{{- end}}
{{.Call}}
`

var tmpl = template.Must(template.New("replay").Parse(replayTemplate))

type view struct {
	Path    string
	Class   string
	Caller  string
	Returns string
	Target  string
	Args    string
	Call    string
}

// Make renders rec. The endpoint is addressed by its recorded path. reg
// decides whether an inbound call is replayed as a callback or a signal;
// without it, or for an unknown class, a record with returns is treated as
// a callback.
func Make(rec *record.Call, reg *registry.Registry) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("script: nil record")
	}
	if rec.Path == "" || rec.Method == "" {
		return "", fmt.Errorf("script: record %s has no endpoint path or method", rec.ID)
	}

	v := view{
		Path:   rec.Path,
		Class:  rec.Class,
		Target: PathExpr(rec.Path),
	}
	if rec.Caller != nil {
		v.Caller = strings.TrimPrefix(rec.Caller.Script+":"+rec.Caller.Function, ":")
	}
	if rec.Returned && len(rec.Returns) > 0 {
		parts := make([]string, len(rec.Returns))
		for i, r := range rec.Returns {
			parts[i] = value.Format(r)
		}
		v.Returns = strings.Join(parts, ", ")
	}
	if len(rec.Args) > 0 {
		v.Args = argsLiteral(rec.Args)
	}
	v.Call = callExpr(rec, len(rec.Args) > 0, isCallback(rec, reg))

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("script: render: %w", err)
	}
	return buf.String(), nil
}

func isCallback(rec *record.Call, reg *registry.Registry) bool {
	if reg != nil {
		if class, ok := reg.Lookup(rec.Class); ok {
			return class.Bidirectional
		}
	}
	return rec.Returned
}

func callExpr(rec *record.Call, hasArgs, callback bool) string {
	args := ""
	if hasArgs {
		args = "unpack(args)"
	}
	if rec.Direction != registry.Inbound {
		return fmt.Sprintf("remote:%s(%s)", rec.Method, args)
	}
	if callback {
		return fmt.Sprintf("getcallbackvalue(remote, %s)(%s)", strconv.Quote(rec.Method), args)
	}
	if hasArgs {
		return fmt.Sprintf("firesignal(remote.%s, %s)", rec.Method, args)
	}
	return fmt.Sprintf("firesignal(remote.%s)", rec.Method)
}

// PathExpr turns a dotted full name into an expression that reaches it.
// Detached endpoints are looked up among nil-parented instances.
func PathExpr(path string) string {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return "nil"
	}
	var b strings.Builder
	rest := parts[1:]
	switch parts[0] {
	case "game":
		b.WriteString("game")
	case "nil":
		if len(rest) == 0 {
			return "nil"
		}
		fmt.Fprintf(&b, "getnilinstance(%s)", strconv.Quote(rest[0]))
		rest = rest[1:]
	default:
		fmt.Fprintf(&b, "game[%s]", strconv.Quote(parts[0]))
	}
	for _, p := range rest {
		if isIdent(p) {
			b.WriteString("." + p)
		} else {
			fmt.Fprintf(&b, "[%s]", strconv.Quote(p))
		}
	}
	return b.String()
}

// argsLiteral keeps positional nils, which a table would drop.
func argsLiteral(args []any) string {
	var b strings.Builder
	active := make(map[*value.Table]bool)
	b.WriteString("{\n")
	for i, a := range args {
		fmt.Fprintf(&b, "    [%d] = ", i+1)
		literal(&b, a, 1, active)
		b.WriteString(",\n")
	}
	b.WriteString("}")
	return b.String()
}

// Literal renders v as a host-language expression. Cycles render as a
// marker comment.
func Literal(v any) string {
	var b strings.Builder
	literal(&b, v, 0, make(map[*value.Table]bool))
	return b.String()
}

func literal(b *strings.Builder, v any, depth int, active map[*value.Table]bool) {
	switch x := v.(type) {
	case nil:
		b.WriteString("nil")
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case float64:
		switch {
		case math.IsInf(x, 1):
			b.WriteString("math.huge")
		case math.IsInf(x, -1):
			b.WriteString("-math.huge")
		default:
			b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		}
	case string:
		b.WriteString(strconv.Quote(x))
	case *host.Instance:
		if x == nil {
			b.WriteString("nil")
			return
		}
		b.WriteString(PathExpr(x.FullName()))
	case *value.Table:
		table(b, x, depth, active)
	default:
		fmt.Fprintf(b, "nil --[[%T]]", x)
	}
}

func table(b *strings.Builder, t *value.Table, depth int, active map[*value.Table]bool) {
	if active[t] {
		b.WriteString("{--[[cycle]]}")
		return
	}
	if t.Count() == 0 {
		b.WriteString("{}")
		return
	}
	active[t] = true
	defer delete(active, t)

	pad := strings.Repeat("    ", depth+1)
	b.WriteString("{\n")
	t.Range(func(k, e any) bool {
		b.WriteString(pad)
		switch key := k.(type) {
		case string:
			if isIdent(key) {
				b.WriteString(key)
			} else {
				fmt.Fprintf(b, "[%s]", strconv.Quote(key))
			}
		default:
			b.WriteString("[")
			literal(b, k, depth+1, active)
			b.WriteString("]")
		}
		b.WriteString(" = ")
		literal(b, e, depth+1, active)
		b.WriteString(",\n")
		return true
	})
	b.WriteString(strings.Repeat("    ", depth))
	b.WriteString("}")
}
