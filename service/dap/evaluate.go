package dap

import (
	"bytes"
	"context"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/expressions"
	"github.com/go-delve/ndap/pkg/scripting"
	"github.com/go-delve/ndap/service/dap/protocol"
)

func (s *Session) onEvaluateRequest(r *request) (interface{}, error) {
	var args protocol.EvaluateArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	var frame engine.Frame
	if args.FrameID != nil {
		f, err := s.frameByID(*args.FrameID)
		if err != nil {
			s.log.Errorf("evaluate: invalid frame id %d", *args.FrameID)
		} else {
			frame = f
		}
	}

	expr := args.Expression
	switch args.Context {
	case "repl":
		if s.settings.evaluateMode() {
			switch {
			case strings.HasPrefix(expr, "`"):
				return s.executeCommand(r.ctx, expr[1:], frame, false)
			case strings.HasPrefix(expr, "/cmd "):
				return s.executeCommand(r.ctx, expr[5:], frame, false)
			}
			return s.evaluateExpression(r.ctx, expr, frame, args.Format)
		}
		if strings.HasPrefix(expr, "?") {
			return s.evaluateExpression(r.ctx, expr[1:], frame, args.Format)
		}
		return s.executeCommand(r.ctx, expr, frame, false)
	case "hover":
		if !s.settings.EvaluateForHovers {
			return nil, userErrorf("Hovers are disabled.")
		}
	case "_command":
		return s.executeCommand(r.ctx, expr, frame, true)
	}
	return s.evaluateExpression(r.ctx, expr, frame, args.Format)
}

// executeCommand runs a console command in the context of frame. Its
// output goes to the debug console, or into the response when
// returnOutput is set.
func (s *Session) executeCommand(ctx context.Context, line string, frame engine.Frame, returnOutput bool) (protocol.EvaluateResponseBody, error) {
	if frame != nil {
		s.selectFrame(frame)
	}
	var out bytes.Buffer
	var w io.Writer = consoleWriter{s, "console"}
	if returnOutput {
		w = &out
	}

	if rest, ok := cutCommandPrefix(line); ok {
		text, err := s.ndapCmd(rest)
		if err != nil {
			return protocol.EvaluateResponseBody{}, userError(err)
		}
		io.WriteString(w, strings.TrimRight(text, "\n")+"\n")
	} else if err := s.dbg.HandleCommand(ctx, line, w); err != nil {
		return protocol.EvaluateResponseBody{}, userErrorf("%s", strings.TrimRight(err.Error(), "\n"))
	}
	return protocol.EvaluateResponseBody{Result: strings.TrimRight(out.String(), "\n")}, nil
}

// selectFrame makes frame the engine's selected frame, so that console
// commands apply to it.
func (s *Session) selectFrame(frame engine.Frame) {
	proc := s.process()
	thread := frame.Thread()
	if proc == nil || thread == nil {
		return
	}
	proc.SetSelectedThread(thread.ID())
	thread.SetSelectedFrame(frame.Index())
}

// runConsoleCommand runs a command that is not part of a request,
// reporting failures on the console.
func (s *Session) runConsoleCommand(ctx context.Context, line string) {
	if _, err := s.executeCommand(ctx, line, nil, false); err != nil {
		s.consoleError("%v", err)
	}
}

func (s *Session) evaluateExpression(ctx context.Context, expr string, frame engine.Frame, vf *protocol.ValueFormat) (protocol.EvaluateResponseBody, error) {
	pp, spec, err := expressions.PrepareWithFormat(expr, s.exprFlavor, expressions.WithDialect(expressions.DialectStarlark))
	if err != nil {
		return protocol.EvaluateResponseBody{}, userError(err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.settings.evaluationTimeout())
	defer cancel()
	res, err := s.evaluatePrepared(ctx, pp, frame)
	if err != nil {
		return protocol.EvaluateResponseBody{}, err
	}
	if res.Value == nil {
		return protocol.EvaluateResponseBody{Result: res.Text, Type: res.TypeName}, nil
	}
	v, err := s.applyFormatSpec(res.Value, spec, vf)
	if err != nil {
		return protocol.EvaluateResponseBody{}, err
	}
	h := s.valueHandle(0, expr, v)
	return protocol.EvaluateResponseBody{
		Result:             s.valueString(v, h != 0),
		Type:               v.DisplayTypeName(),
		VariablesReference: int(h),
		MemoryReference:    s.memoryReference(v),
	}, nil
}

// evaluatePrepared evaluates pp in frame, or in the global scope when
// frame is nil.
func (s *Session) evaluatePrepared(ctx context.Context, pp expressions.Prepared, frame engine.Frame) (scripting.Result, error) {
	if pp.Flavor == expressions.Native {
		var (
			v   engine.Value
			err error
		)
		if frame != nil {
			v, err = frame.Evaluate(ctx, pp.Text)
		} else {
			v, err = s.target.Evaluate(ctx, pp.Text)
		}
		if err == nil && v != nil {
			err = v.Error()
		}
		if err != nil {
			return scripting.Result{}, userError(err)
		}
		return scripting.Result{Value: v}, nil
	}
	code, err := s.scripting.Compile(pp.Text, scripting.ModeExpression)
	if err != nil {
		return scripting.Result{}, userError(err)
	}
	res, err := s.scripting.Eval(ctx, code, scripting.Context{Frame: frame, Target: s.target})
	if err != nil {
		if ctx.Err() != nil {
			return scripting.Result{}, ctx.Err()
		}
		return scripting.Result{}, userError(err)
	}
	if res.Value != nil {
		if err := res.Value.Error(); err != nil {
			return scripting.Result{}, userError(err)
		}
	}
	return res, nil
}

// applyFormatSpec reinterprets v as an array and sets its display format
// as requested by a format spec suffix.
func (s *Session) applyFormatSpec(v engine.Value, spec expressions.FormatSpec, vf *protocol.ValueFormat) (engine.Value, error) {
	if spec.Array != nil {
		arr, err := v.AsArray(*spec.Array)
		if err != nil {
			return nil, userError(err)
		}
		v = arr
	}
	format := s.settings.format()
	if vf != nil && vf.Hex {
		format = engine.FormatHex
	}
	if spec.Format != nil {
		format = *spec.Format
	}
	v.SetFormat(format)
	return v, nil
}

// evaluateValue evaluates a user supplied expression to a debuggee value.
// The format spec, if any, is ignored.
func (s *Session) evaluateValue(ctx context.Context, expr string, frame engine.Frame) (engine.Value, error) {
	pp, _, err := expressions.PrepareWithFormat(expr, s.exprFlavor, expressions.WithDialect(expressions.DialectStarlark))
	if err != nil {
		return nil, userError(err)
	}
	res, err := s.evaluatePrepared(ctx, pp, frame)
	if err != nil {
		return nil, err
	}
	if res.Value == nil {
		return nil, userErrorf("'%s' does not evaluate to a value of the debuggee.", expr)
	}
	return res.Value, nil
}

// evaluateToString renders the value of expr the way the variables view
// would.
func (s *Session) evaluateToString(ctx context.Context, expr string, frame engine.Frame) (string, error) {
	pp, spec, err := expressions.PrepareWithFormat(expr, s.exprFlavor, expressions.WithDialect(expressions.DialectStarlark))
	if err != nil {
		return "", userError(err)
	}
	res, err := s.evaluatePrepared(ctx, pp, frame)
	if err != nil {
		return "", err
	}
	if res.Value == nil {
		return res.Text, nil
	}
	v, err := s.applyFormatSpec(res.Value, spec, nil)
	if err != nil {
		return "", err
	}
	return s.valueString(v, true), nil
}

func (s *Session) onCompletionsRequest(r *request) (interface{}, error) {
	var args protocol.CompletionsArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	if !s.settings.CommandCompletions {
		return nil, userErrorf("Completions are disabled")
	}
	empty := protocol.CompletionsResponseBody{Targets: []protocol.CompletionItem{}}

	text, column := args.Text, args.Column-1
	if s.settings.evaluateMode() {
		switch {
		case strings.HasPrefix(text, "`"):
			text, column = text[1:], column-1
		case strings.HasPrefix(text, "/cmd "):
			text, column = text[5:], column-5
		default:
			return empty, nil
		}
	}
	if c, _ := utf8.DecodeRuneInString(text); text == "" || !unicode.IsLetter(c) {
		return empty, nil
	}
	// column counts characters, the engine wants a byte offset
	cursor := len(text)
	if column >= 0 {
		n := 0
		for i := range text {
			if n == column {
				cursor = i
				break
			}
			n++
		}
	}

	var completions []string
	if _, ok := cutCommandPrefix(text[:cursor]); ok || strings.HasPrefix(adapterCommandPrefix, text[:cursor]) {
		completions = s.commandIndex().PrefixSearch(text[:cursor])
		// the index holds whole command lines
		for i, c := range completions {
			completions[i] = lastWord(c, text[:cursor])
		}
	}
	completions = append(completions, s.dbg.CompleteCommand(text, cursor)...)

	prefix := ""
	if f := strings.Fields(text[:cursor]); len(f) > 0 && !strings.HasSuffix(text[:cursor], " ") {
		prefix = f[len(f)-1]
	}
	prefixLen := utf8.RuneCountInString(prefix)
	targets := make([]protocol.CompletionItem, 0, len(completions))
	seen := make(map[string]bool)
	for _, c := range completions {
		if seen[c] {
			continue
		}
		seen[c] = true
		item := protocol.CompletionItem{Label: c}
		if strings.HasPrefix(c, prefix) {
			start := args.Column - prefixLen
			item.Start = &start
			item.Length = prefixLen
		}
		targets = append(targets, item)
	}
	return protocol.CompletionsResponseBody{Targets: targets}, nil
}

// lastWord returns the part of the completed line that replaces the word
// being typed at the end of typed.
func lastWord(completed, typed string) string {
	start := strings.LastIndexByte(typed, ' ') + 1
	if start > len(completed) {
		return completed
	}
	return completed[start:]
}
