package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/jkaninda/codegate/internal/domain"
)

const (
	// defaultCallStack limits the script call stack depth to stop runaway recursion.
	defaultCallStack = 500

	maxLogLines    = 100
	maxLogLineSize = 1024
)

// Caller forwards one bound call to the host.
type Caller func(ctx context.Context, group, method string, args []any) (any, error)

// scriptOptions tunes a single script run.
type scriptOptions struct {
	callStack int
	timeout   time.Duration
}

// hardening disables dynamic code construction. Each snippet runs on its own
// so a runtime lacking one of the constructs does not skip the others.
var hardening = []string{
	`Object.defineProperty(Function.prototype, 'constructor', {
		value: function() { throw new TypeError('Function constructor is disabled'); },
		writable: false, configurable: false
	});`,
	`Object.defineProperty(Object.getPrototypeOf(async function() {}), 'constructor', {
		value: function() { throw new TypeError('AsyncFunction constructor is disabled'); },
		writable: false, configurable: false
	});`,
	`Object.defineProperty(Object.getPrototypeOf(function*() {}), 'constructor', {
		value: function() { throw new TypeError('GeneratorFunction constructor is disabled'); },
		writable: false, configurable: false
	});`,
	`(function() {
		var proto = Function.prototype;
		var F = function() { throw new TypeError('Function constructor is disabled'); };
		F.prototype = proto;
		Function = F;
	})();`,
}

// wrapScript turns a script body into an immediately invoked async function.
func wrapScript(code string) string {
	return "(async function() {\n\"use strict\";\n" + code + "\n})()"
}

// runScript executes code in a fresh runtime and drives its promise to
// completion. Bound calls run on their own goroutines; their results are
// handed back to the runtime goroutine through the jobs channel. Results
// arriving after runScript returns are dropped.
func runScript(ctx context.Context, code string, manifest domain.BindingManifest, call Caller, opts scriptOptions) (res domain.Result) {
	logs := &logBuffer{}

	defer func() {
		if r := recover(); r != nil {
			res = domain.Result{Error: fmt.Sprintf("Sandbox runtime panic: %v", r), Logs: logs.lines}
		}
	}()

	vm := goja.New()
	stack := opts.callStack
	if stack <= 0 {
		stack = defaultCallStack
	}
	vm.SetMaxCallStackSize(stack)
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	_ = vm.Set("eval", goja.Undefined())
	for _, src := range hardening {
		_, _ = vm.RunString(src)
	}

	env := &scriptEnv{
		vm:   vm,
		ctx:  ctx,
		call: call,
		jobs: make(chan func(), 16),
		done: make(chan struct{}),
	}
	defer close(env.done)

	if err := env.install(manifest, logs); err != nil {
		return domain.Result{Error: "Failed to install bindings: " + err.Error()}
	}

	stop := context.AfterFunc(ctx, func() { vm.Interrupt("execution timed out") })
	defer stop()

	timedOut := func() domain.Result {
		msg := "Execution cancelled"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = timeoutMessage(opts.timeout)
		}
		return domain.Result{Error: msg, Logs: logs.lines}
	}

	v, err := vm.RunString(wrapScript(code))
	if err != nil {
		if ctx.Err() != nil {
			return timedOut()
		}
		msg, stack := describeRunError(err)
		return domain.Result{Error: msg, Stack: stack, Logs: logs.lines}
	}

	promise, ok := v.Export().(*goja.Promise)
	if !ok {
		return domain.Result{Success: true, Result: exportValue(v), Logs: logs.lines}
	}

	for {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			return domain.Result{Success: true, Result: exportValue(promise.Result()), Logs: logs.lines}
		case goja.PromiseStateRejected:
			if ctx.Err() != nil {
				return timedOut()
			}
			msg, stack := describeThrown(promise.Result())
			return domain.Result{Error: msg, Stack: stack, Logs: logs.lines}
		}
		if env.calls == 0 {
			return domain.Result{Error: "Script never settled: it awaited a promise nothing can resolve", Logs: logs.lines}
		}
		select {
		case job := <-env.jobs:
			job()
		case <-ctx.Done():
			return timedOut()
		}
	}
}

// scriptEnv is the per-run state shared by the bound functions. Only the
// runtime goroutine touches vm and calls.
type scriptEnv struct {
	vm    *goja.Runtime
	ctx   context.Context
	call  Caller
	jobs  chan func()
	done  chan struct{}
	calls int // bound calls still in flight
}

// install defines the console object and the bindings namespace.
func (e *scriptEnv) install(m domain.BindingManifest, logs *logBuffer) error {
	console := e.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		prefix := ""
		if level != "log" && level != "info" {
			prefix = "[" + level + "] "
		}
		if err := console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = formatLogArg(a)
			}
			logs.add(prefix + strings.Join(parts, " "))
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	if err := e.vm.Set("console", console); err != nil {
		return err
	}

	ns := e.vm.NewObject()
	for _, group := range slices.Sorted(maps.Keys(m.Groups)) {
		g := e.vm.NewObject()
		for _, name := range m.Groups[group] {
			if err := g.Set(name, e.bound(group, name)); err != nil {
				return err
			}
		}
		if err := ns.Set(group, g); err != nil {
			return err
		}
	}

	help := func(goja.FunctionCall) goja.Value { return e.plain(m.Help) }
	available := func(goja.FunctionCall) goja.Value {
		counts := make(map[string]any, len(m.Help))
		for g, methods := range m.Help {
			counts[g] = len(methods)
		}
		return e.vm.ToValue(counts)
	}
	groupMethods := func(call goja.FunctionCall) goja.Value {
		group := call.Argument(0).String()
		names := m.Help[group]
		out := make([]any, 0, len(names)+len(m.Aliases[group]))
		for _, n := range names {
			out = append(out, n)
		}
		for _, n := range m.Aliases[group] {
			out = append(out, n)
		}
		return e.vm.NewArray(out...)
	}
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"help":               help,
		"getAvailableGroups": available,
		"getGroupMethods":    groupMethods,
	} {
		if err := ns.Set(name, fn); err != nil {
			return err
		}
	}

	namespace := m.Namespace
	if namespace == "" {
		namespace = "db"
	}
	return e.vm.Set(namespace, ns)
}

// bound returns the script function for group.method. It returns a promise
// settled on the runtime goroutine once the host call finishes.
func (e *scriptEnv) bound(group, method string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = exportValue(a)
		}

		promise, resolve, reject := e.vm.NewPromise()
		e.calls++

		go func() {
			v, err := e.safeCall(group, method, args)
			job := func() {
				e.calls--
				if err != nil {
					reject(e.vm.NewGoError(err))
					return
				}
				resolve(e.vm.ToValue(v))
			}
			select {
			case e.jobs <- job:
			case <-e.done:
			}
		}()

		return e.vm.ToValue(promise)
	}
}

func (e *scriptEnv) safeCall(group, method string, args []any) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s.%s panicked: %v", group, method, r)
		}
	}()
	return e.call(e.ctx, group, method, args)
}

// plain converts group -> names into a script object of arrays.
func (e *scriptEnv) plain(m map[string][]string) goja.Value {
	obj := e.vm.NewObject()
	for _, k := range slices.Sorted(maps.Keys(m)) {
		items := make([]any, len(m[k]))
		for i, s := range m[k] {
			items[i] = s
		}
		_ = obj.Set(k, e.vm.NewArray(items...))
	}
	return obj
}

// exportValue converts a script value to plain Go data.
func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// describeThrown extracts a message and stack from a thrown value.
func describeThrown(v goja.Value) (msg, stack string) {
	if v == nil || goja.IsUndefined(v) {
		return "Script threw undefined", ""
	}
	if obj, ok := v.(*goja.Object); ok {
		if s := obj.Get("stack"); s != nil && !goja.IsUndefined(s) {
			stack = s.String()
		}
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			return obj.String(), stack
		}
		if data, err := json.Marshal(obj.Export()); err == nil {
			return string(data), stack
		}
	}
	return v.String(), stack
}

// describeRunError converts an error returned by RunString.
func describeRunError(err error) (msg, stack string) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		m, _ := describeThrown(ex.Value())
		return m, ex.String()
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return "SyntaxError: " + syntax.Error(), ""
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return "Execution interrupted: " + interrupted.Error(), interrupted.String()
	}
	return err.Error(), ""
}

func formatLogArg(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if _, ok := v.(*goja.Object); ok {
		if data, err := json.Marshal(v.Export()); err == nil {
			return string(data)
		}
	}
	return v.String()
}

// logBuffer keeps a bounded copy of console output.
type logBuffer struct {
	lines   []string
	dropped int
}

func (b *logBuffer) add(line string) {
	if len(b.lines) >= maxLogLines {
		b.dropped++
		if b.dropped == 1 {
			b.lines[len(b.lines)-1] = "... (further console output dropped)"
		}
		return
	}
	if len(line) > maxLogLineSize {
		line = strings.ToValidUTF8(line[:maxLogLineSize], "") + "..."
	}
	b.lines = append(b.lines, line)
}
