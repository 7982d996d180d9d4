package vmengine

import (
	"fmt"
	"strings"
	"time"

	v8 "github.com/tommie/v8go"
)

// setupConsole installs a minimal, log-forwarding console on globalThis.
// Each call appends a LogEntry to the trigger's log buffer via addLog;
// there is no time/count/table/group extension surface, since VoidMerge
// handlers are headless request/response functions, not browser scripts.
func setupConsole(iso *v8.Isolate, ctx *v8.Context, addLog func(level, msg string)) error {
	console, err := newJSObject(iso, ctx)
	if err != nil {
		return fmt.Errorf("creating console object: %w", err)
	}

	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		lvl := level
		ft := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
			args := info.Args()
			parts := make([]string, 0, len(args))
			for _, arg := range args {
				parts = append(parts, arg.String())
			}
			addLog(lvl, strings.Join(parts, " "))
			return v8.Undefined(iso)
		})
		if err := console.Set(lvl, ft.GetFunction(ctx)); err != nil {
			return fmt.Errorf("setting console.%s: %w", lvl, err)
		}
	}

	return ctx.Global().Set("console", console)
}

// logEntry is a convenience constructor used by callers of addLog when
// they want to keep a typed slice of captured output.
func logEntry(level, msg string) LogEntry {
	return LogEntry{Level: level, Message: msg, Time: time.Now()}
}
