package mutate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dop251/goja"
	"golang.org/x/net/html"

	"github.com/hazyhaar/abdom/dom"
)

// DefaultScriptTimeout bounds one javascript change.
const DefaultScriptTimeout = 2 * time.Second

// ErrScriptTimeout is returned when a script is interrupted.
var ErrScriptTimeout = errors.New("mutate: script interrupted")

// ScriptRunner executes the code of a javascript change with the matched
// element bound as `element`.
type ScriptRunner interface {
	Run(ctx context.Context, doc *dom.Document, el *html.Node, code string) error
}

// GojaRunner runs scripts in a fresh goja runtime per call. The element is
// exposed through a small DOM-like facade whose writes go through the
// Document, so mutation observers see them.
type GojaRunner struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewGojaRunner creates a runner. timeout <= 0 disables the deadline.
func NewGojaRunner(timeout time.Duration, logger *slog.Logger) *GojaRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &GojaRunner{timeout: timeout, logger: logger}
}

// Run executes code. Exceptions, interrupts and Go panics raised from the
// facade are returned as errors.
func (r *GojaRunner) Run(ctx context.Context, doc *dom.Document, el *html.Node, code string) (err error) {
	vm := goja.New()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("mutate: script panic: %v", rec)
		}
	}()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	if err := vm.Set("element", bindElement(vm, doc, el)); err != nil {
		return fmt.Errorf("mutate: script bind: %w", err)
	}
	if err := vm.Set("console", r.console(vm)); err != nil {
		return fmt.Errorf("mutate: script bind: %w", err)
	}

	_, err = vm.RunString("(function (element) {\n" + code + "\n})(element);")
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return fmt.Errorf("%w: %v", ErrScriptTimeout, interrupted.Value())
		}
		return fmt.Errorf("mutate: script: %w", err)
	}
	return nil
}

func (r *GojaRunner) console(vm *goja.Runtime) *goja.Object {
	o := vm.NewObject()
	logFn := func(level slog.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			r.logger.Log(context.Background(), level, "mutate: script console", "msg", strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	_ = o.Set("log", logFn(slog.LevelInfo))
	_ = o.Set("warn", logFn(slog.LevelWarn))
	_ = o.Set("error", logFn(slog.LevelError))
	return o
}

func bindElement(vm *goja.Runtime, doc *dom.Document, n *html.Node) *goja.Object {
	o := vm.NewObject()
	_ = o.Set("tagName", strings.ToUpper(n.Data))
	_ = o.Set("id", dom.AttrValue(n, "id"))

	_ = o.Set("getAttribute", func(call goja.FunctionCall) goja.Value {
		v, ok := dom.Attr(n, call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(v)
	})
	_ = o.Set("setAttribute", func(call goja.FunctionCall) goja.Value {
		doc.SetAttr(n, call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	_ = o.Set("removeAttribute", func(call goja.FunctionCall) goja.Value {
		doc.RemoveAttr(n, call.Argument(0).String())
		return goja.Undefined()
	})
	_ = o.Set("hasAttribute", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(dom.HasAttr(n, call.Argument(0).String()))
	})
	_ = o.Set("remove", func(goja.FunctionCall) goja.Value {
		doc.Remove(n)
		return goja.Undefined()
	})

	_ = o.DefineAccessorProperty("textContent",
		vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(dom.Text(n)) }),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			doc.SetText(n, call.Argument(0).String())
			return goja.Undefined()
		}),
		goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = o.DefineAccessorProperty("innerHTML",
		vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(dom.InnerHTML(n)) }),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			if err := doc.SetInnerHTML(n, call.Argument(0).String()); err != nil {
				panic(vm.NewGoError(err))
			}
			return goja.Undefined()
		}),
		goja.FLAG_FALSE, goja.FLAG_TRUE)

	_ = o.Set("classList", bindClassList(vm, doc, n))
	_ = o.Set("style", bindStyle(vm, doc, n))
	return o
}

func bindClassList(vm *goja.Runtime, doc *dom.Document, n *html.Node) *goja.Object {
	o := vm.NewObject()
	names := func(call goja.FunctionCall) []string {
		out := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			out[i] = a.String()
		}
		return out
	}
	_ = o.Set("add", func(call goja.FunctionCall) goja.Value {
		doc.AddClasses(n, names(call)...)
		return goja.Undefined()
	})
	_ = o.Set("remove", func(call goja.FunctionCall) goja.Value {
		doc.RemoveClasses(n, names(call)...)
		return goja.Undefined()
	})
	_ = o.Set("contains", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(dom.HasClass(n, call.Argument(0).String()))
	})
	_ = o.Set("toggle", func(call goja.FunctionCall) goja.Value {
		c := call.Argument(0).String()
		if dom.HasClass(n, c) {
			doc.RemoveClasses(n, c)
			return vm.ToValue(false)
		}
		doc.AddClasses(n, c)
		return vm.ToValue(true)
	})
	return o
}

func bindStyle(vm *goja.Runtime, doc *dom.Document, n *html.Node) *goja.Object {
	o := vm.NewObject()
	_ = o.Set("setProperty", func(call goja.FunctionCall) goja.Value {
		important := call.Argument(2).String() == "important"
		doc.SetStyleProperty(n, call.Argument(0).String(), call.Argument(1).String(), important)
		return goja.Undefined()
	})
	_ = o.Set("removeProperty", func(call goja.FunctionCall) goja.Value {
		doc.SetStyleProperty(n, call.Argument(0).String(), "", false)
		return goja.Undefined()
	})
	_ = o.Set("getPropertyValue", func(call goja.FunctionCall) goja.Value {
		v, _ := dom.StyleProperty(n, call.Argument(0).String())
		return vm.ToValue(v)
	})
	return o
}
