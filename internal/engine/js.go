package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// JSFactory creates goja JavaScript engines.
type JSFactory struct{}

// NewJS returns a factory for JavaScript engines.
func NewJS() JSFactory {
	return JSFactory{}
}

// New implements Factory.
func (JSFactory) New(host Host) (Engine, error) {
	vm := goja.New()
	e := &jsEngine{vm: vm, host: host}
	if err := e.install(); err != nil {
		return nil, err
	}
	return e, nil
}

type jsEngine struct {
	vm   *goja.Runtime
	host Host
}

// install registers the builtins every session gets.
func (e *jsEngine) install() error {
	printFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		if e.host.Output != nil {
			fmt.Fprintln(e.host.Output, strings.Join(parts, " "))
		}
		return goja.Undefined()
	}
	if err := e.vm.Set("print", printFn); err != nil {
		return err
	}

	console := e.vm.NewObject()
	if err := console.Set("log", printFn); err != nil {
		return err
	}
	if err := e.vm.Set("console", console); err != nil {
		return err
	}

	if err := e.vm.Set("history", func() []string {
		if e.host.History == nil {
			return nil
		}
		return e.host.History()
	}); err != nil {
		return err
	}

	return e.vm.Set("exit", func() {
		if e.host.Exit != nil {
			e.host.Exit()
		}
	})
}

func (e *jsEngine) Execute(src string) (string, error) {
	v, err := e.vm.RunString(src)
	if err != nil {
		return "", NewEvalError(err)
	}
	return render(v), nil
}

func (e *jsEngine) Interrupt(reason string) {
	e.vm.Interrupt(reason)
}

func (e *jsEngine) Close() error {
	e.vm.Interrupt("engine closed")
	return nil
}

// render turns a result into the text shown to the operator. Undefined
// renders as nothing, plain objects and arrays as JSON.
func render(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return ""
	}
	if goja.IsNull(v) {
		return "null"
	}
	if _, ok := v.(*goja.Object); ok {
		switch exported := v.Export().(type) {
		case map[string]interface{}, []interface{}:
			if data, err := json.Marshal(exported); err == nil {
				return string(data)
			}
		}
	}
	return v.String()
}
