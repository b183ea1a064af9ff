package js

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"github.com/pbinitiative/zensbpm/pkg/script"
)

type JsRunnerFactory struct {
}

func (JsRunnerFactory) NewRunner() script.Runner {
	return newJsRunner()
}

type JsRuntime struct {
	pool *script.RunnerPool
}

func NewJsRuntime(ctx context.Context, maxVmPoolSize int, minVmPoolSize int) *JsRuntime {
	return &JsRuntime{
		pool: script.NewRunnerPool(ctx, JsRunnerFactory{}, maxVmPoolSize, minVmPoolSize),
	}
}

func (r *JsRuntime) RunScript(src string, variables map[string]any) (any, error) {
	var runner = r.pool.GetRunnerFromPool()
	defer r.pool.ReturnRunnerToPool(runner)

	return runner.(*JsRunner).runScript(src, variables)
}

type JsRunner struct {
	vm *goja.Runtime
}

func (r *JsRunner) Runner() {}

func newJsRunner() *JsRunner {
	r := JsRunner{vm: goja.New()}
	return &r
}

func (r *JsRunner) runScript(src string, variables map[string]any) (any, error) {
	for k, v := range variables {
		if err := r.vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("error binding variable %q: %w", k, err)
		}
	}
	// unbind afterwards so a pooled vm does not leak variables into the next run
	defer func() {
		for k := range variables {
			_ = r.vm.GlobalObject().Delete(k)
		}
	}()
	resp, err := r.vm.RunString(src)
	if err != nil {
		return nil, fmt.Errorf("error running script %q: %w", src, err)
	}
	return resp.Export(), nil
}
