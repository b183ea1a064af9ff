package script

// JsRuntime evaluates a script with the given variables bound as globals
// and returns the value of the final expression.
type JsRuntime interface {
	RunScript(script string, variables map[string]any) (any, error)
}
