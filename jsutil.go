package vmengine

import v8 "github.com/tommie/v8go"

// newJSObject creates a new empty JavaScript object in ctx.
func newJSObject(iso *v8.Isolate, ctx *v8.Context) (*v8.Object, error) {
	return v8.NewObjectTemplate(iso).NewInstance(ctx)
}
