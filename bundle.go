package vmengine

import (
	"fmt"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// ValidateAndMinify runs code through esbuild's transform to catch a
// syntax error at deploy time instead of at first trigger, and returns
// a minified copy for the isolate to run. Unlike the bundling step this
// is grounded on, there is no module graph to resolve — VoidMerge
// handler code is a single script, not an ES module entry point with
// imports — so this only validates and minifies.
func ValidateAndMinify(code string) (string, error) {
	result := esbuild.Transform(code, esbuild.TransformOptions{
		Loader:            esbuild.LoaderJS,
		Target:            esbuild.ES2022,
		MinifyWhitespace:  true,
		MinifyIdentifiers: false,
		MinifySyntax:      true,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", wrapErr(KindInvalidInput, "context code failed to compile", fmt.Errorf("%s", strings.Join(msgs, "; ")))
	}
	return string(result.Code), nil
}
