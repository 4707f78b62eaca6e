package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dop251/goja"

	"agentflow/internal/security/pathguard"
)

// fetchBinding returns a synchronous subset of the WHATWG fetch API:
// fetch(url, {method, headers, body}) -> {status, ok, text(), json()}.
// Failures are thrown into the script as JavaScript errors.
func (e *Executor) fetchBinding(ctx context.Context, vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		target := call.Argument(0).String()
		if !pathguard.IsValidURL(target) {
			panic(vm.NewTypeError("fetch: invalid URL"))
		}

		method := http.MethodGet
		var body io.Reader
		headers := map[string]string{}

		if opts := call.Argument(1); !goja.IsUndefined(opts) && !goja.IsNull(opts) {
			exported, ok := opts.Export().(map[string]any)
			if !ok {
				panic(vm.NewTypeError("fetch: options must be an object"))
			}
			if m, ok := exported["method"].(string); ok && m != "" {
				method = strings.ToUpper(m)
			}
			if b, ok := exported["body"].(string); ok {
				body = strings.NewReader(b)
			}
			switch h := exported["headers"].(type) {
			case map[string]string:
				for k, v := range h {
					headers[k] = v
				}
			case map[string]any:
				for k, v := range h {
					headers[k] = fmt.Sprint(v)
				}
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("fetch failed: %w", err)))
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBodyBytes))
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("fetch read failed: %w", err)))
		}
		text := string(raw)

		res := vm.NewObject()
		_ = res.Set("status", resp.StatusCode)
		_ = res.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
		_ = res.Set("text", func() string { return text })
		_ = res.Set("json", func() goja.Value {
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				panic(vm.NewGoError(fmt.Errorf("invalid JSON response: %w", err)))
			}
			return vm.ToValue(decoded)
		})
		return res
	}
}
