// Package sandbox runs fixed JavaScript programs in an isolated goja
// runtime. Scripts see only the values passed as bindings and an injected
// synchronous fetch; there is no filesystem, process or module access.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/dop251/goja"

	aferrors "agentflow/internal/errors"
	"agentflow/internal/logging"
	"agentflow/internal/observability"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxBodyBytes = 10 << 20
)

var bindingName = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// reserved names cannot be overridden by bindings.
var reserved = map[string]struct{}{
	"fetch": {}, "JSON": {}, "Object": {}, "Array": {}, "Function": {}, "eval": {}, "globalThis": {},
}

// Request is a script plus the values it may read. Script must be a fixed
// template owned by the caller; untrusted data travels only in Bindings.
type Request struct {
	Script   string
	Bindings map[string]any
	Timeout  time.Duration
}

// Config configures an Executor.
type Config struct {
	Timeout      time.Duration
	HTTPClient   *http.Client
	MaxBodyBytes int64
	Logger       logging.Logger
}

// Executor evaluates sandbox requests. It is safe for concurrent use; each
// call gets a fresh runtime.
type Executor struct {
	timeout      time.Duration
	client       *http.Client
	maxBodyBytes int64
	logger       logging.Logger
}

// New builds an Executor with defaults for zero fields.
func New(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Executor{
		timeout:      cfg.Timeout,
		client:       cfg.HTTPClient,
		maxBodyBytes: cfg.MaxBodyBytes,
		logger:       logging.OrNop(cfg.Logger),
	}
}

// Execute runs req.Script and returns the exported value of its last
// expression. Anything thrown, a timeout, or a cancelled ctx comes back as a
// *errors.SandboxError; a panic inside a binding never escapes.
func (e *Executor) Execute(ctx context.Context, req Request) (result any, err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanSandboxExec)
	defer func() { observability.EndSpan(span, err) }()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	for name, value := range req.Bindings {
		if !bindingName.MatchString(name) {
			return nil, &aferrors.SandboxError{Message: fmt.Sprintf("invalid binding name %q", name)}
		}
		if _, ok := reserved[name]; ok {
			return nil, &aferrors.SandboxError{Message: fmt.Sprintf("binding %q is reserved", name)}
		}
		if err := vm.Set(name, value); err != nil {
			return nil, &aferrors.SandboxError{Message: "bind " + name, Err: err}
		}
	}
	if err := vm.Set("fetch", e.fetchBinding(ctx, vm)); err != nil {
		return nil, &aferrors.SandboxError{Message: "bind fetch", Err: err}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sandbox panic recovered: %v", r)
			result = nil
			err = &aferrors.SandboxError{Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	value, runErr := vm.RunString(req.Script)
	if runErr != nil {
		return nil, e.translate(runErr)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

func (e *Executor) translate(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok && errors.Is(cause, context.Canceled) {
			return &aferrors.SandboxError{Message: "execution cancelled", Err: cause}
		}
		return &aferrors.SandboxError{TimedOut: true, Err: err}
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		msg := exception.Error()
		if v := exception.Value(); v != nil {
			if obj, ok := v.(*goja.Object); ok {
				if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
					msg = m.String()
				}
			} else {
				msg = v.String()
			}
		}
		return &aferrors.SandboxError{Message: msg, Err: err}
	}
	return &aferrors.SandboxError{Message: err.Error(), Err: err}
}
