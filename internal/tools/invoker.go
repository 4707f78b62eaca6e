package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"

	"agentflow/internal/agent/ports"
	aferrors "agentflow/internal/errors"
	"agentflow/internal/logging"
	"agentflow/internal/observability"
)

const schemaCacheSize = 512

// Invoker validates arguments against a tool's input schema and runs it.
// Every failure comes back as an *errors.ToolError so the loop can turn it
// into an observation.
type Invoker struct {
	schemas *lru.Cache[string, *jsonschema.Schema]
	logger  logging.Logger
	metrics *observability.MetricsCollector
}

// NewInvoker creates an invoker. metrics may be nil.
func NewInvoker(logger logging.Logger, metrics *observability.MetricsCollector) *Invoker {
	cache, _ := lru.New[string, *jsonschema.Schema](schemaCacheSize)
	return &Invoker{schemas: cache, logger: logging.OrNop(logger), metrics: metrics}
}

// Invoke runs tool with args.
func (inv *Invoker) Invoke(ctx context.Context, tool ports.ToolExecutor, call ports.ToolCall) (result *ports.ToolResult, err error) {
	def := tool.Definition()
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}

	ctx, span := observability.StartSpan(ctx, observability.SpanToolInvoke,
		attribute.String(observability.AttrToolName, def.Name))
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		inv.metrics.RecordToolCall(ctx, def.Name, status, time.Since(start))
		observability.EndSpan(span, err)
	}()

	if err := inv.validate(def, call.Arguments); err != nil {
		return nil, &aferrors.ToolError{Tool: def.Name, Kind: aferrors.ToolErrorInput, Detail: err.Error(), Err: err}
	}

	result, err = tool.Execute(ctx, call)
	if err != nil {
		if te, ok := aferrors.AsToolError(err); ok {
			return nil, te
		}
		inv.logger.Warn("tool %s failed: %v", def.Name, err)
		return nil, &aferrors.ToolError{Tool: def.Name, Kind: aferrors.ToolErrorExecution, Err: err}
	}
	if result == nil {
		result = &ports.ToolResult{}
	}
	if result.CallID == "" {
		result.CallID = call.ID
	}
	return result, nil
}

func (inv *Invoker) validate(def ports.ToolDefinition, args map[string]any) error {
	if def.Parameters.Type == "" {
		return nil
	}
	schema, err := inv.compile(def)
	if err != nil {
		return fmt.Errorf("tool %s has an invalid schema: %w", def.Name, err)
	}

	// Round-trip through JSON so numbers and nested values look exactly like
	// decoded model output.
	encoded, err := json.Marshal(args)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("arguments do not match schema: %s", verr.Error())
		}
		return err
	}
	return nil
}

func (inv *Invoker) compile(def ports.ToolDefinition) (*jsonschema.Schema, error) {
	raw, err := schemaDocument(def.Parameters)
	if err != nil {
		return nil, err
	}
	key := def.Name + "\x00" + string(raw)
	if cached, ok := inv.schemas.Get(key); ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	location := "tool://" + def.Name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(location, doc); err != nil {
		return nil, err
	}
	schema, err := c.Compile(location)
	if err != nil {
		return nil, err
	}
	inv.schemas.Add(key, schema)
	return schema, nil
}

// schemaDocument renders a ParameterSchema as a JSON schema, dropping the
// empty members that would make it invalid.
func schemaDocument(params ports.ParameterSchema) ([]byte, error) {
	doc := map[string]any{"type": params.Type}
	if len(params.Properties) > 0 {
		props := make(map[string]any, len(params.Properties))
		for name, prop := range params.Properties {
			props[name] = propertyDocument(prop)
		}
		doc["properties"] = props
	}
	if len(params.Required) > 0 {
		doc["required"] = params.Required
	}
	return json.Marshal(doc)
}

func propertyDocument(prop ports.Property) map[string]any {
	out := map[string]any{}
	if prop.Type != "" {
		out["type"] = prop.Type
	}
	if prop.Description != "" {
		out["description"] = prop.Description
	}
	if len(prop.Enum) > 0 {
		out["enum"] = prop.Enum
	}
	if prop.Items != nil {
		out["items"] = propertyDocument(*prop.Items)
	}
	return out
}
