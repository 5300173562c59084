package middleware

import (
	"context"
	"fmt"
	"strings"

	"duplex-rpc/message"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateParams checks the params of calls to the listed methods against a
// JSON Schema before the handler runs. Calls that do not validate are answered
// with InvalidParams and never reach the handler. Methods without a schema pass
// through. Schemas are compiled once, here.
func ValidateParams(schemas map[string]string) (Middleware, error) {
	compiled := make(map[string]*gojsonschema.Schema, len(schemas))
	for method, src := range schemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("middleware: schema for %q: %w", method, err)
		}
		compiled[method] = schema
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			schema, ok := compiled[req.Method]
			if !ok {
				return next(ctx, req)
			}

			params := req.Params
			if len(params) == 0 {
				params = []byte("null")
			}
			result, err := schema.Validate(gojsonschema.NewBytesLoader(params))
			if err != nil {
				return message.NewErrorReply(req.ID, message.NewError(message.InvalidParams, "params: %v", err))
			}
			if !result.Valid() {
				details := make([]string, 0, len(result.Errors()))
				for _, desc := range result.Errors() {
					details = append(details, desc.String())
				}
				return message.NewErrorReply(req.ID, message.NewError(message.InvalidParams, "params: %s", strings.Join(details, "; ")))
			}
			return next(ctx, req)
		}
	}, nil
}
