// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/weaverproc/weaver/internal/apperr"
)

// validateDeclaredSchemas checks every schema fragment of the submitted
// description against the OpenAPI schema object rules, including that any
// declared default satisfies its own schema.
func validateDeclaredSchemas(ctx context.Context, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var desc struct {
		Inputs  map[string]struct {
			Schema json.RawMessage `json:"schema"`
		} `json:"inputs"`
		Outputs map[string]struct {
			Schema json.RawMessage `json:"schema"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil
	}

	for id, in := range desc.Inputs {
		if err := validateSchema(ctx, id, in.Schema); err != nil {
			return err
		}
	}
	for id, out := range desc.Outputs {
		if err := validateSchema(ctx, id, out.Schema); err != nil {
			return err
		}
	}
	return nil
}

func validateSchema(ctx context.Context, ioID string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var schema openapi3.Schema
	if err := schema.UnmarshalJSON(raw); err != nil {
		return apperr.Wrap(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
			"Invalid schema", fmt.Sprintf("schema of %q is not a valid schema object", ioID), err)
	}
	if err := schema.Validate(ctx); err != nil {
		return apperr.Wrap(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
			"Invalid schema", fmt.Sprintf("schema of %q is invalid", ioID), err)
	}
	if schema.Default != nil {
		if err := schema.VisitJSON(schema.Default); err != nil {
			return apperr.Wrap(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
				"Invalid schema", fmt.Sprintf("default of %q does not satisfy its schema", ioID), err)
		}
	}
	return nil
}
