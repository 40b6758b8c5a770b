// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/weaverproc/weaver/internal/fetch"
	"github.com/weaverproc/weaver/internal/process"
)

const netcdfMediaType = "application/x-netcdf"

func init() {
	register(&Builtin{
		Process: describe("jsonarray2netcdf", "JSON array to NetCDF",
			"Fetches every NetCDF file referenced by the input JSON array.",
			[]process.IODescriptor{
				complexIO("input", "JSON array of NetCDF URLs", "application/json", 1, 1),
			},
			[]process.IODescriptor{
				complexIO("output", "Fetched NetCDF files", netcdfMediaType, 1, process.Unbounded),
			}),
		Run: runJSONArray2NetCDF,
	})
}

func runJSONArray2NetCDF(ctx context.Context, rc *RunContext, inputs map[string]any) (map[string]any, error) {
	path, err := stagedPath(inputs["input"])
	if err != nil {
		return nil, fmt.Errorf("jsonarray2netcdf: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jsonarray2netcdf: %w", err)
	}

	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		return nil, fmt.Errorf("jsonarray2netcdf: input is not a JSON array of strings: %w", err)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("jsonarray2netcdf: input array is empty")
	}

	outputs := make([]any, 0, len(urls))
	for _, u := range urls {
		if err := requireNetCDF(u); err != nil {
			return nil, fmt.Errorf("jsonarray2netcdf: %w", err)
		}
		// The fetcher enforces scheme and allowlist rules; local paths
		// outside the allowed directories are rejected there.
		res, err := rc.Fetcher.Fetch(ctx, u, rc.WorkDir, fetch.WithExpectedMediaType(netcdfMediaType))
		if err != nil {
			return nil, fmt.Errorf("jsonarray2netcdf: failed to fetch %s: %w", u, err)
		}
		outputs = append(outputs, fileOutput(res.LocalPath))
	}
	return map[string]any{"output": outputs}, nil
}

// requireNetCDF rejects references that do not carry a .nc extension.
func requireNetCDF(url string) error {
	trimmed := url
	if idx := strings.IndexAny(trimmed, "?#"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if !strings.HasSuffix(strings.ToLower(trimmed), ".nc") {
		return fmt.Errorf("reference %q is not a NetCDF file", url)
	}
	return nil
}
