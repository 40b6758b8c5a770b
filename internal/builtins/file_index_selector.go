// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package builtins

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/weaverproc/weaver/internal/process"
)

func init() {
	register(&Builtin{
		Process: describe("file_index_selector", "File index selector",
			"Selects one file from an input array by zero-based index.",
			[]process.IODescriptor{
				complexIO("files", "Candidate files", "application/octet-stream", 1, process.Unbounded),
				literalIO("index", "Zero-based index", process.LiteralInteger, 1),
			},
			[]process.IODescriptor{
				complexIO("output", "Selected file", "application/octet-stream", 1, 1),
			}),
		Run: runFileIndexSelector,
	})
}

func runFileIndexSelector(_ context.Context, rc *RunContext, inputs map[string]any) (map[string]any, error) {
	files, ok := inputs["files"].([]any)
	if !ok {
		if single, err := stagedPath(inputs["files"]); err == nil {
			files = []any{fileOutput(single)}
		} else {
			return nil, fmt.Errorf("file_index_selector: expected a file array")
		}
	}

	index, err := toInt(inputs["index"])
	if err != nil {
		return nil, fmt.Errorf("file_index_selector: %w", err)
	}
	if index < 0 || index >= len(files) {
		return nil, fmt.Errorf("file_index_selector: index %d out of range for %d files", index, len(files))
	}

	src, err := stagedPath(files[index])
	if err != nil {
		return nil, fmt.Errorf("file_index_selector: %w", err)
	}
	dest := filepath.Join(rc.WorkDir, filepath.Base(src))
	if err := copyLocal(src, dest); err != nil {
		return nil, fmt.Errorf("file_index_selector: %w", err)
	}
	return map[string]any{"output": fileOutput(dest)}, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

func copyLocal(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
