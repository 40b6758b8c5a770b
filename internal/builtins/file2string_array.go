// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package builtins

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/weaverproc/weaver/internal/process"
)

func init() {
	register(&Builtin{
		Process: describe("file2string_array", "File to string array",
			"Reads a text file and returns its lines as a string array.",
			[]process.IODescriptor{
				complexIO("input", "Text file", "text/plain", 1, 1),
			},
			[]process.IODescriptor{
				{
					ID:        "output",
					Title:     "Lines",
					Class:     process.ClassLiteral,
					Literal:   &process.LiteralSpec{Kind: process.LiteralString},
					MinOccurs: 0,
					MaxOccurs: process.Unbounded,
				},
			}),
		Run: runFile2StringArray,
	})
}

func runFile2StringArray(_ context.Context, _ *RunContext, inputs map[string]any) (map[string]any, error) {
	path, err := stagedPath(inputs["input"])
	if err != nil {
		return nil, fmt.Errorf("file2string_array: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("file2string_array: %w", err)
	}
	defer f.Close()

	lines := []any{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("file2string_array: failed to read %s: %w", path, err)
	}
	return map[string]any{"output": lines}, nil
}
