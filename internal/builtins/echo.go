// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package builtins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/weaverproc/weaver/internal/process"
)

func init() {
	register(&Builtin{
		Process: describe("echo", "Echo", "Writes the input message back as a text file output.",
			[]process.IODescriptor{
				literalIO("message", "Message to echo", process.LiteralString, 1),
			},
			[]process.IODescriptor{
				complexIO("output", "Echoed message", "text/plain", 1, 1),
			}),
		Run: runEcho,
	})
}

func runEcho(_ context.Context, rc *RunContext, inputs map[string]any) (map[string]any, error) {
	message, ok := inputs["message"]
	if !ok {
		return nil, fmt.Errorf("echo: missing input %q", "message")
	}
	dest := filepath.Join(rc.WorkDir, "output.txt")
	if err := os.WriteFile(dest, []byte(fmt.Sprint(message)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("echo: failed to write output: %w", err)
	}
	return map[string]any{"output": fileOutput(dest)}, nil
}
