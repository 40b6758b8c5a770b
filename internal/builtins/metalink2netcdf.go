// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package builtins

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"

	"github.com/weaverproc/weaver/internal/fetch"
	"github.com/weaverproc/weaver/internal/process"
)

// Metalink namespaces: v3 uses metalinker.org, v4 the IETF urn.
const (
	nsMetalink3 = "http://www.metalinker.org/"
	nsMetalink4 = "urn:ietf:params:xml:ns:metalink"
)

func init() {
	register(&Builtin{
		Process: describe("metalink2netcdf", "Metalink to NetCDF",
			"Fetches the n-th NetCDF file referenced by a Metalink v3/v4 document.",
			[]process.IODescriptor{
				complexIO("input", "Metalink document", "application/metalink+xml", 1, 1),
				literalIO("index", "One-based file index", process.LiteralInteger, 1),
			},
			[]process.IODescriptor{
				complexIO("output", "Fetched NetCDF file", netcdfMediaType, 1, 1),
			}),
		Run: runMetalink2NetCDF,
	})
}

// metalinkFile is one <file> entry; v4 puts urls directly under the file,
// v3 nests them in <resources>.
type metalinkFile struct {
	Name         string   `xml:"name,attr"`
	URLs         []string `xml:"url"`
	ResourceURLs []string `xml:"resources>url"`
}

func (f *metalinkFile) urls() []string {
	if len(f.URLs) > 0 {
		return f.URLs
	}
	return f.ResourceURLs
}

// metalinkDoc matches <metalink> in either namespace; <files> wrapping is
// v3-only, v4 puts <file> directly under the root.
type metalinkDoc struct {
	XMLName     xml.Name
	Files       []metalinkFile `xml:"files>file"`
	DirectFiles []metalinkFile `xml:"file"`
}

func (d *metalinkDoc) entries() []metalinkFile {
	if len(d.Files) > 0 {
		return d.Files
	}
	return d.DirectFiles
}

func runMetalink2NetCDF(ctx context.Context, rc *RunContext, inputs map[string]any) (map[string]any, error) {
	path, err := stagedPath(inputs["input"])
	if err != nil {
		return nil, fmt.Errorf("metalink2netcdf: %w", err)
	}
	index, err := toInt(inputs["index"])
	if err != nil {
		return nil, fmt.Errorf("metalink2netcdf: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metalink2netcdf: %w", err)
	}

	var doc metalinkDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("metalink2netcdf: invalid metalink document: %w", err)
	}
	if doc.XMLName.Space != nsMetalink3 && doc.XMLName.Space != nsMetalink4 {
		return nil, fmt.Errorf("metalink2netcdf: unsupported metalink namespace %q", doc.XMLName.Space)
	}

	entries := doc.entries()
	// The index is one-based, following the metalink file ordering.
	if index < 1 || index > len(entries) {
		return nil, fmt.Errorf("metalink2netcdf: index %d out of range for %d files", index, len(entries))
	}
	entry := entries[index-1]
	urls := entry.urls()
	if len(urls) == 0 {
		return nil, fmt.Errorf("metalink2netcdf: file %q has no URL", entry.Name)
	}

	url := urls[0]
	if err := requireNetCDF(url); err != nil {
		return nil, fmt.Errorf("metalink2netcdf: %w", err)
	}

	res, err := rc.Fetcher.Fetch(ctx, url, rc.WorkDir, fetch.WithExpectedMediaType(netcdfMediaType))
	if err != nil {
		return nil, fmt.Errorf("metalink2netcdf: failed to fetch %s: %w", url, err)
	}
	return map[string]any{"output": fileOutput(res.LocalPath)}, nil
}
