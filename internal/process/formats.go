// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"mime"
	"sort"
	"strings"
	"sync"
)

// Well-known media types that skip remote IANA validation.
var knownMediaTypes = map[string]bool{
	"text/plain":                        true,
	"text/csv":                          true,
	"text/html":                         true,
	"application/json":                  true,
	"application/xml":                   true,
	"application/x-yaml":                true,
	"application/octet-stream":          true,
	"application/zip":                   true,
	"application/pdf":                   true,
	"application/x-netcdf":              true,
	"application/metalink+xml":          true,
	"application/metalink4+xml":         true,
	"application/geo+json":              true,
	"application/gml+xml":               true,
	"image/jpeg":                        true,
	"image/png":                         true,
	"image/tiff":                        true,
	"image/tiff;subtype=geotiff":        true,
	"image/tiff; application=geotiff":   true,
	"application/x-hdf":                 true,
	"application/x-hdf5":                true,
	"application/x-tar":                 true,
	"application/gzip":                  true,
	"application/vnd.oai.openapi+json":  true,
	"application/cwl":                   true,
	"application/cwl+yaml":              true,
	"application/ogcapppkg+json":        true,
	"application/prs.coverage+json":     true,
	"application/vnd.google-earth.kml+xml": true,
}

// EDAM ontology format identifiers mapped to their IANA equivalents.
// Only mappings with a known IANA counterpart are listed; unknown EDAM
// references are preserved verbatim in the format schema field.
var edamToIANA = map[string]string{
	"format_1915": "application/octet-stream", // generic format
	"format_2330": "text/plain",
	"format_2333": "application/octet-stream", // binary
	"format_3464": "application/json",
	"format_2332": "application/xml",
	"format_3750": "application/x-yaml",
	"format_3475": "text/csv",
	"format_2331": "text/html",
	"format_3650": "application/x-netcdf",
	"format_3590": "application/x-hdf5",
	"format_3591": "image/tiff; application=geotiff",
	"format_3603": "image/png",
	"format_3604": "image/jpeg",
	"format_3857": "application/cwl",
}

const edamNamespace = "http://edamontology.org/"

// NormalizeMediaType canonicalises a media type string, lower-casing the
// type/subtype and sorting parameters while preserving their values.
func NormalizeMediaType(mediaType string) string {
	mt, params, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mediaType))
	}
	if len(params) == 0 {
		return mt
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(mt)
	for _, k := range keys {
		b.WriteString("; ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(params[k])
	}
	return b.String()
}

// IsKnownMediaType reports whether the media type is in the built-in table
// and therefore needs no remote validation.
func IsKnownMediaType(mediaType string) bool {
	if knownMediaTypes[mediaType] {
		return true
	}
	return knownMediaTypes[NormalizeMediaType(mediaType)]
}

// ResolveFormatURI converts a CWL format ontology reference to a media type.
// EDAM URIs with a known mapping become their IANA equivalent; IANA
// references (https://www.iana.org/assignments/media-types/<type>) are
// unwrapped; anything else is returned as-is with ok = false.
func ResolveFormatURI(uri string) (mediaType string, ok bool) {
	switch {
	case strings.HasPrefix(uri, edamNamespace):
		id := strings.TrimPrefix(uri, edamNamespace)
		if mt, found := edamToIANA[id]; found {
			return mt, true
		}
		return uri, false
	case strings.HasPrefix(uri, "edam:"):
		id := strings.TrimPrefix(uri, "edam:")
		if mt, found := edamToIANA[id]; found {
			return mt, true
		}
		return uri, false
	case strings.Contains(uri, "iana.org/assignments/media-types/"):
		idx := strings.Index(uri, "media-types/")
		mt := uri[idx+len("media-types/"):]
		if mt != "" {
			return NormalizeMediaType(mt), true
		}
		return uri, false
	case strings.Contains(uri, "/"):
		// A bare media type used directly as format.
		if IsKnownMediaType(uri) {
			return NormalizeMediaType(uri), true
		}
		return uri, false
	}
	return uri, false
}

// formatCache memoizes format URI resolutions for the process lifetime.
var formatCache sync.Map

// ResolveFormatURICached is ResolveFormatURI behind a process-local cache.
func ResolveFormatURICached(uri string) (string, bool) {
	if v, found := formatCache.Load(uri); found {
		r := v.(cachedFormat)
		return r.mediaType, r.ok
	}
	mt, ok := ResolveFormatURI(uri)
	formatCache.Store(uri, cachedFormat{mediaType: mt, ok: ok})
	return mt, ok
}

type cachedFormat struct {
	mediaType string
	ok        bool
}
