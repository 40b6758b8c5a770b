// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package wps implements a WPS 1.0.0 client used to register remote
// providers and to dispatch workflow steps onto WPS-only services.
package wps

import "encoding/xml"

// Capabilities is the WPS GetCapabilities response.
type Capabilities struct {
	XMLName         xml.Name      `xml:"Capabilities"`
	Version         string        `xml:"version,attr"`
	Identification  ServiceIdent  `xml:"ServiceIdentification"`
	ProcessOffering []BriefumType `xml:"ProcessOfferings>Process"`
}

// ServiceIdent is the OWS service identification block.
type ServiceIdent struct {
	Title    string   `xml:"Title"`
	Abstract string   `xml:"Abstract"`
	Keywords []string `xml:"Keywords>Keyword"`
}

// BriefumType is the brief process listing inside capabilities.
type BriefumType struct {
	Identifier string `xml:"Identifier"`
	Title      string `xml:"Title"`
	Abstract   string `xml:"Abstract"`
	Version    string `xml:"processVersion,attr"`
}

// ProcessDescriptions is the DescribeProcess response envelope.
type ProcessDescriptions struct {
	XMLName   xml.Name             `xml:"ProcessDescriptions"`
	XMLNS     string               `xml:"xmlns,attr,omitempty"`
	Processes []ProcessDescription `xml:"ProcessDescription"`
}

// ProcessDescription is one full WPS process description.
type ProcessDescription struct {
	Identifier      string       `xml:"Identifier"`
	Title           string       `xml:"Title"`
	Abstract        string       `xml:"Abstract"`
	Version         string       `xml:"processVersion,attr"`
	StatusSupported bool         `xml:"statusSupported,attr"`
	StoreSupported  bool         `xml:"storeSupported,attr"`
	Inputs          []InputDesc  `xml:"DataInputs>Input"`
	Outputs         []OutputDesc `xml:"ProcessOutputs>Output"`
}

// InputDesc is one described input.
type InputDesc struct {
	Identifier  string       `xml:"Identifier"`
	Title       string       `xml:"Title"`
	Abstract    string       `xml:"Abstract"`
	MinOccurs   *int         `xml:"minOccurs,attr"`
	MaxOccurs   string       `xml:"maxOccurs,attr"`
	Literal     *LiteralDesc `xml:"LiteralData"`
	Complex     *ComplexDesc `xml:"ComplexData"`
	BoundingBox *BBoxDesc    `xml:"BoundingBoxData"`
}

// OutputDesc is one described output.
type OutputDesc struct {
	Identifier  string       `xml:"Identifier"`
	Title       string       `xml:"Title"`
	Abstract    string       `xml:"Abstract"`
	Literal     *LiteralDesc `xml:"LiteralOutput"`
	Complex     *ComplexDesc `xml:"ComplexOutput"`
	BoundingBox *BBoxDesc    `xml:"BoundingBoxOutput"`
}

// LiteralDesc describes literal data with its OGC datatype reference.
type LiteralDesc struct {
	DataType      *DataTypeRef `xml:"DataType"`
	DefaultValue  string       `xml:"DefaultValue"`
	AllowedValues []string     `xml:"AllowedValues>Value"`
	AnyValue      *struct{}    `xml:"AnyValue"`
	UOMs          []string     `xml:"UOMs>Default>UOM"`
}

// DataTypeRef carries the xs: datatype reference of a literal.
type DataTypeRef struct {
	Reference string `xml:"reference,attr"`
	Value     string `xml:",chardata"`
}

// ComplexDesc describes complex data and its formats.
type ComplexDesc struct {
	MaximumMegabytes int         `xml:"maximumMegabytes,attr"`
	Default          *FormatDesc `xml:"Default>Format"`
	Supported        []FormatDesc `xml:"Supported>Format"`
}

// FormatDesc is one complex data format.
type FormatDesc struct {
	MimeType string `xml:"MimeType"`
	Encoding string `xml:"Encoding"`
	Schema   string `xml:"Schema"`
}

// BBoxDesc describes bounding box data with its CRS list.
type BBoxDesc struct {
	DefaultCRS   string   `xml:"Default>CRS"`
	SupportedCRS []string `xml:"Supported>CRS"`
}

// Execute is the WPS Execute request document.
type Execute struct {
	XMLName    xml.Name        `xml:"wps:Execute"`
	Service    string          `xml:"service,attr"`
	Version    string          `xml:"version,attr"`
	XMLNSWPS   string          `xml:"xmlns:wps,attr"`
	XMLNSOWS   string          `xml:"xmlns:ows,attr"`
	XMLNSXlink string          `xml:"xmlns:xlink,attr"`
	Identifier string          `xml:"ows:Identifier"`
	Inputs     []ExecuteInput  `xml:"wps:DataInputs>wps:Input"`
	Response   ResponseForm    `xml:"wps:ResponseForm"`
}

// ExecuteInput is one input of an Execute request, either an inline literal
// or a reference.
type ExecuteInput struct {
	Identifier string       `xml:"ows:Identifier"`
	Data       *ExecuteData `xml:"wps:Data,omitempty"`
	Reference  *ExecuteRef  `xml:"wps:Reference,omitempty"`
}

// ExecuteData holds inline literal data.
type ExecuteData struct {
	Literal *LiteralValue `xml:"wps:LiteralData,omitempty"`
}

// LiteralValue is an inline literal with its datatype.
type LiteralValue struct {
	DataType string `xml:"dataType,attr,omitempty"`
	Value    string `xml:",chardata"`
}

// ExecuteRef is a by-reference input.
type ExecuteRef struct {
	Href     string `xml:"xlink:href,attr"`
	MimeType string `xml:"mimeType,attr,omitempty"`
}

// ResponseForm asks for a stored, asynchronous response document with all
// outputs by reference.
type ResponseForm struct {
	Document ResponseDocument `xml:"wps:ResponseDocument"`
}

// ResponseDocument carries the async flags and requested outputs.
type ResponseDocument struct {
	StoreExecuteResponse bool            `xml:"storeExecuteResponse,attr"`
	Status               bool            `xml:"status,attr"`
	Outputs              []RequestOutput `xml:"wps:Output"`
}

// RequestOutput names one requested output.
type RequestOutput struct {
	AsReference bool   `xml:"asReference,attr"`
	MimeType    string `xml:"mimeType,attr,omitempty"`
	Identifier  string `xml:"ows:Identifier"`
}

// ExecuteResponse is the (possibly stored) Execute response document.
type ExecuteResponse struct {
	XMLName           xml.Name        `xml:"ExecuteResponse"`
	StatusLocation    string          `xml:"statusLocation,attr"`
	Status            ExecuteStatus   `xml:"Status"`
	ProcessOutputs    []OutputData    `xml:"ProcessOutputs>Output"`
}

// ExecuteStatus is the status block of an ExecuteResponse. Exactly one of
// the state elements is present.
type ExecuteStatus struct {
	CreationTime string         `xml:"creationTime,attr"`
	Accepted     *StatusDetail  `xml:"ProcessAccepted"`
	Started      *StatusStarted `xml:"ProcessStarted"`
	Paused       *StatusStarted `xml:"ProcessPaused"`
	Succeeded    *StatusDetail  `xml:"ProcessSucceeded"`
	Failed       *StatusFailed  `xml:"ProcessFailed"`
}

// StatusDetail is a plain status message.
type StatusDetail struct {
	Message string `xml:",chardata"`
}

// StatusStarted carries the progress percentage.
type StatusStarted struct {
	Percent int    `xml:"percentCompleted,attr"`
	Message string `xml:",chardata"`
}

// StatusFailed wraps the exception report of a failed run.
type StatusFailed struct {
	Exceptions []OWSException `xml:"ExceptionReport>Exception"`
}

// OWSException is one exception entry of an OWS report.
type OWSException struct {
	Code    string   `xml:"exceptionCode,attr"`
	Locator string   `xml:"locator,attr"`
	Texts   []string `xml:"ExceptionText"`
}

// OutputData is one produced output, inline or by reference.
type OutputData struct {
	Identifier string        `xml:"Identifier"`
	Reference  *OutputRef    `xml:"Reference"`
	Data       *OutputInline `xml:"Data"`
}

// OutputRef points at a stored output artefact.
type OutputRef struct {
	Href     string `xml:"href,attr"`
	MimeType string `xml:"mimeType,attr"`
}

// OutputInline carries inline literal output data.
type OutputInline struct {
	Literal *LiteralValue `xml:"LiteralData"`
}
