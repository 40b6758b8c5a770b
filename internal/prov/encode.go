// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package prov

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/weaverproc/weaver/internal/apperr"
)

// Format names a PROV serialization.
type Format string

const (
	FormatPROVN  Format = "provn"
	FormatNT     Format = "nt"
	FormatJSON   Format = "json"
	FormatJSONLD Format = "jsonld"
	FormatXML    Format = "xml"
	FormatTurtle Format = "turtle"
)

// ContentType returns the media type of a serialization.
func (f Format) ContentType() string {
	switch f {
	case FormatPROVN:
		return "text/provenance-notation"
	case FormatNT:
		return "application/n-triples"
	case FormatJSON:
		return "application/json"
	case FormatJSONLD:
		return "application/ld+json"
	case FormatXML:
		return "application/xml"
	case FormatTurtle:
		return "text/turtle"
	}
	return "application/octet-stream"
}

// ParseFormat resolves a format query value or Accept media type.
func ParseFormat(v string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "json", "application/json":
		return FormatJSON, nil
	case "provn", "prov-n", "text/provenance-notation":
		return FormatPROVN, nil
	case "nt", "ntriples", "application/n-triples":
		return FormatNT, nil
	case "jsonld", "json-ld", "application/ld+json":
		return FormatJSONLD, nil
	case "xml", "application/xml", "text/xml":
		return FormatXML, nil
	case "turtle", "ttl", "text/turtle":
		return FormatTurtle, nil
	}
	return "", apperr.New(apperr.CodeUnprocessable, 400, "Unknown provenance format",
		fmt.Sprintf("Format %q is not a supported PROV serialization", v))
}

// Encode renders the document in the requested serialization.
func (d *Document) Encode(f Format) ([]byte, error) {
	switch f {
	case FormatPROVN:
		return d.encodePROVN(), nil
	case FormatNT:
		return d.encodeTriples(false), nil
	case FormatTurtle:
		return d.encodeTriples(true), nil
	case FormatJSON:
		return d.encodeJSON()
	case FormatJSONLD:
		return d.encodeJSONLD()
	case FormatXML:
		return d.encodeXML()
	}
	return nil, fmt.Errorf("unsupported provenance format %q", f)
}

func (d *Document) encodePROVN() []byte {
	var b strings.Builder
	b.WriteString("document\n")
	for _, p := range sortedKeys(d.Namespaces) {
		fmt.Fprintf(&b, "  prefix %s <%s>\n", p, d.Namespaces[p])
	}
	for _, e := range d.Entities {
		fmt.Fprintf(&b, "  entity(%s%s)\n", e.ID, provnAttrs(e.Attrs))
	}
	for _, a := range d.Activities {
		fmt.Fprintf(&b, "  activity(%s, %s, %s%s)\n",
			a.ID, provnTime(a.Start), provnTime(a.End), provnAttrs(a.Attrs))
	}
	for _, a := range d.Agents {
		fmt.Fprintf(&b, "  agent(%s%s)\n", a.ID, provnAttrs(a.Attrs))
	}
	for _, u := range d.Used {
		fmt.Fprintf(&b, "  used(%s, %s, -)\n", u.Activity, u.Entity)
	}
	for _, g := range d.Generated {
		fmt.Fprintf(&b, "  wasGeneratedBy(%s, %s, %s)\n", g.Entity, g.Activity, provnTime(g.Time))
	}
	for _, a := range d.Associations {
		plan := a.Plan
		if plan == "" {
			plan = "-"
		}
		fmt.Fprintf(&b, "  wasAssociatedWith(%s, %s, %s)\n", a.Activity, a.Agent, plan)
	}
	for _, c := range d.Informed {
		fmt.Fprintf(&b, "  wasInformedBy(%s, %s)\n", c.Informed, c.Informant)
	}
	b.WriteString("endDocument\n")
	return []byte(b.String())
}

func provnAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(attrs))
	for _, k := range sortedKeys(attrs) {
		parts = append(parts, fmt.Sprintf("%s=%q", k, attrs[k]))
	}
	return ", [" + strings.Join(parts, ", ") + "]"
}

func provnTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// encodeTriples emits N-Triples, or Turtle when prefixed is set. The two
// share one triple walk; Turtle keeps qualified names and adds the prefix
// preamble, N-Triples expands every term to a full IRI.
func (d *Document) encodeTriples(prefixed bool) []byte {
	var b strings.Builder
	term := func(qname string) string {
		if prefixed {
			return qname
		}
		return "<" + d.expand(qname) + ">"
	}
	emit := func(s, p, o string) {
		fmt.Fprintf(&b, "%s %s %s .\n", s, p, o)
	}
	if prefixed {
		for _, p := range sortedKeys(d.Namespaces) {
			fmt.Fprintf(&b, "@prefix %s: <%s> .\n", p, d.Namespaces[p])
		}
		b.WriteString("\n")
	}

	writeAttrs := func(id string, attrs map[string]string) {
		for _, k := range sortedKeys(attrs) {
			v := attrs[k]
			// Type attributes point at resources, the rest are literals.
			if k == "prov:type" && strings.Contains(v, ":") {
				emit(term(id), term(k), term(v))
				continue
			}
			emit(term(id), term(k), fmt.Sprintf("%q", v))
		}
	}

	rdfType := "a"
	if !prefixed {
		rdfType = "<http://www.w3.org/1999/02/22-rdf-syntax-ns#type>"
	}
	for _, e := range d.Entities {
		emit(term(e.ID), rdfType, term("prov:Entity"))
		writeAttrs(e.ID, e.Attrs)
	}
	for _, a := range d.Activities {
		emit(term(a.ID), rdfType, term("prov:Activity"))
		if a.Start != nil {
			emit(term(a.ID), term("prov:startedAtTime"), xsdTime(*a.Start, prefixed, d))
		}
		if a.End != nil {
			emit(term(a.ID), term("prov:endedAtTime"), xsdTime(*a.End, prefixed, d))
		}
		writeAttrs(a.ID, a.Attrs)
	}
	for _, a := range d.Agents {
		emit(term(a.ID), rdfType, term("prov:Agent"))
		writeAttrs(a.ID, a.Attrs)
	}
	for _, u := range d.Used {
		emit(term(u.Activity), term("prov:used"), term(u.Entity))
	}
	for _, g := range d.Generated {
		emit(term(g.Entity), term("prov:wasGeneratedBy"), term(g.Activity))
	}
	for _, a := range d.Associations {
		emit(term(a.Activity), term("prov:wasAssociatedWith"), term(a.Agent))
		if a.Plan != "" {
			emit(term(a.Activity), term("prov:hadPlan"), term(a.Plan))
		}
	}
	for _, c := range d.Informed {
		emit(term(c.Informed), term("prov:wasInformedBy"), term(c.Informant))
	}
	return []byte(b.String())
}

func xsdTime(t time.Time, prefixed bool, d *Document) string {
	lit := fmt.Sprintf("%q", t.UTC().Format(time.RFC3339))
	if prefixed {
		return lit + "^^xsd:dateTime"
	}
	return lit + "^^<" + d.Namespaces[prefixXSD] + "dateTime>"
}

// expand resolves a qualified name against the namespace table. Unknown
// prefixes pass through unchanged so a malformed document still serializes.
func (d *Document) expand(qname string) string {
	prefix, local, ok := strings.Cut(qname, ":")
	if !ok {
		return qname
	}
	ns, found := d.Namespaces[prefix]
	if !found {
		return qname
	}
	return ns + local
}

// encodeJSON emits the PROV-JSON interchange form: one object per record
// category, keyed by qualified name.
func (d *Document) encodeJSON() ([]byte, error) {
	out := map[string]any{"prefix": d.Namespaces}

	entities := map[string]any{}
	for _, e := range d.Entities {
		entities[e.ID] = attrMap(e.Attrs)
	}
	if len(entities) > 0 {
		out["entity"] = entities
	}

	activities := map[string]any{}
	for _, a := range d.Activities {
		m := attrMap(a.Attrs)
		if a.Start != nil {
			m["prov:startTime"] = a.Start.UTC().Format(time.RFC3339)
		}
		if a.End != nil {
			m["prov:endTime"] = a.End.UTC().Format(time.RFC3339)
		}
		activities[a.ID] = m
	}
	if len(activities) > 0 {
		out["activity"] = activities
	}

	agents := map[string]any{}
	for _, a := range d.Agents {
		agents[a.ID] = attrMap(a.Attrs)
	}
	if len(agents) > 0 {
		out["agent"] = agents
	}

	used := map[string]any{}
	for i, u := range d.Used {
		used[fmt.Sprintf("_:u%d", i+1)] = map[string]string{
			"prov:activity": u.Activity,
			"prov:entity":   u.Entity,
		}
	}
	if len(used) > 0 {
		out["used"] = used
	}

	generated := map[string]any{}
	for i, g := range d.Generated {
		m := map[string]string{
			"prov:entity":   g.Entity,
			"prov:activity": g.Activity,
		}
		if g.Time != nil {
			m["prov:time"] = g.Time.UTC().Format(time.RFC3339)
		}
		generated[fmt.Sprintf("_:g%d", i+1)] = m
	}
	if len(generated) > 0 {
		out["wasGeneratedBy"] = generated
	}

	assoc := map[string]any{}
	for i, a := range d.Associations {
		m := map[string]string{
			"prov:activity": a.Activity,
			"prov:agent":    a.Agent,
		}
		if a.Plan != "" {
			m["prov:plan"] = a.Plan
		}
		assoc[fmt.Sprintf("_:a%d", i+1)] = m
	}
	if len(assoc) > 0 {
		out["wasAssociatedWith"] = assoc
	}

	informed := map[string]any{}
	for i, c := range d.Informed {
		informed[fmt.Sprintf("_:c%d", i+1)] = map[string]string{
			"prov:informed":  c.Informed,
			"prov:informant": c.Informant,
		}
	}
	if len(informed) > 0 {
		out["wasInformedBy"] = informed
	}

	return json.MarshalIndent(out, "", "  ")
}

func (d *Document) encodeJSONLD() ([]byte, error) {
	ctx := map[string]any{}
	for p, ns := range d.Namespaces {
		ctx[p] = ns
	}
	var graph []map[string]any

	node := func(id, typ string, attrs map[string]string) map[string]any {
		n := map[string]any{"@id": id, "@type": typ}
		for _, k := range sortedKeys(attrs) {
			n[k] = attrs[k]
		}
		return n
	}

	for _, e := range d.Entities {
		graph = append(graph, node(e.ID, "prov:Entity", e.Attrs))
	}
	for _, a := range d.Activities {
		n := node(a.ID, "prov:Activity", a.Attrs)
		if a.Start != nil {
			n["prov:startedAtTime"] = a.Start.UTC().Format(time.RFC3339)
		}
		if a.End != nil {
			n["prov:endedAtTime"] = a.End.UTC().Format(time.RFC3339)
		}
		graph = append(graph, n)
	}
	for _, a := range d.Agents {
		graph = append(graph, node(a.ID, "prov:Agent", a.Attrs))
	}
	rel := map[string][]Used{}
	for _, u := range d.Used {
		rel[u.Activity] = append(rel[u.Activity], u)
	}
	for _, n := range graph {
		id, _ := n["@id"].(string)
		for _, u := range rel[id] {
			n["prov:used"] = appendRef(n["prov:used"], u.Entity)
		}
		for _, g := range d.Generated {
			if g.Entity == id {
				n["prov:wasGeneratedBy"] = appendRef(n["prov:wasGeneratedBy"], g.Activity)
			}
		}
		for _, a := range d.Associations {
			if a.Activity == id {
				n["prov:wasAssociatedWith"] = appendRef(n["prov:wasAssociatedWith"], a.Agent)
			}
		}
		for _, c := range d.Informed {
			if c.Informed == id {
				n["prov:wasInformedBy"] = appendRef(n["prov:wasInformedBy"], c.Informant)
			}
		}
	}

	return json.MarshalIndent(map[string]any{
		"@context": ctx,
		"@graph":   graph,
	}, "", "  ")
}

func appendRef(existing any, id string) any {
	ref := map[string]string{"@id": id}
	switch v := existing.(type) {
	case nil:
		return []map[string]string{ref}
	case []map[string]string:
		return append(v, ref)
	}
	return existing
}

// XML record shapes for the PROV-XML schema.
type xmlAttr struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type xmlEntity struct {
	XMLName xml.Name  `xml:"prov:entity"`
	ID      string    `xml:"prov:id,attr"`
	Attrs   []xmlAttr `xml:",any"`
}

type xmlActivity struct {
	XMLName xml.Name  `xml:"prov:activity"`
	ID      string    `xml:"prov:id,attr"`
	Start   string    `xml:"prov:startTime,omitempty"`
	End     string    `xml:"prov:endTime,omitempty"`
	Attrs   []xmlAttr `xml:",any"`
}

type xmlAgent struct {
	XMLName xml.Name  `xml:"prov:agent"`
	ID      string    `xml:"prov:id,attr"`
	Attrs   []xmlAttr `xml:",any"`
}

type xmlRef struct {
	Ref string `xml:"prov:ref,attr"`
}

type xmlUsed struct {
	XMLName  xml.Name `xml:"prov:used"`
	Activity xmlRef   `xml:"prov:activity"`
	Entity   xmlRef   `xml:"prov:entity"`
}

type xmlGeneration struct {
	XMLName  xml.Name `xml:"prov:wasGeneratedBy"`
	Entity   xmlRef   `xml:"prov:entity"`
	Activity xmlRef   `xml:"prov:activity"`
	Time     string   `xml:"prov:time,omitempty"`
}

type xmlAssociation struct {
	XMLName  xml.Name `xml:"prov:wasAssociatedWith"`
	Activity xmlRef   `xml:"prov:activity"`
	Agent    xmlRef   `xml:"prov:agent"`
	Plan     *xmlRef  `xml:"prov:plan,omitempty"`
}

type xmlCommunication struct {
	XMLName   xml.Name `xml:"prov:wasInformedBy"`
	Informed  xmlRef   `xml:"prov:informed"`
	Informant xmlRef   `xml:"prov:informant"`
}

type xmlDocument struct {
	XMLName xml.Name `xml:"prov:document"`
	NSProv  string   `xml:"xmlns:prov,attr"`
	NSXSD   string   `xml:"xmlns:xsd,attr"`
	NSApp   string   `xml:"xmlns:weaver,attr"`
	Records []any
}

func (d *Document) encodeXML() ([]byte, error) {
	doc := xmlDocument{
		NSProv: d.Namespaces[prefixProv],
		NSXSD:  d.Namespaces[prefixXSD],
		NSApp:  d.Namespaces[prefixWeaver],
	}
	for _, e := range d.Entities {
		doc.Records = append(doc.Records, xmlEntity{ID: e.ID, Attrs: xmlAttrs(e.Attrs)})
	}
	for _, a := range d.Activities {
		rec := xmlActivity{ID: a.ID, Attrs: xmlAttrs(a.Attrs)}
		if a.Start != nil {
			rec.Start = a.Start.UTC().Format(time.RFC3339)
		}
		if a.End != nil {
			rec.End = a.End.UTC().Format(time.RFC3339)
		}
		doc.Records = append(doc.Records, rec)
	}
	for _, a := range d.Agents {
		doc.Records = append(doc.Records, xmlAgent{ID: a.ID, Attrs: xmlAttrs(a.Attrs)})
	}
	for _, u := range d.Used {
		doc.Records = append(doc.Records, xmlUsed{
			Activity: xmlRef{u.Activity}, Entity: xmlRef{u.Entity},
		})
	}
	for _, g := range d.Generated {
		rec := xmlGeneration{Entity: xmlRef{g.Entity}, Activity: xmlRef{g.Activity}}
		if g.Time != nil {
			rec.Time = g.Time.UTC().Format(time.RFC3339)
		}
		doc.Records = append(doc.Records, rec)
	}
	for _, a := range d.Associations {
		rec := xmlAssociation{Activity: xmlRef{a.Activity}, Agent: xmlRef{a.Agent}}
		if a.Plan != "" {
			rec.Plan = &xmlRef{a.Plan}
		}
		doc.Records = append(doc.Records, rec)
	}
	for _, c := range d.Informed {
		doc.Records = append(doc.Records, xmlCommunication{
			Informed: xmlRef{c.Informed}, Informant: xmlRef{c.Informant},
		})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

func xmlAttrs(attrs map[string]string) []xmlAttr {
	out := make([]xmlAttr, 0, len(attrs))
	for _, k := range sortedKeys(attrs) {
		out = append(out, xmlAttr{XMLName: xml.Name{Local: k}, Value: attrs[k]})
	}
	return out
}

func attrMap(attrs map[string]string) map[string]any {
	m := make(map[string]any, len(attrs))
	for k, v := range attrs {
		m[k] = v
	}
	return m
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
