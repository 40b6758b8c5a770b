// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package prov records job provenance as a W3C PROV document and renders
// it in the serializations clients ask for.
package prov

import (
	"fmt"
	"time"

	"github.com/weaverproc/weaver/internal/job"
	"github.com/weaverproc/weaver/internal/process"
)

// Qualified names use these prefixes; nsWeaver is completed with the
// instance URL at build time.
const (
	prefixProv   = "prov"
	prefixXSD    = "xsd"
	prefixWeaver = "weaver"
)

// Entity is a PROV entity (a process plan, an input, a result).
type Entity struct {
	ID    string
	Attrs map[string]string
}

// Activity is a PROV activity (the job run, one step).
type Activity struct {
	ID    string
	Start *time.Time
	End   *time.Time
	Attrs map[string]string
}

// Agent is a PROV agent (the instance software, the submitting client).
type Agent struct {
	ID    string
	Attrs map[string]string
}

// Used states that an activity consumed an entity.
type Used struct {
	Activity string
	Entity   string
}

// Generation states that an activity produced an entity.
type Generation struct {
	Entity   string
	Activity string
	Time     *time.Time
}

// Association binds an activity to its responsible agent, optionally with
// the plan it followed.
type Association struct {
	Activity string
	Agent    string
	Plan     string
}

// Communication states that one activity was informed by another; step
// activities point at the job activity through it.
type Communication struct {
	Informed  string
	Informant string
}

// Document is the in-memory PROV document of one job.
type Document struct {
	Namespaces map[string]string

	Entities   []Entity
	Activities []Activity
	Agents     []Agent

	Used         []Used
	Generated    []Generation
	Associations []Association
	Informed     []Communication
}

// Builder settings.
type Builder struct {
	// InstanceURL anchors the weaver namespace, e.g. "https://host/weaver".
	InstanceURL string
	// Software identifies the generating software agent.
	Software string
}

// FromJob assembles the provenance document of a terminal job.
func (b *Builder) FromJob(j *job.Job, proc *process.Process) *Document {
	instance := b.InstanceURL
	if instance == "" {
		instance = "urn:weaver"
	}
	doc := &Document{
		Namespaces: map[string]string{
			prefixProv:   "http://www.w3.org/ns/prov#",
			prefixXSD:    "http://www.w3.org/2001/XMLSchema#",
			prefixWeaver: instance + "#",
		},
	}

	softwareID := qn(prefixWeaver, "engine")
	software := b.Software
	if software == "" {
		software = "weaver"
	}
	doc.Agents = append(doc.Agents, Agent{
		ID: softwareID,
		Attrs: map[string]string{
			"prov:type":  "prov:SoftwareAgent",
			"prov:label": software,
		},
	})

	jobID := qn(prefixWeaver, "job-"+j.ID.String())
	jobAct := Activity{
		ID:    jobID,
		Start: j.StartedAt,
		End:   j.FinishedAt,
		Attrs: map[string]string{
			"prov:label":     fmt.Sprintf("execution of %s", j.ProcessID),
			"weaver:status":  string(j.Status),
			"weaver:process": j.ProcessID,
		},
	}
	doc.Activities = append(doc.Activities, jobAct)

	planID := qn(prefixWeaver, "process-"+proc.ID)
	doc.Entities = append(doc.Entities, Entity{
		ID: planID,
		Attrs: map[string]string{
			"prov:type":      "prov:Plan",
			"prov:label":     orDefault(proc.Title, proc.ID),
			"weaver:version": proc.Version,
		},
	})
	doc.Associations = append(doc.Associations, Association{
		Activity: jobID,
		Agent:    softwareID,
		Plan:     planID,
	})

	for id := range j.Inputs {
		entityID := qn(prefixWeaver, fmt.Sprintf("input-%s-%s", j.ID, id))
		doc.Entities = append(doc.Entities, Entity{
			ID: entityID,
			Attrs: map[string]string{
				"prov:label": id,
				"prov:type":  "weaver:Input",
			},
		})
		doc.Used = append(doc.Used, Used{Activity: jobID, Entity: entityID})
	}

	for _, r := range j.Results {
		entityID := qn(prefixWeaver, fmt.Sprintf("output-%s-%s", j.ID, r.ID))
		attrs := map[string]string{
			"prov:label": r.ID,
			"prov:type":  "weaver:Result",
		}
		if r.Href != "" {
			attrs["prov:atLocation"] = r.Href
		}
		if r.MediaType != "" {
			attrs["weaver:mediaType"] = r.MediaType
		}
		doc.Entities = append(doc.Entities, Entity{ID: entityID, Attrs: attrs})
		doc.Generated = append(doc.Generated, Generation{
			Entity:   entityID,
			Activity: jobID,
			Time:     j.FinishedAt,
		})
	}

	if j.Statistics != nil {
		for _, step := range j.Statistics.Steps {
			stepID := qn(prefixWeaver, fmt.Sprintf("step-%s-%s", j.ID, step.StepID))
			doc.Activities = append(doc.Activities, Activity{
				ID: stepID,
				Attrs: map[string]string{
					"prov:label":      step.StepID,
					"weaver:duration": step.Duration.String(),
				},
			})
			doc.Informed = append(doc.Informed, Communication{
				Informed: stepID, Informant: jobID,
			})
		}
	}
	return doc
}

// Who keeps only the agents and their associations.
func (d *Document) Who() *Document {
	return &Document{
		Namespaces:   d.Namespaces,
		Agents:       d.Agents,
		Associations: d.Associations,
	}
}

// Inputs keeps the used entities.
func (d *Document) Inputs() *Document {
	used := map[string]bool{}
	for _, u := range d.Used {
		used[u.Entity] = true
	}
	out := &Document{Namespaces: d.Namespaces, Used: d.Used}
	for _, e := range d.Entities {
		if used[e.ID] {
			out.Entities = append(out.Entities, e)
		}
	}
	return out
}

// Outputs keeps the generated entities.
func (d *Document) Outputs() *Document {
	generated := map[string]bool{}
	for _, g := range d.Generated {
		generated[g.Entity] = true
	}
	out := &Document{Namespaces: d.Namespaces, Generated: d.Generated}
	for _, e := range d.Entities {
		if generated[e.ID] {
			out.Entities = append(out.Entities, e)
		}
	}
	return out
}

// Run keeps the activities and their ordering relations.
func (d *Document) Run() *Document {
	return &Document{
		Namespaces: d.Namespaces,
		Activities: d.Activities,
		Informed:   d.Informed,
	}
}

// Info summarizes the document for the prov/info endpoint.
func (d *Document) Info() map[string]any {
	return map[string]any{
		"prefixes":   d.Namespaces,
		"entities":   len(d.Entities),
		"activities": len(d.Activities),
		"agents":     len(d.Agents),
		"relations":  len(d.Used) + len(d.Generated) + len(d.Associations) + len(d.Informed),
	}
}

func qn(prefix, local string) string { return prefix + ":" + local }

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
