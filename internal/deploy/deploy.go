// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package deploy builds canonical processes from deployment requests and
// manages their revisions.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Masterminds/semver/v3"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/authctx"
	"github.com/weaverproc/weaver/internal/builtins"
	"github.com/weaverproc/weaver/internal/cwl"
	"github.com/weaverproc/weaver/internal/fetch"
	"github.com/weaverproc/weaver/internal/process"
	"github.com/weaverproc/weaver/internal/store"
	"github.com/weaverproc/weaver/internal/wps"
)

const defaultVersion = "1.0.0"

// Config tunes the deployment pipeline.
type Config struct {
	// ProcessesDir, when set, is scanned for *.cwl packages at startup.
	ProcessesDir string
	// FailOnRegisterError aborts startup when a preloaded package is
	// invalid instead of skipping it.
	FailOnRegisterError bool
}

// Service implements deploy, replace, patch and undeploy.
type Service struct {
	cfg     Config
	store   *store.Store
	fetcher *fetch.Fetcher
	hc      *http.Client
	logger  *slog.Logger

	// newWPS is swapped in tests.
	newWPS func(endpoint string, logger *slog.Logger) *wps.Client
}

// NewService wires the deployment pipeline.
func NewService(cfg Config, st *store.Store, fetcher *fetch.Fetcher, logger *slog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		store:   st,
		fetcher: fetcher,
		hc:      http.DefaultClient,
		logger:  logger.With("module", "deploy"),
		newWPS:  wps.NewClient,
	}
}

// Deploy creates a new process from the request body. The id must not be
// taken by a builtin or an existing deployment.
func (s *Service) Deploy(ctx context.Context, body []byte, contentType string) (*process.Process, error) {
	src, err := s.parseBody(ctx, body, contentType)
	if err != nil {
		return nil, err
	}
	p, err := s.build(ctx, src, "")
	if err != nil {
		return nil, err
	}
	if err := rejectBuiltin(p.ID); err != nil {
		return nil, err
	}

	if err := s.store.SaveProcessRevision(p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.New(apperr.CodeConflictInUse, http.StatusConflict, "Process exists",
				fmt.Sprintf("process %s version %s is already deployed", p.ID, p.Version))
		}
		return nil, err
	}
	s.logger.Info("process deployed", "process", p.ID, "version", p.Version, "type", p.Type)
	return p, nil
}

// Replace redeploys an existing process id as a new major revision. The
// previous revision stays addressable as {id}:{version}.
func (s *Service) Replace(ctx context.Context, id string, body []byte, contentType string) (*process.Process, error) {
	if err := rejectBuiltin(id); err != nil {
		return nil, err
	}
	current, err := s.store.GetProcess(id, "")
	if err != nil {
		return nil, err
	}

	src, err := s.parseBody(ctx, body, contentType)
	if err != nil {
		return nil, err
	}
	p, err := s.build(ctx, src, id)
	if err != nil {
		return nil, err
	}
	if p.ID != id {
		return nil, apperr.New(apperr.CodeDescriptionMismatch, http.StatusUnprocessableEntity,
			"Description mismatch", fmt.Sprintf("body describes process %q, path addresses %q", p.ID, id))
	}

	p.Version, err = nextVersion(current.Version, p.Version, bumpMajor)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveProcessRevision(p); err != nil {
		return nil, err
	}
	s.logger.Info("process replaced", "process", p.ID, "version", p.Version)
	return p, nil
}

// patchable lists the description fields a PATCH may touch.
var patchable = map[string]bool{
	"title":              true,
	"description":        true,
	"keywords":           true,
	"metadata":           true,
	"jobControlOptions":  true,
	"outputTransmission": true,
	"version":            true,
}

// Patch applies a merge patch to the metadata of the latest revision and
// stores the result as a new minor or patch revision: minor when execution
// behaviour (job controls, transmission) changes, patch otherwise.
func (s *Service) Patch(ctx context.Context, id string, patch []byte) (*process.Process, error) {
	if err := rejectBuiltin(id); err != nil {
		return nil, err
	}
	current, err := s.store.GetProcess(id, "")
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, apperr.Wrap(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
			"Invalid patch", "patch body is not a JSON object", err)
	}
	for field := range fields {
		if !patchable[field] {
			return nil, apperr.New(apperr.CodeForbidden, http.StatusForbidden, "Field not patchable",
				fmt.Sprintf("field %q cannot be modified by PATCH; redeploy instead", field))
		}
	}

	rendered, err := json.Marshal(process.RenderOGC(current))
	if err != nil {
		return nil, err
	}
	merged, err := jsonpatch.MergePatch(rendered, patch)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
			"Invalid patch", "merge patch could not be applied", err)
	}
	var desc process.OGCDescription
	if err := json.Unmarshal(merged, &desc); err != nil {
		return nil, apperr.Wrap(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
			"Invalid patch", "patched description is invalid", err)
	}

	next := *current
	next.RevisionID = uuid.NewString()
	next.Title = desc.Title
	next.Description = desc.Description
	next.Keywords = desc.Keywords
	next.Metadata = desc.Metadata

	bump := bumpPatch
	if len(fields["jobControlOptions"]) > 0 || len(fields["outputTransmission"]) > 0 {
		next.JobControlOptions = desc.JobControlOptions
		next.OutputTransmission = desc.OutputTransmission
		bump = bumpMinor
	}

	requested := ""
	if len(fields["version"]) > 0 {
		requested = desc.Version
	}
	next.Version, err = nextVersion(current.Version, requested, bump)
	if err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
			"Invalid patch", "patched process failed validation", err)
	}
	if err := s.store.SaveProcessRevision(&next); err != nil {
		return nil, err
	}
	s.logger.Info("process patched", "process", next.ID, "version", next.Version)
	return &next, nil
}

// Undeploy tombstones a process. Refused while non-terminal jobs still
// reference it.
func (s *Service) Undeploy(ctx context.Context, id string) error {
	if err := rejectBuiltin(id); err != nil {
		return err
	}
	if _, err := s.store.GetProcess(id, ""); err != nil {
		return err
	}
	active, err := s.store.CountActiveJobs(id)
	if err != nil {
		return err
	}
	if active > 0 {
		return apperr.New(apperr.CodeConflictInUse, http.StatusConflict, "Process in use",
			fmt.Sprintf("%d jobs of process %s are still running", active, id))
	}
	if err := s.store.TombstoneProcess(id); err != nil {
		return err
	}
	s.logger.Info("process undeployed", "process", id)
	return nil
}

// build assembles the canonical process from the parsed source, merging
// the declared description with the execution unit's own view.
func (s *Service) build(ctx context.Context, src *source, pathID string) (*process.Process, error) {
	unitInputs, unitOutputs, ptype, unitMeta, err := s.describeUnit(ctx, src)
	if err != nil {
		return nil, err
	}

	var declInputs, declOutputs []process.PartialIO
	if src.Description != nil {
		if err := validateDeclaredSchemas(ctx, src.RawDescription); err != nil {
			return nil, err
		}
		declInputs, declOutputs, err = process.ParseOGC(src.Description)
		if err != nil {
			return nil, err
		}
	}

	inputs, err := process.MergeIO(false, unitInputs, declInputs)
	if err != nil {
		return nil, descriptionMismatch(err)
	}
	outputs, err := process.MergeIO(true, unitOutputs, declOutputs)
	if err != nil {
		return nil, descriptionMismatch(err)
	}
	if src.Unit.Kind == process.UnitCWL {
		if err := applyValueGuards(src.Doc, inputs); err != nil {
			return nil, err
		}
	}

	p := &process.Process{
		ID:                 pathID,
		RevisionID:         uuid.NewString(),
		Version:            defaultVersion,
		Inputs:             inputs,
		Outputs:            outputs,
		JobControlOptions:  []process.JobControl{process.ControlAsync, process.ControlSync, process.ControlDismiss},
		OutputTransmission: []process.TransmissionMode{process.TransmissionValue, process.TransmissionReference},
		Visibility:         process.VisibilityPublic,
		Type:               ptype,
		Unit:               src.Unit,
		Title:              unitMeta.title,
		Description:        unitMeta.abstract,
	}
	if v := unitMeta.version; v != "" {
		p.Version = v
	}

	if d := src.Description; d != nil {
		if d.ID != "" {
			p.ID = d.ID
		}
		if d.Version != "" {
			p.Version = d.Version
		}
		if d.Title != "" {
			p.Title = d.Title
		}
		if d.Description != "" {
			p.Description = d.Description
		}
		if len(d.Keywords) > 0 {
			p.Keywords = d.Keywords
		}
		if len(d.Metadata) > 0 {
			p.Metadata = d.Metadata
		}
		if len(d.JobControlOptions) > 0 {
			p.JobControlOptions = d.JobControlOptions
		}
		if len(d.OutputTransmission) > 0 {
			p.OutputTransmission = d.OutputTransmission
		}
	}
	if p.ID == "" {
		if id, _ := src.Doc["id"].(string); id != "" {
			p.ID = strings.TrimPrefix(id, "#")
		}
	}
	if p.ID == "" {
		return nil, apperr.New(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
			"Invalid deployment", "no process id in description or package")
	}

	if _, err := semver.NewVersion(p.Version); err != nil {
		return nil, apperr.New(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
			"Invalid deployment", fmt.Sprintf("version %q is not semantic", p.Version))
	}
	if err := p.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
			"Invalid deployment", "process failed validation", err)
	}
	return p, nil
}

// applyValueGuards pushes declared allowed-value constraints of literal
// inputs into the CWL package, so the engine rejects violations even when
// a value slips past submit-time validation.
func applyValueGuards(doc cwl.Document, inputs []process.IODescriptor) error {
	docInputs, ok := doc["inputs"].(map[string]any)
	if !ok {
		return nil
	}
	for i := range inputs {
		d := &inputs[i]
		if len(d.AllowedValues) == 0 {
			continue
		}
		if d.Class != process.ClassLiteral && d.Class != process.ClassEnum {
			continue
		}
		if _, present := docInputs[d.ID]; !present {
			// Declared-only inputs have no engine-side binding to guard.
			continue
		}
		if err := cwl.InjectValueGuard(doc, d.ID, d.AllowedValues); err != nil {
			return err
		}
	}
	return nil
}

type unitMetadata struct {
	title    string
	abstract string
	version  string
}

// describeUnit extracts the I/O view and metadata owned by the execution
// unit itself.
func (s *Service) describeUnit(ctx context.Context, src *source) (inputs, outputs []process.PartialIO, ptype process.Type, meta unitMetadata, err error) {
	switch src.Unit.Kind {
	case process.UnitCWL:
		inputs, outputs, err = cwl.DescribeIO(src.Doc)
		if err != nil {
			return nil, nil, "", meta, err
		}
		ptype = process.TypeApplication
		if src.Doc.IsWorkflow() {
			ptype = process.TypeWorkflow
		}
		meta.title, _ = src.Doc["label"].(string)
		meta.abstract, _ = src.Doc["doc"].(string)
		return inputs, outputs, ptype, meta, nil

	case process.UnitWPS:
		id := ""
		if src.Description != nil {
			id = src.Description.ID
		}
		if id == "" {
			return nil, nil, "", meta, apperr.New(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
				"Invalid deployment", "a WPS execution unit needs a processDescription with the remote identifier")
		}
		client := s.newWPS(src.Unit.Href, s.logger)
		descs, derr := client.DescribeProcess(ctx, id)
		if derr != nil {
			return nil, nil, "", meta, derr
		}
		if len(descs.Processes) == 0 {
			return nil, nil, "", meta, apperr.New(apperr.CodeNotFound, http.StatusNotFound, "Process not found",
				fmt.Sprintf("provider %s does not describe %q", src.Unit.Href, id))
		}
		pd := &descs.Processes[0]
		inputs, outputs = wps.DescribeIO(pd)
		return inputs, outputs, process.TypeWPS1,
			unitMetadata{title: pd.Title, abstract: pd.Abstract, version: pd.Version}, nil

	case process.UnitOGCAPI:
		desc, derr := s.fetchOGCDescription(ctx, src.Unit.Href)
		if derr != nil {
			return nil, nil, "", meta, derr
		}
		inputs, outputs, err = process.ParseOGC(desc)
		if err != nil {
			return nil, nil, "", meta, err
		}
		return inputs, outputs, process.TypeOGCAPI,
			unitMetadata{title: desc.Title, abstract: desc.Description, version: desc.Version}, nil

	default:
		return nil, nil, "", meta, apperr.New(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
			"Invalid deployment", fmt.Sprintf("unsupported execution unit kind %q", src.Unit.Kind))
	}
}

// fetchOGCDescription loads the full description of a remote OGC-API
// process.
func (s *Service) fetchOGCDescription(ctx context.Context, href string) (*process.OGCDescription, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	authctx.FromContext(ctx).Apply(req)

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRefUnreachable, http.StatusBadGateway, "Provider unreachable",
			fmt.Sprintf("request to %s failed", href), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, apperr.New(apperr.CodeRefUnreachable, http.StatusBadGateway, "Provider error",
			fmt.Sprintf("provider %s answered HTTP %d", href, resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 30<<20))
	if err != nil {
		return nil, err
	}
	var desc process.OGCDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, apperr.Wrap(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
			"Invalid deployment", fmt.Sprintf("%s is not an OGC process description", href), err)
	}
	return &desc, nil
}

func rejectBuiltin(id string) error {
	if builtins.IsBuiltin(id) {
		return apperr.New(apperr.CodeForbidden, http.StatusForbidden, "Builtin process",
			fmt.Sprintf("process %s is built in and cannot be modified", id))
	}
	return nil
}

func descriptionMismatch(err error) error {
	return apperr.Wrap(apperr.CodeDescriptionMismatch, http.StatusUnprocessableEntity,
		"Description mismatch", "declared description contradicts the execution unit", err)
}

type bumpKind int

const (
	bumpPatch bumpKind = iota
	bumpMinor
	bumpMajor
)

// nextVersion picks the version of a new revision: an explicitly requested
// version must be greater than the current one; otherwise the current
// version is bumped.
func nextVersion(current, requested string, bump bumpKind) (string, error) {
	cur, err := semver.NewVersion(current)
	if err != nil {
		// Stored revisions always carry a valid version; recover with the
		// deployment default.
		cur = semver.MustParse(defaultVersion)
	}
	if requested != "" && requested != current {
		req, err := semver.NewVersion(requested)
		if err != nil {
			return "", apperr.New(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
				"Invalid version", fmt.Sprintf("version %q is not semantic", requested))
		}
		if !req.GreaterThan(cur) {
			return "", apperr.New(apperr.CodeConflictInUse, http.StatusConflict, "Version conflict",
				fmt.Sprintf("version %s does not advance the current %s", requested, current))
		}
		return req.String(), nil
	}
	var next semver.Version
	switch bump {
	case bumpMajor:
		next = cur.IncMajor()
	case bumpMinor:
		next = cur.IncMinor()
	default:
		next = cur.IncPatch()
	}
	return next.String(), nil
}
