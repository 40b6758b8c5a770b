// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/cwl"
	"github.com/weaverproc/weaver/internal/dispatch"
	"github.com/weaverproc/weaver/internal/job"
)

// runWorkflow executes the steps of a CWL workflow in dependency order and
// maps the declared workflow outputs from the step outputs.
func (w *Worker) runWorkflow(ctx context.Context, j *job.Job, doc cwl.Document,
	staged map[string]any, workdir, outDir string) (map[string]any, []job.StepStatistics, error) {
	steps, err := doc.Steps()
	if err != nil {
		return nil, nil, err
	}
	order, err := topoOrder(steps)
	if err != nil {
		return nil, nil, err
	}

	stepOutputs := map[string]map[string]any{}
	var stats []job.StepStatistics

	for i, step := range order {
		if cancelled, _ := w.queue.Cancelled(ctx, j.ID.String()); cancelled {
			return nil, nil, context.Canceled
		}

		stepDoc, err := stepDocument(doc, step)
		if err != nil {
			return nil, nil, err
		}
		inputs, err := resolveStepInputs(step, staged, stepOutputs)
		if err != nil {
			return nil, nil, err
		}

		j.Log("INFO", fmt.Sprintf("running step %s (%d/%d)", step.ID, i+1, len(order)))
		started := time.Now()
		stepIdx, total := i, len(order)
		res, err := w.dispatcher.RunStep(ctx, &dispatch.StepRequest{
			JobID:    j.ID.String(),
			StepID:   step.ID,
			Document: stepDoc,
			Inputs:   inputs,
			WorkDir:  filepath.Join(workdir, "steps", step.ID),
			OutDir:   outDir,
			Log:      func(line string) { j.Log("INFO", line) },
			Progress: func(p int) { j.SetProgress(scaleProgress(p, stepIdx, total)) },
		})
		stats = append(stats, job.StepStatistics{StepID: step.ID, Duration: time.Since(started)})
		if err != nil {
			return nil, stats, err
		}
		stepOutputs[step.ID] = res.Outputs
		j.Log("INFO", fmt.Sprintf("step %s completed", step.ID))
		j.SetProgress(scaleProgress(100, stepIdx, total))
	}

	outputs, err := workflowOutputs(doc, stepOutputs)
	if err != nil {
		return nil, stats, err
	}
	return outputs, stats, nil
}

// topoOrder sorts the steps so that every step runs after the steps it
// sources inputs from.
func topoOrder(steps []cwl.Step) ([]cwl.Step, error) {
	byID := make(map[string]cwl.Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, source := range s.In {
			if from, _, ok := splitSource(source); ok {
				if _, known := byID[from]; known {
					deps[s.ID] = append(deps[s.ID], from)
				}
			}
		}
	}

	var (
		order   []cwl.Step
		state   = map[string]int{} // 0 unvisited, 1 visiting, 2 done
		visit   func(id string) error
		pending []string
	)
	for _, s := range steps {
		pending = append(pending, s.ID)
	}
	visit = func(id string) error {
		switch state[id] {
		case 2:
			return nil
		case 1:
			return apperr.New(apperr.CodeUnprocessable, http.StatusUnprocessableEntity,
				"Invalid workflow", fmt.Sprintf("step dependency cycle through %q", id))
		}
		state[id] = 1
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = 2
		order = append(order, byID[id])
		return nil
	}
	for _, id := range pending {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// stepDocument extracts the embedded tool document of a step and folds the
// step-scoped requirements and hints into it, so dispatch routing sees them.
func stepDocument(doc cwl.Document, step cwl.Step) (cwl.Document, error) {
	body, ok := step.Run.(map[string]any)
	if !ok {
		if ref, _ := step.Run.(string); ref != "" {
			// Deployment inlines run references; one surviving here means
			// the package skipped normalization.
			return nil, apperr.New(apperr.CodeUnprocessable, http.StatusUnprocessableEntity,
				"Invalid workflow", fmt.Sprintf("step %q references external tool %q", step.ID, ref))
		}
		return nil, apperr.New(apperr.CodeUnprocessable, http.StatusUnprocessableEntity,
			"Invalid workflow", fmt.Sprintf("step %q has no run document", step.ID))
	}

	stepDoc := cwl.Document{}
	for k, v := range body {
		stepDoc[k] = v
	}
	for class, fields := range step.Requirements {
		entry := stepDoc.EnsureRequirement(class)
		for k, v := range fields {
			entry[k] = v
		}
	}
	for class, fields := range step.Hints {
		entry := stepDoc.EnsureRequirement(class)
		for k, v := range fields {
			entry[k] = v
		}
	}
	return stepDoc, nil
}

// resolveStepInputs maps each step input from its workflow-level source:
// either a workflow input id or a {step}/{output} pair.
func resolveStepInputs(step cwl.Step, staged map[string]any, stepOutputs map[string]map[string]any) (map[string]any, error) {
	inputs := map[string]any{}
	for id, source := range step.In {
		if from, output, ok := splitSource(source); ok {
			if produced, done := stepOutputs[from]; done {
				value, present := produced[output]
				if !present {
					return nil, apperr.New(apperr.CodeUnprocessable, http.StatusUnprocessableEntity,
						"Invalid workflow", fmt.Sprintf("step %q sources missing output %s/%s", step.ID, from, output))
				}
				inputs[id] = value
				continue
			}
		}
		if value, present := staged[source]; present {
			inputs[id] = value
			continue
		}
		// Optional workflow inputs may be absent; the step's own defaults
		// apply then.
	}
	return inputs, nil
}

// workflowOutputs maps declared workflow outputs from their outputSource.
func workflowOutputs(doc cwl.Document, stepOutputs map[string]map[string]any) (map[string]any, error) {
	outputs := map[string]any{}
	collect := func(id, source string) error {
		from, output, ok := splitSource(source)
		if !ok {
			return apperr.New(apperr.CodeUnprocessable, http.StatusUnprocessableEntity,
				"Invalid workflow", fmt.Sprintf("output %q has no step source", id))
		}
		produced, done := stepOutputs[from]
		if !done {
			return apperr.New(apperr.CodeUnprocessable, http.StatusUnprocessableEntity,
				"Invalid workflow", fmt.Sprintf("output %q sources unknown step %q", id, from))
		}
		if value, present := produced[output]; present {
			outputs[id] = value
		}
		return nil
	}

	switch raw := doc["outputs"].(type) {
	case map[string]any:
		for id, entry := range raw {
			if body, ok := entry.(map[string]any); ok {
				if source, _ := body["outputSource"].(string); source != "" {
					if err := collect(id, source); err != nil {
						return nil, err
					}
				}
			}
		}
	case []any:
		for _, entry := range raw {
			body, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			id, _ := body["id"].(string)
			source, _ := body["outputSource"].(string)
			if id != "" && source != "" {
				if err := collect(strings.TrimPrefix(id, "#"), source); err != nil {
					return nil, err
				}
			}
		}
	}
	return outputs, nil
}

// splitSource splits a "{step}/{output}" source reference.
func splitSource(source string) (step, output string, ok bool) {
	source = strings.TrimPrefix(source, "#")
	idx := strings.LastIndex(source, "/")
	if idx <= 0 || idx == len(source)-1 {
		return "", "", false
	}
	return source[:idx], source[idx+1:], true
}
