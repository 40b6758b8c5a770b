// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package staging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/weaverproc/weaver/internal/job"
	"github.com/weaverproc/weaver/internal/process"
)

// inlineLimit bounds literal output files that may be inlined into the
// results document under transmissionMode=value.
const inlineLimit = 1 << 20

// PublisherConfig selects the output destination.
type PublisherConfig struct {
	// OutputDir/OutputURL place results on the shared filesystem served by
	// the instance.
	OutputDir string
	OutputURL string
	// S3Bucket/S3Region switch publication to S3 when the bucket is set.
	S3Bucket string
	S3Region string
}

// s3Uploader abstracts the SDK for tests.
type s3Uploader interface {
	upload(ctx context.Context, region, bucket, key string, r io.Reader, mediaType string) (string, error)
}

// Publisher moves produced files to their final location and builds the
// job results.
type Publisher struct {
	cfg    PublisherConfig
	s3     s3Uploader
	logger *slog.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(cfg PublisherConfig, logger *slog.Logger) *Publisher {
	return &Publisher{cfg: cfg, logger: logger.With("module", "staging")}
}

// Publish places every declared output of the job and returns the results.
// engineOutputs is the runner's output object keyed by output id; files are
// located from it, falling back to a glob on outDir.
//
// The transmission mode of each output resolves as: submit-time override,
// then the process default, then value.
func (p *Publisher) Publish(ctx context.Context, j *job.Job, proc *process.Process, engineOutputs map[string]any, outDir string) ([]job.Result, error) {
	var results []job.Result

	for i := range proc.Outputs {
		desc := &proc.Outputs[i]
		if len(j.OutputsRequest) > 0 {
			// An explicit outputs filter drops unrequested outputs.
			if _, requested := j.OutputsRequest[desc.ID]; !requested {
				continue
			}
		}
		mode := p.transmissionMode(j, proc, desc.ID)

		files := locateFiles(engineOutputs[desc.ID], outDir, desc.ID)
		if len(files) == 0 {
			if desc.MinOccurs > 0 {
				return nil, fmt.Errorf("output %q was not produced", desc.ID)
			}
			continue
		}

		for _, file := range files {
			res, err := p.publishFile(ctx, j, desc, file, mode)
			if err != nil {
				return nil, err
			}
			results = append(results, res)
		}
	}
	return results, nil
}

func (p *Publisher) transmissionMode(j *job.Job, proc *process.Process, outputID string) process.TransmissionMode {
	if req, ok := j.OutputsRequest[outputID]; ok && req.TransmissionMode != "" {
		return req.TransmissionMode
	}
	if len(proc.OutputTransmission) > 0 {
		return proc.OutputTransmission[0]
	}
	return process.TransmissionValue
}

// publishFile moves one produced file to its destination and builds the
// result entry.
func (p *Publisher) publishFile(ctx context.Context, j *job.Job, desc *process.IODescriptor, file stagedFile, mode process.TransmissionMode) (job.Result, error) {
	mediaType := file.mediaType
	if mediaType == "" {
		if f, ok := desc.DefaultFormat(); ok {
			mediaType = f.MediaType
		}
	}

	// Small literal outputs are inlined under transmissionMode=value.
	if mode == process.TransmissionValue && isLiteralClass(desc) {
		data, err := os.ReadFile(file.path)
		if err != nil {
			return job.Result{}, fmt.Errorf("failed to read output %q: %w", desc.ID, err)
		}
		if int64(len(data)) <= inlineLimit {
			return job.Result{
				ID:        desc.ID,
				Value:     strings.TrimRight(string(data), "\n"),
				MediaType: mediaType,
				Mode:      mode,
				Size:      int64(len(data)),
			}, nil
		}
	}

	filename := filepath.Base(file.path)
	key := destinationKey(j, desc.ID, filename)

	info, err := os.Stat(file.path)
	if err != nil {
		return job.Result{}, fmt.Errorf("output %q vanished: %w", desc.ID, err)
	}

	var href, local string
	if p.cfg.S3Bucket != "" {
		in, err := os.Open(file.path)
		if err != nil {
			return job.Result{}, err
		}
		defer in.Close()
		href, err = p.uploader().upload(ctx, p.cfg.S3Region, p.cfg.S3Bucket, key, in, mediaType)
		if err != nil {
			return job.Result{}, fmt.Errorf("failed to upload output %q: %w", desc.ID, err)
		}
	} else {
		dest := filepath.Join(p.cfg.OutputDir, filepath.FromSlash(key))
		if err := copyFile(file.path, dest); err != nil {
			return job.Result{}, fmt.Errorf("failed to place output %q: %w", desc.ID, err)
		}
		href = strings.TrimSuffix(p.cfg.OutputURL, "/") + "/" + key
		// The published copy outlives the job workdir, so raw responses
		// can stream it later.
		local = dest
	}

	p.logger.Debug("output published", "jobId", j.ID, "output", desc.ID, "href", href, "bytes", info.Size())
	return job.Result{
		ID:        desc.ID,
		Href:      href,
		MediaType: mediaType,
		Mode:      mode,
		LocalPath: local,
		Size:      info.Size(),
	}, nil
}

// Purge removes the published outputs of a job from the shared output
// directory. S3 objects are left to the bucket's lifecycle rules.
func (p *Publisher) Purge(j *job.Job) error {
	if p.cfg.OutputDir == "" || p.cfg.S3Bucket != "" {
		return nil
	}
	dir := p.cfg.OutputDir
	if j.OutputContext != "" {
		dir = filepath.Join(dir, filepath.Clean("/"+j.OutputContext))
	}
	return os.RemoveAll(filepath.Join(dir, j.ID.String()))
}

// destinationKey builds {context}/{job_id}/{output_id}/{filename}.
func destinationKey(j *job.Job, outputID, filename string) string {
	parts := []string{}
	if j.OutputContext != "" {
		parts = append(parts, strings.Trim(j.OutputContext, "/"))
	}
	parts = append(parts, j.ID.String(), outputID, filename)
	return strings.Join(parts, "/")
}

func isLiteralClass(desc *process.IODescriptor) bool {
	return desc.Class == process.ClassLiteral || desc.Class == process.ClassEnum
}

type stagedFile struct {
	path      string
	mediaType string
}

// locateFiles extracts the produced file paths for one output, preferring
// the engine's output object over a directory glob.
func locateFiles(engineValue any, outDir, outputID string) []stagedFile {
	var files []stagedFile
	collect := func(v any) {
		m, ok := v.(map[string]any)
		if !ok {
			return
		}
		path, _ := m["path"].(string)
		if path == "" {
			if loc, _ := m["location"].(string); strings.HasPrefix(loc, "file://") {
				path = strings.TrimPrefix(loc, "file://")
			}
		}
		if path == "" {
			return
		}
		mediaType, _ := m["format"].(string)
		files = append(files, stagedFile{path: path, mediaType: mediaType})
	}

	switch v := engineValue.(type) {
	case []any:
		for _, item := range v {
			collect(item)
		}
	case map[string]any:
		collect(v)
	}
	if len(files) > 0 {
		return files
	}

	// Fallback: glob {outDir}/{output_id}* and the step-prefixed layout
	// {outDir}/*/{output_id}/*.
	patterns := []string{
		filepath.Join(outDir, outputID+"*"),
		filepath.Join(outDir, "*", outputID, "*"),
	}
	for _, pattern := range patterns {
		matches, _ := filepath.Glob(pattern)
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && !info.IsDir() {
				files = append(files, stagedFile{path: m})
			}
		}
	}
	return files
}

// StepOutputPath places a collected remote step result where the engine's
// glob expects it: {workdir}/{step_id}/{output_id}/{filename}.
func StepOutputPath(workdir, stepID, outputID, filename string) string {
	return filepath.Join(workdir, stepID, outputID, filename)
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
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

// uploader lazily builds the SDK-backed S3 uploader.
func (p *Publisher) uploader() s3Uploader {
	if p.s3 == nil {
		p.s3 = &awsUploader{}
	}
	return p.s3
}

type awsUploader struct {
	client *s3.Client
}

func (u *awsUploader) upload(ctx context.Context, region, bucket, key string, r io.Reader, mediaType string) (string, error) {
	if u.client == nil {
		loadOpts := []func(*awsconfig.LoadOptions) error{}
		if region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return "", fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		u.client = s3.NewFromConfig(cfg)
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if mediaType != "" {
		input.ContentType = aws.String(mediaType)
	}
	if _, err := u.client.PutObject(ctx, input); err != nil {
		return "", err
	}
	host := bucket + ".s3.amazonaws.com"
	if region != "" {
		host = fmt.Sprintf("%s.s3.%s.amazonaws.com", bucket, region)
	}
	return fmt.Sprintf("https://%s/%s", host, key), nil
}
