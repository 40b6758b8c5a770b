// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/weaverproc/weaver/internal/apperr"
)

// s3Client abstracts the AWS SDK so tests can substitute a fake.
type s3Client interface {
	download(ctx context.Context, region, bucket, key string, w io.Writer) (mediaType string, err error)
}

// s3Ref is a parsed s3:// reference.
type s3Ref struct {
	Region string
	Bucket string
	Key    string
}

// ParseS3Ref parses the supported s3 URL forms:
//
//	s3://bucket/key
//	s3://s3.{region}.amazonaws.com/bucket/key
//	s3://bucket.s3.{region}.amazonaws.com/key
//	s3://arn:aws:s3:{region}:{account}:accesspoint/{name}/key
//	s3://arn:aws:s3-outposts:{region}:{account}:outpost/{id}/accesspoint/{name}/key
//
// The ARN forms cannot go through url.Parse, so the reference is taken raw.
func ParseS3Ref(rawURL string) (s3Ref, error) {
	raw := strings.TrimPrefix(rawURL, "s3://")
	if raw == "" {
		return s3Ref{}, apperr.New(apperr.CodeRefInvalid, http.StatusBadRequest, "Invalid reference", "empty s3 reference")
	}

	if strings.HasPrefix(raw, "arn:") {
		return parseS3ARN(raw)
	}

	host, p, _ := strings.Cut(raw, "/")
	if strings.HasPrefix(host, "s3.") && strings.HasSuffix(host, ".amazonaws.com") {
		// path-style endpoint: region is in the host, bucket leads the path
		region := strings.TrimSuffix(strings.TrimPrefix(host, "s3."), ".amazonaws.com")
		bucket, key, ok := strings.Cut(p, "/")
		if !ok || bucket == "" || key == "" {
			return s3Ref{}, apperr.New(apperr.CodeRefInvalid, http.StatusBadRequest, "Invalid reference",
				fmt.Sprintf("s3 endpoint reference %q has no bucket/key", raw))
		}
		return s3Ref{Region: region, Bucket: bucket, Key: key}, nil
	}
	if idx := strings.Index(host, ".s3."); idx > 0 && strings.HasSuffix(host, ".amazonaws.com") {
		// virtual-host endpoint: bucket.s3.{region}.amazonaws.com
		bucket := host[:idx]
		region := strings.TrimSuffix(host[idx+len(".s3."):], ".amazonaws.com")
		if p == "" {
			return s3Ref{}, apperr.New(apperr.CodeRefInvalid, http.StatusBadRequest, "Invalid reference",
				fmt.Sprintf("s3 reference %q has no key", raw))
		}
		return s3Ref{Region: region, Bucket: bucket, Key: p}, nil
	}

	if host == "" || p == "" {
		return s3Ref{}, apperr.New(apperr.CodeRefInvalid, http.StatusBadRequest, "Invalid reference",
			fmt.Sprintf("s3 reference %q has no bucket/key", raw))
	}
	return s3Ref{Bucket: host, Key: p}, nil
}

// parseS3ARN splits an access-point or outpost ARN reference into the ARN
// bucket and the trailing object key.
func parseS3ARN(raw string) (s3Ref, error) {
	parts := strings.SplitN(raw, ":", 6)
	if len(parts) < 6 {
		return s3Ref{}, apperr.New(apperr.CodeRefInvalid, http.StatusBadRequest, "Invalid reference",
			fmt.Sprintf("malformed s3 ARN %q", raw))
	}
	region := parts[3]
	resource := parts[5]

	var arnEnd int
	switch {
	case strings.HasPrefix(resource, "accesspoint/"):
		// arn ends after accesspoint/{name}
		segments := strings.SplitN(resource, "/", 3)
		if len(segments) < 3 {
			return s3Ref{}, apperr.New(apperr.CodeRefInvalid, http.StatusBadRequest, "Invalid reference",
				fmt.Sprintf("s3 access-point reference %q has no key", raw))
		}
		arnEnd = len(raw) - len(segments[2]) - 1
	case strings.HasPrefix(resource, "outpost/"):
		// arn ends after outpost/{id}/accesspoint/{name}
		segments := strings.SplitN(resource, "/", 5)
		if len(segments) < 5 {
			return s3Ref{}, apperr.New(apperr.CodeRefInvalid, http.StatusBadRequest, "Invalid reference",
				fmt.Sprintf("s3 outpost reference %q has no key", raw))
		}
		arnEnd = len(raw) - len(segments[4]) - 1
	default:
		return s3Ref{}, apperr.New(apperr.CodeRefInvalid, http.StatusBadRequest, "Invalid reference",
			fmt.Sprintf("unsupported s3 ARN resource in %q", raw))
	}

	return s3Ref{Region: region, Bucket: raw[:arnEnd], Key: raw[arnEnd+1:]}, nil
}

func (f *Fetcher) fetchS3(ctx context.Context, rawURL, destDir string) (*Result, error) {
	ref, err := ParseS3Ref(rawURL)
	if err != nil {
		return nil, err
	}
	region := ref.Region
	if region == "" {
		region = f.cfg.S3Region
	}

	name := SecureFilename(path.Base(ref.Key))
	dest := filepath.Join(destDir, name)
	out, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer out.Close()

	client := f.s3
	if client == nil {
		client = defaultS3()
	}
	mediaType, err := client.download(ctx, region, ref.Bucket, ref.Key, out)
	if err != nil {
		_ = os.Remove(dest)
		return nil, apperr.Wrap(apperr.CodeRefUnreachable, http.StatusBadRequest, "Unreachable reference",
			fmt.Sprintf("failed to download s3://%s/%s", ref.Bucket, ref.Key), err)
	}
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = mediaTypeFromName(name)
	}
	return &Result{LocalPath: dest, MediaType: mediaType, Filename: name}, nil
}

// awsS3 is the real SDK-backed client, with per-region client reuse.
type awsS3 struct {
	mu      sync.Mutex
	clients map[string]*s3.Client
}

var (
	defaultS3Once sync.Once
	defaultS3Inst *awsS3
)

func defaultS3() *awsS3 {
	defaultS3Once.Do(func() {
		defaultS3Inst = &awsS3{clients: map[string]*s3.Client{}}
	})
	return defaultS3Inst
}

func (a *awsS3) client(ctx context.Context, region string) (*s3.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[region]; ok {
		return c, nil
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	c := s3.NewFromConfig(cfg)
	a.clients[region] = c
	return c, nil
}

func (a *awsS3) download(ctx context.Context, region, bucket, key string, w io.Writer) (string, error) {
	client, err := a.client(ctx, region)
	if err != nil {
		return "", err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", err
	}
	defer out.Body.Close()
	if _, err := io.Copy(w, out.Body); err != nil {
		return "", err
	}
	return aws.ToString(out.ContentType), nil
}
