// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package s3 is an aws-sdk-go-backed artifact.Store, grounded on the
// teacher's components/sqs package for the aws-sdk-go session and
// client construction pattern (session.Must(session.NewSession()),
// aws.NewConfig().WithRegion) and adapted from a queue client to an
// S3 client.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// Store is an artifact.Store backed by a single S3 bucket, keyed by
// the vertex-definition name under a fixed "cra/" prefix — the
// container layout spec.md §6 names as "<definition>/binaries".
type Store struct {
	svc    *s3.S3
	bucket string
}

// Dial parses a "bucket-name[?region=us-east-1]" connection string
// and opens an S3 client against it.
func Dial(connString string) (*Store, error) {
	bucket, region := connString, ""
	if idx := strings.Index(connString, "?region="); idx >= 0 {
		bucket, region = connString[:idx], connString[idx+len("?region="):]
	}
	if bucket == "" {
		return nil, fmt.Errorf("s3: connection string must name a bucket, got %q", connString)
	}

	sess := session.Must(session.NewSession())
	svc := s3.New(sess, aws.NewConfig().WithRegion(region))

	return &Store{svc: svc, bucket: bucket}, nil
}

func (s *Store) key(definition string) string {
	return fmt.Sprintf("cra/%s/binaries", definition)
}

// Upload implements artifact.Store.
func (s *Store) Upload(ctx context.Context, definition string, blob []byte) error {
	_, err := s.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(definition)),
		Body:   bytes.NewReader(blob),
	})
	if err != nil {
		return fmt.Errorf("s3: upload %s: %w", definition, err)
	}
	return nil
}

// Download implements artifact.Store.
func (s *Store) Download(ctx context.Context, definition string) ([]byte, error) {
	out, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(definition)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, fmt.Errorf("s3: no artifact uploaded for definition %q", definition)
		}
		return nil, fmt.Errorf("s3: download %s: %w", definition, err)
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

// Delete implements artifact.Store.
func (s *Store) Delete(ctx context.Context, definition string) error {
	_, err := s.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(definition)),
	})
	if err != nil {
		return fmt.Errorf("s3: delete %s: %w", definition, err)
	}
	return nil
}

// Clear implements artifact.Store by listing every object under the
// fixed "cra/" prefix and deleting them in batches of up to 1000, the
// limit DeleteObjectsWithContext accepts per call.
func (s *Store) Clear(ctx context.Context) error {
	var continuationToken *string

	for {
		page, err := s.svc.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String("cra/"),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return fmt.Errorf("s3: list objects for clear: %w", err)
		}

		if len(page.Contents) > 0 {
			ids := make([]*s3.ObjectIdentifier, len(page.Contents))
			for i, obj := range page.Contents {
				ids[i] = &s3.ObjectIdentifier{Key: obj.Key}
			}

			if _, err := s.svc.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.bucket),
				Delete: &s3.Delete{Objects: ids},
			}); err != nil {
				return fmt.Errorf("s3: batch delete during clear: %w", err)
			}
		}

		if page.IsTruncated == nil || !*page.IsTruncated {
			return nil
		}
		continuationToken = page.NextContinuationToken
	}
}
