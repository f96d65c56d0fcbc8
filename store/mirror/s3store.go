// Copyright 2024 Dolthub, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dolthub/snug/snugerr"
	"github.com/dolthub/snug/store/chunks"
)

// s3API is the slice of the generated S3 client Snug depends on. It
// exists so tests can substitute a fake without dragging in network
// access, the same seam the teacher's awsTablePersister draws around
// its s3svc field.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store is a chunks.Store backed by an S3 bucket, intended as a
// glacier-tier backend: a long-term, off-box archival destination a
// mirrored Store fans writes out to.
type S3Store struct {
	api    s3API
	bucket string
	prefix string
}

// NewS3Store builds an S3Store using ambient AWS credentials/region
// resolution (environment, shared config, EC2/ECS role), mirroring how
// the teacher's remote storage backends are configured.
func NewS3Store(ctx context.Context, bucket, prefix string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, snugerr.New(snugerr.KindStorageError, bucket, "check AWS credentials and region configuration", err)
	}
	return &S3Store{api: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

// newS3StoreWithAPI is the test seam for NewS3Store.
func newS3StoreWithAPI(api s3API, bucket, prefix string) *S3Store {
	return &S3Store{api: api, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(id string) string {
	if s.prefix == "" {
		return id
	}
	return s.prefix + "/" + id
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

// Write implements chunks.Store by uploading the chunk under its id.
// Only the chunk bytes are uploaded: metadata is neither stored nor
// merged, and GetMetadata always returns false for this store.
func (s *S3Store) Write(ctx context.Context, id string, data []byte, metadata *chunks.ChunkMetadata) (string, error) {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", snugerr.New(snugerr.KindStorageError, id, "check S3 bucket permissions", err)
	}
	return id, nil
}

// Read implements chunks.Store.
func (s *S3Store) Read(ctx context.Context, id string) ([]byte, bool, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(id))})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, snugerr.New(snugerr.KindStorageError, id, "", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, snugerr.New(snugerr.KindStorageError, id, "", err)
	}
	return data, true, nil
}

// ReadRange implements chunks.Store using an HTTP Range header. The
// object's size is looked up first so an out-of-range offset returns
// (nil, false, nil) and an over-long length is clamped.
func (s *S3Store) ReadRange(ctx context.Context, id string, offset, length int64) ([]byte, bool, error) {
	size, ok, err := s.Size(ctx, id)
	if err != nil || !ok {
		return nil, false, err
	}
	if offset < 0 || offset > size {
		return nil, false, nil
	}
	if length > size-offset {
		length = size - offset
	}
	if length <= 0 {
		return []byte{}, true, nil
	}
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, snugerr.New(snugerr.KindStorageError, id, "", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, snugerr.New(snugerr.KindStorageError, id, "", err)
	}
	return data, true, nil
}

// Exists implements chunks.Store.
func (s *S3Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(id))})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, snugerr.New(snugerr.KindStorageError, id, "", err)
	}
	return true, nil
}

// Size implements chunks.Store.
func (s *S3Store) Size(ctx context.Context, id string) (int64, bool, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(id))})
	if err != nil {
		if isNotFound(err) {
			return 0, false, nil
		}
		return 0, false, snugerr.New(snugerr.KindStorageError, id, "", err)
	}
	if out.ContentLength == nil {
		return 0, true, nil
	}
	return *out.ContentLength, true, nil
}

// Delete implements chunks.Store. The mirrored Store never calls this
// for glacier tiers (glaciers are never deleted); it is exercised when
// an S3Store is used as a plain mirror tier instead.
func (s *S3Store) Delete(ctx context.Context, id string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(id))})
	if err != nil && !isNotFound(err) {
		return snugerr.New(snugerr.KindStorageError, id, "", err)
	}
	return nil
}

// s3Handle adapts a fully-buffered read into the ChunkHandle contract;
// S3 has no cheap "open" step distinct from a GetObject call.
type s3Handle struct {
	data []byte
}

func (h *s3Handle) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || offset > int64(len(h.data)) {
		return nil, nil
	}
	end := offset + length
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	return h.data[offset:end], nil
}

func (h *s3Handle) Size(ctx context.Context) (int64, error) { return int64(len(h.data)), nil }
func (h *s3Handle) Close() error                            { return nil }

// Handle implements chunks.Store.
func (s *S3Store) Handle(ctx context.Context, id string) (chunks.ChunkHandle, bool, error) {
	data, ok, err := s.Read(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &s3Handle{data: data}, true, nil
}

// GetMetadata implements chunks.Store. S3Store does not persist a
// side-car object; the mirrored store falls back to whichever tier
// does carry metadata (typically the primary fsstore).
func (s *S3Store) GetMetadata(ctx context.Context, id string) (*chunks.ChunkMetadata, bool, error) {
	return nil, false, nil
}

var _ chunks.Store = (*S3Store)(nil)
