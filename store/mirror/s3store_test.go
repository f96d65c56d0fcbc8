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
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory stand-in for the S3 wire API, in the same
// spirit as the teacher's nbs.fakeS3 test double.
type fakeS3 struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{data: map[string][]byte{}} }

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	d, ok := f.data[aws.ToString(in.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	if in.Range != nil {
		var start, end int
		if _, err := fmt.Sscanf(aws.ToString(in.Range), "bytes=%d-%d", &start, &end); err == nil {
			if end >= len(d) {
				end = len(d) - 1
			}
			d = d[start : end+1]
		}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(d)), ContentLength: aws.Int64(int64(len(d)))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	d, ok := f.data[aws.ToString(in.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(d)))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3StoreWriteReadRoundTrip(t *testing.T) {
	api := newFakeS3()
	s := newS3StoreWithAPI(api, "bucket", "chunks")

	ctx := context.Background()
	_, err := s.Write(ctx, "abc123", []byte("glacier payload"), nil)
	require.NoError(t, err)

	data, ok, err := s.Read(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "glacier payload", string(data))

	sz, ok, err := s.Size(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, len("glacier payload"), sz)
}

func TestS3StoreMissingKeyIsNotAnError(t *testing.T) {
	api := newFakeS3()
	s := newS3StoreWithAPI(api, "bucket", "")

	_, ok, err := s.Read(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := s.Exists(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestS3StoreDelete(t *testing.T) {
	api := newFakeS3()
	s := newS3StoreWithAPI(api, "bucket", "")

	ctx := context.Background()
	_, err := s.Write(ctx, "to-delete", []byte("x"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "to-delete"))

	exists, err := s.Exists(ctx, "to-delete")
	require.NoError(t, err)
	assert.False(t, exists)
}
