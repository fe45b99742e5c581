// Copyright 2025 AxonFlow
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

package audit

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSArchiver ships segments to a Google Cloud Storage bucket.
type GCSArchiver struct {
	client *storage.Client
	bucket string
}

// GCSArchiverOptions configures the GCS archiver. Credentials fall back
// to application default credentials when neither field is set.
type GCSArchiverOptions struct {
	Bucket          string
	CredentialsFile string
	CredentialsJSON string
	Endpoint        string // emulator or private endpoint
}

// NewGCSArchiver creates the storage client.
func NewGCSArchiver(ctx context.Context, opts GCSArchiverOptions) (*GCSArchiver, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("gcs archiver requires a bucket")
	}

	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	} else if opts.CredentialsJSON != "" {
		clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(opts.CredentialsJSON)))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: opts.Bucket}, nil
}

// Store uploads one segment object.
func (a *GCSArchiver) Store(ctx context.Context, key string, data []byte) error {
	w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/jsonl"
	w.ContentEncoding = "gzip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write gs://%s/%s: %w", a.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish gs://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}

// Close releases the storage client.
func (a *GCSArchiver) Close() error {
	return a.client.Close()
}
