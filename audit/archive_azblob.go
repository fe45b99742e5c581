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

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzBlobArchiver ships segments to an Azure Blob container.
type AzBlobArchiver struct {
	client    *azblob.Client
	container string
}

// AzBlobArchiverOptions configures the Azure archiver. Exactly one of
// ConnectionString, AccountKey, or the default credential chain (both
// empty) authenticates.
type AzBlobArchiverOptions struct {
	Account          string
	Container        string
	ConnectionString string
	AccountKey       string
}

// NewAzBlobArchiver creates the blob client.
func NewAzBlobArchiver(opts AzBlobArchiverOptions) (*AzBlobArchiver, error) {
	if opts.Container == "" {
		return nil, fmt.Errorf("azblob archiver requires a container")
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", opts.Account)

	var (
		client *azblob.Client
		err    error
	)
	switch {
	case opts.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(opts.ConnectionString, nil)
	case opts.AccountKey != "":
		if opts.Account == "" {
			return nil, fmt.Errorf("azblob archiver requires an account with an account key")
		}
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(opts.Account, opts.AccountKey)
		if err == nil {
			client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		}
	default:
		if opts.Account == "" {
			return nil, fmt.Errorf("azblob archiver requires an account")
		}
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err == nil {
			client, err = azblob.NewClient(serviceURL, cred, nil)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create azure blob client: %w", err)
	}

	return &AzBlobArchiver{client: client, container: opts.Container}, nil
}

// Store uploads one segment blob.
func (a *AzBlobArchiver) Store(ctx context.Context, key string, data []byte) error {
	_, err := a.client.UploadBuffer(ctx, a.container, key, data, nil)
	if err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", a.container, key, err)
	}
	return nil
}
