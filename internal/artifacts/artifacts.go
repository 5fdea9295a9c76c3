// Package artifacts retains raw analyzer reports in object storage so a
// finding's full tool output stays auditable after the sandbox is gone.
package artifacts

import (
	"bytes"
	"context"
	"fmt"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Client struct {
	mc     *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey string, useSSL bool, bucket string) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &Client{mc: mc, bucket: bucket}, nil
}

// UploadReport stores one tool's raw JSON output under a per-scan prefix.
func (c *Client) UploadReport(ctx context.Context, scanID, tool string, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	key := fmt.Sprintf("reports/%s/%s.json", scanID, tool)
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}
