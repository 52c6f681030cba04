// Package archive keeps raw LLM exchanges in an S3-compatible object store
// for later audit of extraction results.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/llm"
)

// unassignedPrefix holds exchanges made outside an analysis.
const unassignedPrefix = "unassigned"

// Config locates the bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// ObjectPutter is the subset of *minio.Client the store writes through.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64,
		opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ConversationStore writes each conversation as one JSON object.
type ConversationStore struct {
	client ObjectPutter
	bucket string
	logger *zap.Logger
}

var _ llm.ConversationStore = (*ConversationStore)(nil)

// NewMinioConversationStore connects to the object store and creates the
// bucket when it does not exist yet.
func NewMinioConversationStore(ctx context.Context, cfg Config, logger *zap.Logger) (*ConversationStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("Created exchange archive bucket", zap.String("bucket", cfg.Bucket))
	}

	return NewConversationStore(client, cfg.Bucket, logger), nil
}

// NewConversationStore wraps an existing client.
func NewConversationStore(client ObjectPutter, bucket string, logger *zap.Logger) *ConversationStore {
	return &ConversationStore{
		client: client,
		bucket: bucket,
		logger: logger.Named("archive"),
	}
}

// ObjectName returns where a conversation is stored:
// conversations/<analysis id>/<yyyy>/<mm>/<dd>/<conversation id>.json.
func ObjectName(conv *llm.Conversation) string {
	prefix := conv.AnalysisID
	if prefix == "" {
		prefix = unassignedPrefix
	}
	ts := conv.CreatedAt.UTC()
	return path.Join("conversations", prefix,
		fmt.Sprintf("%04d", ts.Year()), fmt.Sprintf("%02d", int(ts.Month())), fmt.Sprintf("%02d", ts.Day()),
		conv.ID.String()+".json")
}

// SaveConversation implements llm.ConversationStore.
func (s *ConversationStore) SaveConversation(ctx context.Context, conv *llm.Conversation) error {
	body, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	name := ObjectName(conv)
	_, err = s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"analysis-id": conv.AnalysisID,
				"model":       conv.Model,
				"status":      conv.Status,
			},
		})
	if err != nil {
		return fmt.Errorf("failed to store conversation %s: %w", name, err)
	}

	s.logger.Debug("Archived LLM exchange",
		zap.String("object", name),
		zap.Int("bytes", len(body)))
	return nil
}
