package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/llm"
)

type putCall struct {
	bucket string
	object string
	body   []byte
	opts   minio.PutObjectOptions
}

type mockObjectPutter struct {
	calls []putCall
	err   error
}

func (m *mockObjectPutter) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64,
	opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	body, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if int64(len(body)) != objectSize {
		return minio.UploadInfo{}, errors.New("size mismatch")
	}
	m.calls = append(m.calls, putCall{bucket: bucketName, object: objectName, body: body, opts: opts})
	if m.err != nil {
		return minio.UploadInfo{}, m.err
	}
	return minio.UploadInfo{Bucket: bucketName, Key: objectName, Size: objectSize}, nil
}

func testConversation(analysisID string) *llm.Conversation {
	return &llm.Conversation{
		ID:              uuid.MustParse("3f1c1f0e-2a4b-4d8e-9a57-0c7d2b1e6f10"),
		AnalysisID:      analysisID,
		Model:           "gpt-4o",
		Prompt:          "Extract the facts.",
		ResponseContent: `{"system": {}}`,
		Status:          "success",
		CreatedAt:       time.Date(2024, 3, 7, 23, 30, 0, 0, time.UTC),
	}
}

func TestObjectName(t *testing.T) {
	assert.Equal(t,
		"conversations/INC-7/2024/03/07/3f1c1f0e-2a4b-4d8e-9a57-0c7d2b1e6f10.json",
		ObjectName(testConversation("INC-7")))
	assert.Equal(t,
		"conversations/unassigned/2024/03/07/3f1c1f0e-2a4b-4d8e-9a57-0c7d2b1e6f10.json",
		ObjectName(testConversation("")))
}

func TestConversationStore_Save(t *testing.T) {
	putter := &mockObjectPutter{}
	store := NewConversationStore(putter, "exchanges", zap.NewNop())

	require.NoError(t, store.SaveConversation(context.Background(), testConversation("INC-7")))

	require.Len(t, putter.calls, 1)
	call := putter.calls[0]
	assert.Equal(t, "exchanges", call.bucket)
	assert.Equal(t, "application/json", call.opts.ContentType)
	assert.Equal(t, "INC-7", call.opts.UserMetadata["analysis-id"])

	var stored llm.Conversation
	require.NoError(t, json.Unmarshal(call.body, &stored))
	assert.Equal(t, "Extract the facts.", stored.Prompt)
	assert.Equal(t, "INC-7", stored.AnalysisID)
}

func TestConversationStore_SaveError(t *testing.T) {
	putter := &mockObjectPutter{err: errors.New("The specified bucket does not exist")}
	store := NewConversationStore(putter, "exchanges", zap.NewNop())

	err := store.SaveConversation(context.Background(), testConversation("INC-7"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to store conversation conversations/INC-7/")
}
