package llm

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ConversationRecorder receives completed conversations.
type ConversationRecorder interface {
	// Record queues a completed conversation. Must not block the caller.
	Record(conv *Conversation)
}

// ConversationStore persists a conversation, e.g. to an object store.
type ConversationStore interface {
	SaveConversation(ctx context.Context, conv *Conversation) error
}

// AsyncConversationRecorder records conversations on a background goroutine
// so archiving never adds latency to an analysis.
type AsyncConversationRecorder struct {
	store       ConversationStore
	saveTimeout time.Duration
	logger      *zap.Logger
	queue       chan *Conversation
	done        chan struct{}
}

// NewAsyncConversationRecorder creates a new async recorder.
// queueSize controls the buffer size - if full, records are dropped with a warning.
func NewAsyncConversationRecorder(store ConversationStore, logger *zap.Logger, queueSize int) *AsyncConversationRecorder {
	if queueSize <= 0 {
		queueSize = 100
	}

	r := &AsyncConversationRecorder{
		store:       store,
		saveTimeout: 30 * time.Second,
		logger:      logger.Named("conversation-recorder"),
		queue:       make(chan *Conversation, queueSize),
		done:        make(chan struct{}),
	}

	go r.processQueue()

	return r
}

// Record queues a conversation for async persistence.
func (r *AsyncConversationRecorder) Record(conv *Conversation) {
	select {
	case r.queue <- conv:
	default:
		r.logger.Warn("Conversation record queue full, dropping entry",
			zap.String("analysis_id", conv.AnalysisID),
			zap.String("model", conv.Model))
	}
}

// Close stops the recorder and waits for queued records to be saved.
func (r *AsyncConversationRecorder) Close() {
	close(r.queue)
	<-r.done
}

func (r *AsyncConversationRecorder) processQueue() {
	defer close(r.done)

	for conv := range r.queue {
		r.save(conv)
	}
}

func (r *AsyncConversationRecorder) save(conv *Conversation) {
	ctx, cancel := context.WithTimeout(context.Background(), r.saveTimeout)
	defer cancel()

	if err := r.store.SaveConversation(ctx, conv); err != nil {
		r.logger.Error("Failed to save LLM conversation",
			zap.String("id", conv.ID.String()),
			zap.String("analysis_id", conv.AnalysisID),
			zap.Error(err))
		return
	}

	r.logger.Debug("Saved LLM conversation",
		zap.String("id", conv.ID.String()),
		zap.String("analysis_id", conv.AnalysisID),
		zap.String("status", conv.Status),
		zap.Int("duration_ms", conv.DurationMs))
}

var _ ConversationRecorder = (*AsyncConversationRecorder)(nil)
