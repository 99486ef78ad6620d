package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/lattice/schema"
	"github.com/jacentio/lattice/store"
)

// Config holds configuration for the change handler.
type Config struct {
	// DesignID is the document id of the design artifact, whose writes are
	// not published.
	// Default: store.DefaultDesignID
	DesignID string

	// IncludeDocs attaches the written document to each change.
	IncludeDocs bool
}

func (c *Config) validate() {
	if c.DesignID == "" {
		c.DesignID = store.DefaultDesignID
	}
}

// Handler publishes the writes recorded in DynamoDB stream events.
type Handler struct {
	publisher Publisher
	config    Config
	logger    *slog.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(publisher Publisher, config Config, logger *slog.Logger) *Handler {
	config.validate()
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = &NoopPublisher{}
	}
	return &Handler{
		publisher: publisher,
		config:    config,
		logger:    logger,
	}
}

// HandleChanges publishes one Change per document write in event.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleChanges(ctx context.Context, event events.DynamoDBEvent) error {
	published := 0
	for _, record := range event.Records {
		change, ok := h.processRecord(record)
		if !ok {
			continue
		}
		if err := h.publisher.Publish(ctx, change); err != nil {
			h.logger.Error("failed to publish change",
				"eventID", record.EventID,
				"id", change.ID,
				"error", err,
			)
			return fmt.Errorf("publish change %s: %w", change.ID, err) // Will retry, eventually DLQ
		}
		published++
	}

	h.logger.Debug("changes published",
		"records", len(event.Records),
		"published", published,
	)
	return nil
}

// processRecord converts a single DynamoDB stream record into a Change.
// It reports false for records that are not published.
func (h *Handler) processRecord(record events.DynamoDBEventRecord) (Change, bool) {
	image := record.Change.NewImage
	deleted := false
	switch events.DynamoDBOperationType(record.EventName) {
	case events.DynamoDBOperationTypeInsert, events.DynamoDBOperationTypeModify:
	case events.DynamoDBOperationTypeRemove:
		image = record.Change.OldImage
		deleted = true
	default:
		return Change{}, false
	}

	id := getStringAttr(record.Change.Keys, schema.FieldID)
	if id == "" {
		id = getStringAttr(image, schema.FieldID)
	}
	if id == "" || id == h.config.DesignID {
		return Change{}, false
	}

	kind := getStringAttr(image, schema.FieldType)
	if kind == "" {
		h.logger.Warn("skipping change without document type",
			"eventID", record.EventID,
			"id", id,
		)
		return Change{}, false
	}

	change := Change{
		Seq:     record.Change.SequenceNumber,
		ID:      id,
		Rev:     getStringAttr(image, "_rev"),
		Kind:    kind,
		Deleted: deleted,
	}
	if h.config.IncludeDocs && !deleted {
		change.Doc = ImageToDocument(image)
	}
	return change, true
}
