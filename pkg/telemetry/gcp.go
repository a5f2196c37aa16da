package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/spawn-mcp/longhaul/pkg/schemas"
)

// publishTimeout bounds each mirror write so a slow backend cannot
// stretch a tick.
const publishTimeout = 5 * time.Second

// GCPSink mirrors ticks to a Pub/Sub topic and status snapshots to a
// Firestore collection.
type GCPSink struct {
	pubsubClient    *pubsub.Client
	firestoreClient *firestore.Client
	topic           *pubsub.Topic
	collection      string
}

// NewSink builds a sink from the run's telemetry constraints. An empty
// project ID disables mirroring entirely and returns the no-op sink.
func NewSink(ctx context.Context, cfg schemas.TelemetryConfig, opts ...option.ClientOption) (Sink, error) {
	if cfg.ProjectID == "" {
		return NopSink{}, nil
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	firestoreClient, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		pubsubClient.Close()
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	topicName := cfg.Topic
	if topicName == "" {
		topicName = "longhaul-ticks"
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "longhaul-runs"
	}
	return &GCPSink{
		pubsubClient:    pubsubClient,
		firestoreClient: firestoreClient,
		topic:           pubsubClient.Topic(topicName),
		collection:      collection,
	}, nil
}

// PublishTick mirrors one tick-ledger entry.
func (s *GCPSink) PublishTick(ctx context.Context, entry any) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal tick entry: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err = s.topic.Publish(ctx, &pubsub.Message{Data: data}).Get(ctx)
	if err != nil {
		return fmt.Errorf("publish tick: %w", err)
	}
	return nil
}

// PublishStatus mirrors the run's status snapshot, one document per
// run. Snapshots are write-only from the core's perspective: nothing
// here ever reads them back.
func (s *GCPSink) PublishStatus(ctx context.Context, snap StatusSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err := s.firestoreClient.Collection(s.collection).Doc(snap.RunID).Set(ctx, snap)
	if err != nil {
		return fmt.Errorf("mirror status: %w", err)
	}
	return nil
}

// Close releases both clients.
func (s *GCPSink) Close() error {
	s.topic.Stop()
	perr := s.pubsubClient.Close()
	ferr := s.firestoreClient.Close()
	if perr != nil {
		return perr
	}
	return ferr
}
