package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bhaichat/internal/domain"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultDatabase   = "bhaichat"
	watchRetryBackoff = 2 * time.Second
)

// Mongo implements domain.RemoteStore on MongoDB. Subscriptions use change
// streams, so the server must run as a replica set.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

type MongoConfig struct {
	URI      string
	Database string
	Logger   *slog.Logger
}

type messageDoc struct {
	ID             string    `bson:"_id"`
	ProfileID      string    `bson:"profile_id"`
	ConversationID string    `bson:"conversation_id"`
	Sender         string    `bson:"sender"`
	Text           string    `bson:"text"`
	Timestamp      time.Time `bson:"timestamp"`
	PersonalityID  string    `bson:"personality_id,omitempty"`
}

type conversationDoc struct {
	ID              string    `bson:"_id"`
	ProfileID       string    `bson:"profile_id"`
	Title           string    `bson:"title"`
	PersonalityID   string    `bson:"personality_id"`
	LastMessageText string    `bson:"last_message,omitempty"`
	LastMessageAt   time.Time `bson:"last_message_at,omitempty"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

func NewMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo store: uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = defaultDatabase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	s := &Mongo{client: client, db: client.Database(cfg.Database), logger: cfg.Logger}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Mongo) messages() *mongo.Collection      { return s.db.Collection("messages") }
func (s *Mongo) conversations() *mongo.Collection { return s.db.Collection("conversations") }

func (s *Mongo) ensureIndexes(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		s.messages(): {
			{Keys: bson.D{{Key: "profile_id", Value: 1}, {Key: "conversation_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		},
		s.conversations(): {
			{Keys: bson.D{{Key: "profile_id", Value: 1}, {Key: "last_message_at", Value: -1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongo store: create indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func (s *Mongo) QueryMessages(ctx context.Context, profile domain.ProfileID, conversationID string) ([]domain.Message, error) {
	filter := bson.M{"profile_id": string(profile), "conversation_id": conversationID}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cur, err := s.messages().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	out := make([]domain.Message, 0, len(docs))
	for _, d := range docs {
		sender, err := domain.ParseSender(d.Sender)
		if err != nil {
			s.logger.Warn("skipping message with unknown sender", "id", d.ID, "sender", d.Sender)
			continue
		}
		out = append(out, domain.Message{
			ID:             d.ID,
			ConversationID: d.ConversationID,
			Sender:         sender,
			Text:           d.Text,
			Timestamp:      d.Timestamp.UTC(),
			PersonalityID:  d.PersonalityID,
		})
	}
	return out, nil
}

// Subscribe watches inserts into the conversation and delivers a fresh
// snapshot after each one. Stream failures are reported to fn and the stream
// is reopened after a backoff until the subscription is cancelled.
func (s *Mongo) Subscribe(ctx context.Context, profile domain.ProfileID, conversationID string, fn domain.SnapshotFunc) (domain.Unsubscribe, error) {
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cs, err := s.watch(watchCtx, profile, conversationID)
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		defer func() {
			if cs != nil {
				_ = cs.Close(context.Background())
			}
		}()
		s.push(watchCtx, profile, conversationID, fn)
		for {
			for cs.Next(watchCtx) {
				s.push(watchCtx, profile, conversationID, fn)
			}
			if watchCtx.Err() != nil {
				return
			}
			fn(nil, fmt.Errorf("message stream: %w", cs.Err()))
			_ = cs.Close(context.Background())
			cs = nil

			for cs == nil {
				select {
				case <-watchCtx.Done():
					return
				case <-time.After(watchRetryBackoff):
				}
				cs, err = s.watch(watchCtx, profile, conversationID)
				if err != nil {
					s.logger.Warn("reopening message stream failed", "conversation", conversationID, "err", err)
				}
			}
			s.push(watchCtx, profile, conversationID, fn)
		}
	}()

	return domain.Unsubscribe(cancel), nil
}

func (s *Mongo) watch(ctx context.Context, profile domain.ProfileID, conversationID string) (*mongo.ChangeStream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.M{"$in": bson.A{"insert", "replace", "update"}}},
			{Key: "fullDocument.profile_id", Value: string(profile)},
			{Key: "fullDocument.conversation_id", Value: conversationID},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	cs, err := s.messages().Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to watch messages: %w", err)
	}
	return cs, nil
}

func (s *Mongo) push(ctx context.Context, profile domain.ProfileID, conversationID string, fn domain.SnapshotFunc) {
	msgs, err := s.QueryMessages(ctx, profile, conversationID)
	if ctx.Err() != nil {
		return
	}
	fn(msgs, err)
}

func (s *Mongo) InsertMessage(ctx context.Context, profile domain.ProfileID, conversationID string, msg domain.Message) (string, error) {
	if !msg.Sender.Valid() {
		return "", fmt.Errorf("insert message: invalid sender %q", msg.Sender)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	doc := messageDoc{
		ID:             uuid.NewString(),
		ProfileID:      string(profile),
		ConversationID: conversationID,
		Sender:         string(msg.Sender),
		Text:           msg.Text,
		Timestamp:      domain.NormalizeTimestamp(msg.Timestamp),
		PersonalityID:  msg.PersonalityID,
	}
	if _, err := s.messages().InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to insert message: %w", err)
	}
	return doc.ID, nil
}

func (s *Mongo) GetConversation(ctx context.Context, profile domain.ProfileID, id string) (*domain.Conversation, error) {
	var doc conversationDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": id, "profile_id": string(profile)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	conv := doc.toDomain()
	return &conv, nil
}

func (s *Mongo) CreateConversation(ctx context.Context, profile domain.ProfileID, conv domain.Conversation) (string, error) {
	now := time.Now().UTC()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	doc := conversationDoc{
		ID:              conv.ID,
		ProfileID:       string(profile),
		Title:           conv.Title,
		PersonalityID:   conv.PersonalityID,
		LastMessageText: conv.LastMessageText,
		LastMessageAt:   conv.LastMessageAt,
		CreatedAt:       conv.CreatedAt,
		UpdatedAt:       conv.UpdatedAt,
	}
	if _, err := s.conversations().InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	return doc.ID, nil
}

func (s *Mongo) UpdateConversation(ctx context.Context, profile domain.ProfileID, id string, patch domain.ConversationPatch) error {
	set := bson.M{"updated_at": time.Now().UTC()}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.PersonalityID != nil {
		set["personality_id"] = *patch.PersonalityID
	}
	if patch.LastMessageText != nil {
		set["last_message"] = *patch.LastMessageText
	}
	if patch.LastMessageAt != nil {
		set["last_message_at"] = patch.LastMessageAt.UTC()
	}
	res, err := s.conversations().UpdateOne(ctx,
		bson.M{"_id": id, "profile_id": string(profile)},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update conversation %s: %w", id, domain.ErrConversationNotFound)
	}
	return nil
}

func (s *Mongo) ListConversations(ctx context.Context, profile domain.ProfileID, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "last_message_at", Value: -1}, {Key: "updated_at", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.conversations().Find(ctx, bson.M{"profile_id": string(profile)}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	out := make([]domain.Conversation, len(docs))
	for i, d := range docs {
		out[i] = d.toDomain()
	}
	return out, nil
}

func (s *Mongo) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (d conversationDoc) toDomain() domain.Conversation {
	return domain.Conversation{
		ID:              d.ID,
		ProfileID:       domain.ProfileID(d.ProfileID),
		Title:           d.Title,
		PersonalityID:   d.PersonalityID,
		LastMessageText: d.LastMessageText,
		LastMessageAt:   d.LastMessageAt.UTC(),
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
	}
}

var _ domain.RemoteStore = (*Mongo)(nil)
