package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"talk2task/domain"
)

const (
	tasksCollection         = "tasks"
	credentialsCollection   = "integrations"
	conversationsCollection = "ai_conversations"
)

// Mongo stores everything in a MongoDB database.
type Mongo struct {
	client        *mongo.Client
	tasks         *mongo.Collection
	credentials   *mongo.Collection
	conversations *mongo.Collection
	now           func() time.Time
}

// NewMongo connects to uri and uses the named database.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	db := client.Database(database)
	return &Mongo{
		client:        client,
		tasks:         db.Collection(tasksCollection),
		credentials:   db.Collection(credentialsCollection),
		conversations: db.Collection(conversationsCollection),
		now:           time.Now,
	}, nil
}

// EnsureIndexes creates the lookup indexes. It is safe to call repeatedly.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	if _, err := m.tasks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	}); err != nil {
		return err
	}
	_, err := m.credentials.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "platform", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

type taskDocument struct {
	ID               string     `bson:"_id"`
	UserID           string     `bson:"user_id"`
	Title            string     `bson:"title"`
	Description      string     `bson:"description"`
	Priority         string     `bson:"priority"`
	DueDate          *time.Time `bson:"due_date"`
	Status           string     `bson:"status"`
	Source           string     `bson:"source"`
	Category         string     `bson:"category"`
	ExternalID       string     `bson:"external_id,omitempty"`
	ExternalPlatform string     `bson:"external_platform,omitempty"`
	AIContext        string     `bson:"ai_context,omitempty"`
	CreatedAt        time.Time  `bson:"created_at"`
	UpdatedAt        time.Time  `bson:"updated_at"`
}

type credentialDocument struct {
	UserID       string     `bson:"user_id"`
	Platform     string     `bson:"platform"`
	AccessToken  string     `bson:"access_token"`
	RefreshToken string     `bson:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `bson:"expires_at"`
	Active       bool       `bson:"is_active"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
}

type conversationDocument struct {
	ID          string    `bson:"_id"`
	UserID      string    `bson:"user_id"`
	InputText   string    `bson:"input_text"`
	AIResponse  string    `bson:"ai_response"`
	TaskCreated bool      `bson:"task_created"`
	TaskID      string    `bson:"task_id,omitempty"`
	CreatedAt   time.Time `bson:"created_at"`
}

func toTaskDocument(t domain.Task) taskDocument {
	return taskDocument{
		ID:               t.ID,
		UserID:           t.UserID,
		Title:            t.Title,
		Description:      t.Description,
		Priority:         string(t.Priority),
		DueDate:          t.DueDate,
		Status:           string(t.Status),
		Source:           string(t.Source),
		Category:         string(t.Category),
		ExternalID:       t.ExternalID,
		ExternalPlatform: string(t.ExternalPlatform),
		AIContext:        t.AIContext,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func (d taskDocument) task() domain.Task {
	var due *time.Time
	if d.DueDate != nil {
		u := d.DueDate.UTC()
		due = &u
	}
	return domain.Task{
		ID:               d.ID,
		UserID:           d.UserID,
		Title:            d.Title,
		Description:      d.Description,
		Priority:         domain.Priority(d.Priority),
		DueDate:          due,
		Status:           domain.Status(d.Status),
		Source:           domain.Source(d.Source),
		Category:         domain.Category(d.Category),
		ExternalID:       d.ExternalID,
		ExternalPlatform: domain.Platform(d.ExternalPlatform),
		AIContext:        d.AIContext,
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
	}
}

func toCredentialDocument(c domain.Credential) credentialDocument {
	return credentialDocument{
		UserID:       c.UserID,
		Platform:     string(c.Platform),
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ExpiresAt:    c.ExpiresAt,
		Active:       c.Active,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func (d credentialDocument) credential() domain.Credential {
	var expires *time.Time
	if d.ExpiresAt != nil {
		u := d.ExpiresAt.UTC()
		expires = &u
	}
	return domain.Credential{
		UserID:       d.UserID,
		Platform:     domain.Platform(d.Platform),
		AccessToken:  d.AccessToken,
		RefreshToken: d.RefreshToken,
		ExpiresAt:    expires,
		Active:       d.Active,
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
}

func (m *Mongo) CreateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	if err := domain.RequireUser(task.UserID); err != nil {
		return domain.Task{}, err
	}
	task.ID = uuid.NewString()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = m.now().UTC()
	}
	task.UpdatedAt = task.CreatedAt
	if _, err := m.tasks.InsertOne(ctx, toTaskDocument(task)); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

func (m *Mongo) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if err := domain.RequireUser(userID); err != nil {
		return nil, err
	}
	cur, err := m.tasks.Find(ctx, bson.M{"user_id": userID}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	tasks := []domain.Task{}
	for cur.Next(ctx) {
		var doc taskDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		tasks = append(tasks, doc.task())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (m *Mongo) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	if err := domain.RequireUser(userID); err != nil {
		return domain.Task{}, err
	}
	var doc taskDocument
	err := m.tasks.FindOne(ctx, bson.M{"_id": id, "user_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Task{}, &domain.NotFoundError{Kind: "task", ID: id}
	}
	if err != nil {
		return domain.Task{}, err
	}
	return doc.task(), nil
}

// UpdateTask replaces the document only if updated_at is unchanged since the
// read, retrying on a lost race.
func (m *Mongo) UpdateTask(ctx context.Context, userID, id string, patch domain.TaskPatch) (domain.Task, error) {
	if err := patch.Validate(); err != nil {
		return domain.Task{}, err
	}
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		task, err := m.GetTask(ctx, userID, id)
		if err != nil {
			return domain.Task{}, err
		}
		seen := task.UpdatedAt
		if err := patch.Apply(&task, m.now()); err != nil {
			return domain.Task{}, err
		}
		res, err := m.tasks.ReplaceOne(ctx,
			bson.M{"_id": id, "user_id": userID, "updated_at": seen},
			toTaskDocument(task))
		if err != nil {
			return domain.Task{}, err
		}
		if res.MatchedCount == 1 {
			return task, nil
		}
	}
	return domain.Task{}, errors.New("update task: concurrent modification")
}

func (m *Mongo) DeleteTask(ctx context.Context, userID, id string) error {
	if err := domain.RequireUser(userID); err != nil {
		return err
	}
	res, err := m.tasks.DeleteOne(ctx, bson.M{"_id": id, "user_id": userID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return &domain.NotFoundError{Kind: "task", ID: id}
	}
	return nil
}

func (m *Mongo) ActiveCredential(ctx context.Context, userID string, platform domain.Platform) (domain.Credential, error) {
	if err := domain.RequireUser(userID); err != nil {
		return domain.Credential{}, err
	}
	var doc credentialDocument
	err := m.credentials.FindOne(ctx, bson.M{"user_id": userID, "platform": string(platform), "is_active": true}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Credential{}, &domain.NotFoundError{Kind: "credential", ID: string(platform)}
	}
	if err != nil {
		return domain.Credential{}, err
	}
	return doc.credential(), nil
}

func (m *Mongo) ListCredentials(ctx context.Context, userID string) ([]domain.Credential, error) {
	if err := domain.RequireUser(userID); err != nil {
		return nil, err
	}
	cur, err := m.credentials.Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	creds := []domain.Credential{}
	for cur.Next(ctx) {
		var doc credentialDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		creds = append(creds, doc.credential())
	}
	return creds, cur.Err()
}

func (m *Mongo) SaveCredential(ctx context.Context, cred domain.Credential) error {
	if err := domain.RequireUser(cred.UserID); err != nil {
		return err
	}
	now := m.now().UTC()
	cred.UpdatedAt = now
	doc := toCredentialDocument(cred)
	set := bson.M{
		"access_token":  doc.AccessToken,
		"refresh_token": doc.RefreshToken,
		"expires_at":    doc.ExpiresAt,
		"is_active":     doc.Active,
		"updated_at":    doc.UpdatedAt,
	}
	created := cred.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := m.credentials.UpdateOne(ctx,
		bson.M{"user_id": cred.UserID, "platform": string(cred.Platform)},
		bson.M{"$set": set, "$setOnInsert": bson.M{"created_at": created}},
		options.Update().SetUpsert(true))
	return err
}

func (m *Mongo) DeactivateCredential(ctx context.Context, userID string, platform domain.Platform) error {
	if err := domain.RequireUser(userID); err != nil {
		return err
	}
	res, err := m.credentials.UpdateOne(ctx,
		bson.M{"user_id": userID, "platform": string(platform)},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": m.now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return &domain.NotFoundError{Kind: "credential", ID: string(platform)}
	}
	return nil
}

func (m *Mongo) RecordConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	if err := domain.RequireUser(c.UserID); err != nil {
		return domain.Conversation{}, err
	}
	c.ID = uuid.NewString()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now().UTC()
	}
	_, err := m.conversations.InsertOne(ctx, conversationDocument{
		ID:          c.ID,
		UserID:      c.UserID,
		InputText:   c.InputText,
		AIResponse:  c.AIResponse,
		TaskCreated: c.TaskCreated,
		TaskID:      c.TaskID,
		CreatedAt:   c.CreatedAt,
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return c, nil
}
