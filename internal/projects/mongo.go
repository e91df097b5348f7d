package projects

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"collabcanvas/internal/models"
)

// MongoDirectory reads project membership from the product's projects
// collection. The collaboration core only ever reads it.
type MongoDirectory struct {
	col *mongo.Collection
}

// Connect dials MongoDB and returns a directory over db.projects.
func Connect(ctx context.Context, uri, dbName string) (*MongoDirectory, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoDirectory{col: client.Database(dbName).Collection("projects")}, nil
}

func NewMongoDirectory(col *mongo.Collection) *MongoDirectory {
	return &MongoDirectory{col: col}
}

func (d *MongoDirectory) Project(ctx context.Context, projectID string) (*models.Project, error) {
	var p models.Project
	err := d.col.FindOne(ctx, bson.M{"id": projectID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find project %s: %w", projectID, err)
	}
	return &p, nil
}

func (d *MongoDirectory) Authorize(ctx context.Context, projectID, userID string) (models.CollaborationRole, error) {
	p, err := d.Project(ctx, projectID)
	if err != nil {
		return "", err
	}
	role := p.RoleOf(userID)
	if role == "" {
		return "", ErrNotMember
	}
	return role, nil
}
