package database

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// FirestoreConfig contains configuration for the Firestore client
type FirestoreConfig struct {
	ProjectID       string
	CredentialsPath string // service account JSON; empty uses application default credentials
	CredentialsJSON []byte // alternative to CredentialsPath
}

// NewFirestoreClient initializes a Firebase app and returns its Firestore client.
// FIRESTORE_EMULATOR_HOST is honoured by the underlying client.
func NewFirestoreClient(ctx context.Context, cfg *FirestoreConfig, log *zap.Logger) (*firestore.Client, error) {
	if cfg == nil || cfg.ProjectID == "" {
		return nil, fmt.Errorf("firestore project id is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	var opts []option.ClientOption
	if len(cfg.CredentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
	} else if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		log.Error("Failed to initialize Firebase app",
			zap.Error(err),
			zap.String("project_id", cfg.ProjectID))
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.Info("Firestore client initialized", zap.String("project_id", cfg.ProjectID))
	return client, nil
}
