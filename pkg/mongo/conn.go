package mongo

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"julianmorley.ca/con-plar/storefront/pkg/global"
)

// Connect creates the client with a per-operation timeout so every store call
// is bounded even when the caller's context is not.
func Connect(cfg *global.Config) (*mongo.Client, error) {
	serverAPI := options.ServerAPI(options.ServerAPIVersion1)

	clientOptions := options.Client().
		ApplyURI(cfg.Mongo.URI).
		SetServerAPIOptions(serverAPI).
		SetTimeout(cfg.Mongo.Timeout)

	client, err := mongo.Connect(clientOptions)
	if err != nil {
		return nil, errors.Wrap(err, "create MongoDB client")
	}
	return client, nil
}

// InitMongoDB connects and pings, returning the configured database
func InitMongoDB(cfg *global.Config, logger *slog.Logger) (*mongo.Client, *mongo.Database, error) {
	client, err := Connect(cfg)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := global.GetDefaultTimer()
	defer cancel()

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, errors.Wrap(err, "ping MongoDB")
	}

	logger.Info("connected to MongoDB", "database", cfg.Mongo.Database)
	return client, client.Database(cfg.Mongo.Database), nil
}
