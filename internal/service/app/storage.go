package app

import (
	"context"
	"time"

	"tacmesh/internal/config"
	"tacmesh/internal/repository/delivery"
	"tacmesh/internal/repository/memory"
	"tacmesh/internal/repository/peer"
	"tacmesh/internal/repository/replica"
	"tacmesh/internal/service/directory"
	"tacmesh/internal/service/entitysync"
	"tacmesh/internal/service/ledger"
	"tacmesh/internal/utils/log"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type repositories struct {
	peers    directory.Repository
	delivery ledger.Repository
	replicas entitysync.Repository

	mongo *mongo.Client
}

// openRepositories uses mongo when a uri is configured and process memory
// otherwise.
func openRepositories(ctx context.Context, cfg config.StorageConfig) (*repositories, error) {
	if cfg.MongoURI == "" {
		log.Info("no storage configured, state is kept in memory")
		return &repositories{
			peers:    memory.NewPeerRepo(),
			delivery: memory.NewDeliveryRepo(),
			replicas: memory.NewReplicaRepo(),
		}, nil
	}

	client, err := initMongo(ctx, cfg.MongoURI)
	if err != nil {
		return nil, err
	}
	db := client.Database(cfg.Database)

	deliveryRepo := delivery.NewDeliveryRepo(db)
	if err := deliveryRepo.EnsureIndexes(ctx); err != nil {
		log.Warn("ensure delivery indexes failed", zap.Error(err))
	}

	return &repositories{
		peers:    peer.NewPeerRepo(db),
		delivery: deliveryRepo,
		replicas: replica.NewReplicaRepo(db),
		mongo:    client,
	}, nil
}

func (r *repositories) close(ctx context.Context) {
	if r.mongo == nil {
		return
	}
	if err := r.mongo.Disconnect(ctx); err != nil {
		log.Warn("mongo disconnect failed", zap.Error(err))
	}
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
