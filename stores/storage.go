package stores

import (
	"context"
	"docsync-server/config"
	"docsync-server/core"
	"docsync-server/stores/aws"
	"docsync-server/stores/filesystem"
	"docsync-server/stores/memory"
	redisstore "docsync-server/stores/redis"
	"docsync-server/stores/sqlite"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// GetStore builds the document store selected by cfg.StorageType. Stores
// that hold connections also implement io.Closer.
func GetStore(ctx context.Context, cfg *config.Config) (core.DocumentStore, error) {
	var (
		store core.DocumentStore
		err   error
	)

	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}

	switch cfg.StorageType {
	case "filesystem":
		storageField["basePath"] = cfg.LocalStoragePath
		store, err = filesystem.NewDocumentStore(cfg.LocalStoragePath)
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		store, err = sqlite.NewDocumentStore(cfg.DataSourceName, cfg.MaxVersions)
	case "s3":
		storageField["bucketName"] = cfg.S3BucketName
		store, err = aws.NewDocumentStore(ctx, cfg.S3BucketName)
	case "redis":
		storageField["redisAddrs"] = cfg.RedisAddrs
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.RedisAddrs,
			Password: cfg.RedisPassword,
		})
		if err = rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			err = fmt.Errorf("connect to redis: %w", err)
			break
		}
		store = redisstore.NewDocumentStore(rdb)
	default:
		store = memory.NewDocumentStore()
		storageField["storageType"] = "in-memory"
	}
	if err != nil {
		logrus.WithFields(storageField).WithError(err).Error("Failed to open storage")
		return nil, err
	}

	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}
