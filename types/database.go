package types

import (
	"context"
)

type DatabaseManager interface {
	LifecycleManager
	CreateCollection(collectionName string) error
	HasCollection(collectionName string) (bool, error)
	CreateDocuments(ctx context.Context, collectionName string, documents []map[string]interface{}) ([]string, error)
	ReadDocuments(ctx context.Context, collectionName string, filter map[string]interface{}, limit int) ([]map[string]interface{}, error)
	DeleteDocuments(ctx context.Context, collectionName string, filter map[string]interface{}) (int, error)
	CountDocuments(ctx context.Context, collectionName string) (int, error)
}

type DatabaseManagerCreator func(config interface{}) (DatabaseManager, error)
