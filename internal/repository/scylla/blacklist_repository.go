package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

// BlacklistStore is the persistence contract for identifier blocks.
type BlacklistStore interface {
	Upsert(ctx context.Context, entry *model.BlacklistEntry, ttl time.Duration) error
	Get(ctx context.Context, identifierHash string) (*model.BlacklistEntry, error)
	Delete(ctx context.Context, identifierHash string) error
}

type BlacklistRepository struct {
	client *ScyllaClient
}

func NewBlacklistRepository(client *ScyllaClient) *BlacklistRepository {
	return &BlacklistRepository{
		client: client,
	}
}

// Upsert writes a block entry. The row TTL matches the block window so
// expired entries disappear on their own.
func (r *BlacklistRepository) Upsert(ctx context.Context, entry *model.BlacklistEntry, ttl time.Duration) error {
	query := r.client.Query(r.client.Stmt.UpsertBlacklist,
		entry.IdentifierHash, entry.IdentifierType, entry.Reason,
		entry.BlockedUntil, entry.CreatedAt,
		int(ttl.Seconds())).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to upsert blacklist entry",
			zap.String("identifier_hash", entry.IdentifierHash),
			zap.Error(err))
		return fmt.Errorf("failed to upsert blacklist entry: %w", err)
	}

	util.Info("Identifier blacklisted",
		zap.String("identifier_hash", entry.IdentifierHash),
		zap.String("reason", entry.Reason),
		zap.Time("blocked_until", entry.BlockedUntil))

	return nil
}

// Get returns the block entry for an identifier, ErrNotFound when absent.
func (r *BlacklistRepository) Get(ctx context.Context, identifierHash string) (*model.BlacklistEntry, error) {
	entry := &model.BlacklistEntry{}

	query := r.client.Query(r.client.Stmt.GetBlacklist, identifierHash).WithContext(ctx)

	err := r.client.ScanWithRetry(query,
		&entry.IdentifierHash, &entry.IdentifierType, &entry.Reason,
		&entry.BlockedUntil, &entry.CreatedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		util.Error("Failed to get blacklist entry",
			zap.String("identifier_hash", identifierHash),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get blacklist entry: %w", err)
	}

	return entry, nil
}

// Delete removes a block before its window elapses.
func (r *BlacklistRepository) Delete(ctx context.Context, identifierHash string) error {
	query := r.client.Query(r.client.Stmt.DeleteBlacklist, identifierHash).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to delete blacklist entry",
			zap.String("identifier_hash", identifierHash),
			zap.Error(err))
		return fmt.Errorf("failed to delete blacklist entry: %w", err)
	}

	util.Info("Blacklist entry released",
		zap.String("identifier_hash", identifierHash))

	return nil
}
