package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

// AccountStore resolves identifiers to accounts and records channel verification.
type AccountStore interface {
	FindByIdentifierHash(ctx context.Context, identifierHash string) (*model.Account, error)
	MarkChannelVerified(ctx context.Context, accountID string, identifierType model.IdentifierType, at time.Time) error
	Create(ctx context.Context, account *model.Account, identifierHashes []string) error
}

type AccountRepository struct {
	client *ScyllaClient
}

func NewAccountRepository(client *ScyllaClient) *AccountRepository {
	return &AccountRepository{
		client: client,
	}
}

// FindByIdentifierHash resolves an identifier hash to its account through the
// lookup table, ErrNotFound when no account owns the identifier.
func (r *AccountRepository) FindByIdentifierHash(ctx context.Context, identifierHash string) (*model.Account, error) {
	var accountID string

	query := r.client.Query(r.client.Stmt.GetAccountLookup, identifierHash).WithContext(ctx)
	if err := r.client.ScanWithRetry(query, &accountID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve account lookup: %w", err)
	}

	account := &model.Account{}
	query = r.client.Query(r.client.Stmt.GetAccountByID, accountID).WithContext(ctx)

	err := r.client.ScanWithRetry(query,
		&account.AccountID, &account.PhoneHash, &account.EmailHash,
		&account.PhoneVerified, &account.EmailVerified,
		&account.CreatedAt, &account.UpdatedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		util.Error("Failed to get account",
			zap.String("account_id", accountID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return account, nil
}

// MarkChannelVerified flags the phone or email channel as verified.
func (r *AccountRepository) MarkChannelVerified(ctx context.Context, accountID string, identifierType model.IdentifierType, at time.Time) error {
	var query *gocql.Query
	switch identifierType {
	case model.IdentifierPhone:
		query = r.client.Query(r.client.Stmt.MarkPhoneVerified, at, accountID)
	case model.IdentifierEmail:
		query = r.client.Query(r.client.Stmt.MarkEmailVerified, at, accountID)
	default:
		return fmt.Errorf("unknown identifier type: %s", identifierType)
	}

	if err := r.client.ExecuteWithRetry(query.WithContext(ctx), 2); err != nil {
		util.Error("Failed to mark channel verified",
			zap.String("account_id", accountID),
			zap.String("identifier_type", string(identifierType)),
			zap.Error(err))
		return fmt.Errorf("failed to mark channel verified: %w", err)
	}

	util.Info("Account channel verified",
		zap.String("account_id", accountID),
		zap.String("identifier_type", string(identifierType)))

	return nil
}

// Create inserts an account and its identifier lookup rows.
func (r *AccountRepository) Create(ctx context.Context, account *model.Account, identifierHashes []string) error {
	if account.AccountID == "" {
		account.AccountID = uuid.New().String()
	}

	query := r.client.Query(r.client.Stmt.CreateAccount,
		account.AccountID, account.PhoneHash, account.EmailHash,
		account.PhoneVerified, account.EmailVerified,
		account.CreatedAt, account.UpdatedAt).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	for _, hash := range identifierHashes {
		if hash == "" {
			continue
		}
		lookup := r.client.Query(r.client.Stmt.CreateAccountLookup, hash, account.AccountID).WithContext(ctx)
		if err := r.client.ExecuteWithRetry(lookup, 2); err != nil {
			return fmt.Errorf("failed to create account lookup: %w", err)
		}
	}

	util.Info("Account created", zap.String("account_id", account.AccountID))
	return nil
}
