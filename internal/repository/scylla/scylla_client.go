package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/util"
)

// Statements holds the CQL used by the repositories. Each call builds a
// fresh gocql.Query from the statement text because bound queries are not
// safe to share across goroutines; gocql caches the server-side
// preparation per statement string, so this costs one prepare per node.
type Statements struct {
	CreateOTP         string
	GetLatestOTP      string
	GetRecentOTPs     string
	UpdateOTPAttempts string
	MarkOTPVerified   string

	UpsertBlacklist string
	GetBlacklist    string
	DeleteBlacklist string

	GetAccountLookup    string
	GetAccountByID      string
	MarkPhoneVerified   string
	MarkEmailVerified   string
	CreateAccount       string
	CreateAccountLookup string
}

type ScyllaClient struct {
	Session *gocql.Session
	config  *config.ScyllaConfig
	Stmt    *Statements
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_CA_FILE", "/root/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_CERT_FILE", "/root/certs/server.pem"),
			KeyPath:                util.GetEnv("SCYLLA_KEY_FILE", "/root/certs/server.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
		Stmt:    defaultStatements(),
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func defaultStatements() *Statements {
	return &Statements{
		CreateOTP: `
		INSERT INTO otp_codes (
			bucket, identifier_hash, purpose, created_at, otp_id,
			identifier_type, identifier_encrypted, identifier_key_id,
			code_hash, pepper_version, attempts, verified, verified_at,
			requester_ip, provider_used, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`,

		GetLatestOTP: `
		SELECT bucket, identifier_hash, purpose, created_at, otp_id,
			identifier_type, identifier_encrypted, identifier_key_id,
			code_hash, pepper_version, attempts, verified, verified_at,
			requester_ip, provider_used, expires_at
		FROM otp_codes
		WHERE bucket = ? AND identifier_hash = ? AND purpose = ?
		LIMIT 1`,

		GetRecentOTPs: `
		SELECT purpose, created_at, expires_at
		FROM otp_codes
		WHERE bucket = ? AND identifier_hash = ?
		LIMIT 16`,

		UpdateOTPAttempts: `
		UPDATE otp_codes SET attempts = ?
		WHERE bucket = ? AND identifier_hash = ? AND purpose = ? AND created_at = ?
		IF attempts = ?`,

		MarkOTPVerified: `
		UPDATE otp_codes SET verified = true, verified_at = ?
		WHERE bucket = ? AND identifier_hash = ? AND purpose = ? AND created_at = ?`,

		UpsertBlacklist: `
		INSERT INTO otp_blacklist (identifier_hash, identifier_type, reason, blocked_until, created_at)
		VALUES (?, ?, ?, ?, ?) USING TTL ?`,

		GetBlacklist: `
		SELECT identifier_hash, identifier_type, reason, blocked_until, created_at
		FROM otp_blacklist WHERE identifier_hash = ?`,

		DeleteBlacklist: `
		DELETE FROM otp_blacklist WHERE identifier_hash = ?`,

		GetAccountLookup: `
		SELECT account_id FROM account_lookup WHERE identifier_hash = ?`,

		GetAccountByID: `
		SELECT account_id, phone_hash, email_hash, phone_verified, email_verified, created_at, updated_at
		FROM accounts WHERE account_id = ?`,

		MarkPhoneVerified: `
		UPDATE accounts SET phone_verified = true, updated_at = ?
		WHERE account_id = ?`,

		MarkEmailVerified: `
		UPDATE accounts SET email_verified = true, updated_at = ?
		WHERE account_id = ?`,

		CreateAccount: `
		INSERT INTO accounts (account_id, phone_hash, email_hash, phone_verified, email_verified, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,

		CreateAccountLookup: `
		INSERT INTO account_lookup (identifier_hash, account_id)
		VALUES (?, ?)`,
	}
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
