package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/sync/errgroup"

	"otp-service/internal/bucketing"
	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/delivery"
	"otp-service/internal/encryption"
	"otp-service/internal/events"
	"otp-service/internal/hashing"
	redisrepo "otp-service/internal/repository/redis"
	"otp-service/internal/repository/scylla"
	"otp-service/internal/service"
	"otp-service/internal/tls"
	"otp-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Repositories and caches
	otpRepository       *scylla.OTPRepository
	blacklistRepository *scylla.BlacklistRepository
	accountRepository   *scylla.AccountRepository
	otpCache            *redisrepo.OTPCache

	dispatcher     *delivery.Dispatcher
	recorder       events.Recorder
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()
	factory.initializeDelivery()
	factory.initializeRecorder()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if c, err := client.NewRedisClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = c
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if c, err := scylla.NewScyllaClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = c
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(f.config); err != nil {
			util.Warn("Elasticsearch initialization failed - proceeding without security index", util.ErrorField(err))
		} else {
			f.esClient = c
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config); err != nil {
			util.Warn("ClickHouse initialization failed - proceeding without analytics", util.ErrorField(err))
		} else {
			f.clickhouseClient = c
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config.OTP.Pepper)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c, err := client.NewKMSClient(ctx, f.config)
		if err != nil {
			util.Warn("KMS client initialization failed - using local key wrapping", util.ErrorField(err))
		} else {
			kmsClient = c
		}
	}

	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing.IdentifierBuckets)

	if f.config.IsProduction() && f.config.OTP.Pepper == "" {
		f.hasher.StartPepperRotation(24 * time.Hour)
	}

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)
}

// initializeDelivery wires the SMS and email providers behind the dispatcher
func (f *Factory) initializeDelivery() {
	var sms delivery.SMSProvider = delivery.NewLogSMSProvider()
	if f.config.SMS.Provider == "sns" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		snsClient, err := client.NewSNSClient(ctx, f.config)
		if err != nil {
			util.Warn("SNS client initialization failed - using log SMS provider", util.ErrorField(err))
		} else {
			sms = delivery.NewSNSSMSProvider(snsClient, f.config.SMS.SenderID)
		}
	}

	var email delivery.EmailProvider = delivery.NewLogEmailProvider()
	if f.config.SMTP.Host != "" {
		provider, err := delivery.NewSMTPEmailProvider(f.config.SMTP)
		if err != nil {
			util.Warn("SMTP provider initialization failed - using log email provider", util.ErrorField(err))
		} else {
			email = provider
		}
	}

	f.dispatcher = delivery.NewDispatcher(sms, email, f.config.OTP.DeliveryTimeout)
}

// initializeRecorder assembles the lifecycle event pipeline from whatever
// sinks came up during client initialization
func (f *Factory) initializeRecorder() {
	var recorders []events.Recorder

	if f.kafkaProducer != nil {
		recorders = append(recorders, events.NewKafkaRecorder(f.kafkaProducer, f.config.Kafka.Topic))
	}
	if f.clickhouseClient != nil {
		recorders = append(recorders, events.NewClickHouseRecorder(f.clickhouseClient))
	}
	if f.esClient != nil {
		recorders = append(recorders, events.NewESRecorder(f.esClient, f.config.Elasticsearch.Index))
	}

	if len(recorders) == 0 {
		f.recorder = events.NoopRecorder{}
		return
	}
	f.recorder = events.NewMultiRecorder(recorders...)
}

// ==============================
// Repository Initialization
// ==============================

func (f *Factory) OTPRepository() *scylla.OTPRepository {
	if f.otpRepository == nil {
		f.otpRepository = scylla.NewOTPRepository(f.scyllaClient)
	}
	return f.otpRepository
}

func (f *Factory) BlacklistRepository() *scylla.BlacklistRepository {
	if f.blacklistRepository == nil {
		f.blacklistRepository = scylla.NewBlacklistRepository(f.scyllaClient)
	}
	return f.blacklistRepository
}

func (f *Factory) AccountRepository() *scylla.AccountRepository {
	if f.accountRepository == nil {
		f.accountRepository = scylla.NewAccountRepository(f.scyllaClient)
	}
	return f.accountRepository
}

func (f *Factory) OTPCache() *redisrepo.OTPCache {
	if f.otpCache == nil {
		f.otpCache = redisrepo.NewOTPCache(f.redisClient)
	}
	return f.otpCache
}

// ==============================
// Service Factory
// ==============================

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.config.OTP,
			f.hasher,
			f.bucketingManager,
			f.encryptionManager,
			f.OTPRepository(),
			f.BlacklistRepository(),
			f.AccountRepository(),
			f.OTPCache(),
			f.dispatcher,
			f.recorder,
		)
	}
	return f.serviceFactory
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

// ==============================
// Health Checks
// ==============================

// HealthCheck probes every initialized backend concurrently.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	var mu sync.Mutex
	healthErrors := make(map[string]error)
	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		healthErrors[name] = err
	}

	g, ctx := errgroup.WithContext(ctx)

	if f.redisClient != nil {
		g.Go(func() error {
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				record("redis", err)
			}
			return nil
		})
	} else {
		record("redis", fmt.Errorf("redis client not initialized"))
	}

	if f.scyllaClient != nil {
		g.Go(func() error {
			if err := f.scyllaClient.HealthCheck(); err != nil {
				record("scylla", err)
			}
			return nil
		})
	} else {
		record("scylla", fmt.Errorf("scylla client not initialized"))
	}

	if f.esClient != nil {
		g.Go(func() error {
			if err := f.esClient.HealthCheck(); err != nil {
				record("elasticsearch", err)
			}
			return nil
		})
	}

	if f.clickhouseClient != nil {
		g.Go(func() error {
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				record("clickhouse", err)
			}
			return nil
		})
	}

	if f.kafkaProducer != nil {
		g.Go(func() error {
			if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
				record("kafka", err)
			}
			return nil
		})
	}

	g.Wait()

	if f.hasher == nil {
		record("hasher", fmt.Errorf("hasher not initialized"))
	}
	if f.encryptionManager == nil {
		record("encryption", fmt.Errorf("encryption manager not initialized"))
	}
	if f.bucketingManager == nil {
		record("bucketing", fmt.Errorf("bucketing manager not initialized"))
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	// Optional sinks never gate readiness.
	delete(healthErrors, "kafka")
	delete(healthErrors, "elasticsearch")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown complete")
	})
	return nil
}
