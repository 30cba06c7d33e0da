package service

import (
	"otp-service/internal/bucketing"
	"otp-service/internal/config"
	"otp-service/internal/events"
	"otp-service/internal/hashing"
	"otp-service/internal/repository/scylla"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg        config.OTPConfig
	hasher     *hashing.Hasher
	buckets    *bucketing.BucketingManager
	encryptor  IdentifierEncryptor
	otpStore   scylla.OTPStore
	blacklist  scylla.BlacklistStore
	accounts   scylla.AccountStore
	cache      Cache
	deliverer  Deliverer
	recorder   events.Recorder
	otpService *OTPService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	cfg config.OTPConfig,
	hasher *hashing.Hasher,
	buckets *bucketing.BucketingManager,
	encryptor IdentifierEncryptor,
	otpStore scylla.OTPStore,
	blacklist scylla.BlacklistStore,
	accounts scylla.AccountStore,
	cache Cache,
	deliverer Deliverer,
	recorder events.Recorder,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:       cfg,
		hasher:    hasher,
		buckets:   buckets,
		encryptor: encryptor,
		otpStore:  otpStore,
		blacklist: blacklist,
		accounts:  accounts,
		cache:     cache,
		deliverer: deliverer,
		recorder:  recorder,
	}
}

// OTPService returns the OTP service instance (singleton)
func (f *ServiceFactory) OTPService() *OTPService {
	if f.otpService == nil {
		f.otpService = NewOTPService(
			f.cfg,
			f.hasher,
			f.buckets,
			f.encryptor,
			f.otpStore,
			f.blacklist,
			f.accounts,
			f.cache,
			f.deliverer,
			f.recorder,
			RealClock{},
		)
	}
	return f.otpService
}
