package app

import (
	"log"

	"edupay/config"
	"edupay/internal/cache"
	"edupay/internal/events"
	"edupay/internal/service"
	"edupay/pkg/cloudinary"
)

// NewInfra connects the optional external services. Failures are logged and the
// dependency is left out. The returned func closes whatever was opened.
func NewInfra(cfg *config.Config) (Infra, func()) {
	var (
		infra   Infra
		closers []func() error
	)

	if store, err := cache.NewRedisStore(cfg.Redis.URL, "edupay:"); err != nil {
		log.Printf("[Redis] unavailable, gateway cache and order correlation disabled: %v", err)
	} else {
		infra.Store = store
		closers = append(closers, store.Close)
	}

	infra.Events = events.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		if pub, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix); err != nil {
			log.Printf("[Kafka] producer unavailable, events disabled: %v", err)
		} else {
			infra.Events = pub
			closers = append(closers, pub.Close)
		}
	} else {
		log.Printf("[Kafka] events disabled: set KAFKA_BROKERS to enable")
	}

	if cfg.Cloudinary.APIKey != "" && cfg.Cloudinary.APISecret != "" {
		cloud, err := cloudinary.NewClientFromParams(cfg.Cloudinary.CloudName, cfg.Cloudinary.APIKey, cfg.Cloudinary.APISecret)
		if err != nil {
			log.Printf("[Cloudinary] client init failed, receipt uploads disabled: %v", err)
			infra.Cloud = cloudinary.URLOnly{CloudName: cfg.Cloudinary.CloudName}
		} else {
			infra.Cloud = cloud
		}
	} else {
		infra.Cloud = cloudinary.URLOnly{CloudName: cfg.Cloudinary.CloudName}
	}

	if fcm := service.NewFCMService(cfg.Firebase.ServiceAccountPath); fcm != nil {
		log.Printf("[FCM] Push notifications enabled")
		infra.Push = fcm
	} else if cfg.Firebase.ServiceAccountPath != "" {
		log.Printf("[FCM] Push notifications disabled: failed to init (check service account file)")
	} else {
		log.Printf("[FCM] Push notifications disabled: set FIREBASE_SERVICE_ACCOUNT_PATH to enable")
	}

	return infra, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Printf("close: %v", err)
			}
		}
	}
}
