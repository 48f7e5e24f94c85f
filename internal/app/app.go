package app

import (
	"log"

	"edupay/config"
	"edupay/internal/events"
	"edupay/internal/repository"
	"edupay/internal/service"
	"edupay/internal/ws"
	"edupay/pkg/cloudinary"
	"edupay/pkg/payment"

	"gorm.io/gorm"
)

// Infra holds the external clients. Any of them may be nil; the affected feature then
// degrades (no cache, no events, no uploads, no push).
type Infra struct {
	Store  payment.KeyStore
	Events events.Publisher
	Cloud  cloudinary.Client
	Push   service.Pusher
}

// App is the wired service graph shared by the HTTP server and paymentctl.
type App struct {
	Gateways      *payment.Registry
	Transactions  *service.TransactionService
	Verifier      *service.CallbackVerifier
	Reconciler    *service.EnrollmentReconciler
	Sweeper       *service.StalenessSweeper
	Notifications *service.NotificationService
	NotifRepo     *repository.NotificationRepository
	UserRepo      *repository.UserRepository
	Hub           *ws.Hub
	Cloud         cloudinary.Client
}

func New(cfg *config.Config, db *gorm.DB, infra Infra) *App {
	userRepo := repository.NewUserRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	txRepo := repository.NewTransactionRepository(db)
	enrollRepo := repository.NewEnrollmentRepository(db)
	notifRepo := repository.NewNotificationRepository(db)

	retry := payment.RetryPolicy{Attempts: cfg.Payment.RetryAttempts, BaseDelay: cfg.Payment.RetryBaseDelay}
	registry := payment.NewRegistry(
		payment.NewRedirectSignedGateway(payment.RedirectSignedConfig{
			TmnCode:     cfg.RedirectGateway.TmnCode,
			HashSecret:  cfg.RedirectGateway.HashSecret,
			PayURL:      cfg.RedirectGateway.PayURL,
			BankListURL: cfg.RedirectGateway.BankListURL,
			Version:     cfg.RedirectGateway.Version,
			Locale:      cfg.RedirectGateway.Locale,
			BankListTTL: cfg.RedirectGateway.BankListTTL,
			HTTPTimeout: cfg.Payment.HTTPTimeout,
		}, infra.Store, retry),
		payment.NewOAuthCaptureGateway(payment.OAuthCaptureConfig{
			BaseURL:      cfg.OAuthGateway.BaseURL,
			ClientID:     cfg.OAuthGateway.ClientID,
			ClientSecret: cfg.OAuthGateway.ClientSecret,
			BrandName:    cfg.OAuthGateway.BrandName,
			TokenMargin:  cfg.OAuthGateway.TokenMargin,
			HTTPTimeout:  cfg.Payment.HTTPTimeout,
		}, infra.Store, retry),
		payment.NewManualProofGateway(payment.ManualProofConfig{
			BankName:         cfg.BankTransfer.BankName,
			AccountNumber:    cfg.BankTransfer.AccountNumber,
			AccountHolder:    cfg.BankTransfer.AccountHolder,
			QRPublicID:       cfg.BankTransfer.QRPublicID,
			ReferencePrefix:  cfg.BankTransfer.ReferencePrefix,
			AllowSelfConfirm: cfg.BankTransfer.AllowSelfConfirm,
		}, infra.Cloud),
	)
	if cfg.BankTransfer.AllowSelfConfirm {
		log.Printf("[ManualProof] payer self-confirmation enabled (low trust)")
	}

	hub := ws.NewHub()
	notifSvc := service.NewNotificationService(notifRepo, userRepo, infra.Push)
	reconciler := service.NewEnrollmentReconciler(enrollRepo, txRepo, courseRepo, notifSvc, infra.Events)
	verifier := service.NewCallbackVerifier(txRepo, registry, reconciler, notifSvc, infra.Events, hub)
	sweeper := service.NewStalenessSweeper(txRepo, cfg.Payment.PendingTimeout, infra.Events, hub)
	txSvc := service.NewTransactionService(txRepo, courseRepo, enrollRepo, registry, reconciler, verifier, sweeper, infra.Events, cfg.Payment.PublicBaseURL)

	return &App{
		Gateways:      registry,
		Transactions:  txSvc,
		Verifier:      verifier,
		Reconciler:    reconciler,
		Sweeper:       sweeper,
		Notifications: notifSvc,
		NotifRepo:     notifRepo,
		UserRepo:      userRepo,
		Hub:           hub,
		Cloud:         infra.Cloud,
	}
}
