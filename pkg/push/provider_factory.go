package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"chatcore-backend/pkg/config"
)

// ProviderType represents the type of push notification provider
type ProviderType string

const (
	ProviderTypeMock ProviderType = "mock"
	ProviderTypeFCM  ProviderType = "fcm"
	ProviderTypeAPNs ProviderType = "apns"
)

// NewProvider creates the provider selected by cfg.Provider.
func NewProvider(ctx context.Context, cfg config.PushConfig, log *zap.Logger) (Provider, error) {
	providerType := ProviderType(cfg.Provider)
	log.Info("Initializing push notification provider",
		zap.String("provider_type", string(providerType)))

	switch providerType {
	case ProviderTypeFCM:
		if cfg.FCMProjectID == "" {
			return nil, fmt.Errorf("FCM_PROJECT_ID is required for FCM provider")
		}
		return NewFCMProvider(ctx, &FCMConfig{
			ProjectID:       cfg.FCMProjectID,
			CredentialsPath: cfg.FCMCredentialsPath,
		}, log)
	case ProviderTypeAPNs:
		return NewAPNsProvider(&APNsConfig{
			BundleID:            cfg.APNsBundleID,
			KeyPath:             cfg.APNsKeyPath,
			KeyID:               cfg.APNsKeyID,
			TeamID:              cfg.APNsTeamID,
			CertificatePath:     cfg.APNsCertPath,
			CertificatePassword: cfg.APNsCertPassword,
			Production:          cfg.APNsProduction,
		}, log)
	case ProviderTypeMock:
		return NewMockProvider(), nil
	default:
		log.Warn("Unknown push provider type, falling back to mock",
			zap.String("provider_type", string(providerType)))
		return NewMockProvider(), nil
	}
}
