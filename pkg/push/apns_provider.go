package push

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"go.uber.org/zap"
)

// APNsProvider sends through the Apple Push Notification Service
type APNsProvider struct {
	client   *apns2.Client
	bundleID string
	log      *zap.Logger
}

// APNsConfig contains configuration for APNs provider
type APNsConfig struct {
	// Token-based authentication
	KeyPath string
	KeyID   string
	TeamID  string

	// Certificate-based authentication
	CertificatePath     string
	CertificatePassword string

	BundleID   string
	Production bool
}

// NewAPNsProvider creates a new APNs provider. Token authentication is used
// when KeyPath, KeyID and TeamID are all set.
func NewAPNsProvider(config *APNsConfig, log *zap.Logger) (*APNsProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("APNs config is required")
	}
	if config.BundleID == "" {
		return nil, fmt.Errorf("BundleID is required")
	}

	var client *apns2.Client
	switch {
	case config.KeyPath != "" && config.KeyID != "" && config.TeamID != "":
		authKey, err := token.AuthKeyFromFile(config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load APNs key: %w", err)
		}
		client = apns2.NewTokenClient(&token.Token{
			AuthKey: authKey,
			KeyID:   config.KeyID,
			TeamID:  config.TeamID,
		})
	case config.CertificatePath != "":
		cert, err := certificate.FromP12File(config.CertificatePath, config.CertificatePassword)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		client = apns2.NewClient(cert)
	default:
		return nil, fmt.Errorf("either token-based (KeyPath, KeyID, TeamID) or certificate-based (CertificatePath) authentication must be provided")
	}

	if config.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	log.Info("APNs provider initialized",
		zap.String("bundle_id", config.BundleID),
		zap.Bool("production", config.Production))

	return &APNsProvider{client: client, bundleID: config.BundleID, log: log}, nil
}

// Send implements Provider interface for APNs
func (a *APNsProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	result := &SendResult{}

	for _, deviceToken := range tokens {
		msg := &apns2.Notification{
			DeviceToken: deviceToken,
			Topic:       a.bundleID,
			Payload:     buildAPNsPayload(notification),
			Priority:    apns2.PriorityLow,
		}
		if notification.Priority == "high" {
			msg.Priority = apns2.PriorityHigh
		}

		resp, err := a.client.PushWithContext(ctx, msg)
		if err != nil {
			result.FailureCount++
			result.Errors = append(result.Errors, err)
			a.log.Warn("Failed to send APNs notification",
				zap.String("token_prefix", maskPushToken(deviceToken)),
				zap.Error(err))
			continue
		}

		if resp.Sent() {
			result.SuccessCount++
			continue
		}

		result.FailureCount++
		result.Errors = append(result.Errors, fmt.Errorf("APNs error: %s", resp.Reason))
		if resp.StatusCode == http.StatusGone ||
			resp.Reason == apns2.ReasonUnregistered ||
			resp.Reason == apns2.ReasonBadDeviceToken ||
			resp.Reason == apns2.ReasonDeviceTokenNotForTopic {
			result.InvalidTokens = append(result.InvalidTokens, deviceToken)
		}
		a.log.Warn("APNs notification failed",
			zap.Int("status_code", resp.StatusCode),
			zap.String("reason", resp.Reason),
			zap.String("token_prefix", maskPushToken(deviceToken)))
	}

	return result, nil
}

func buildAPNsPayload(notification *Notification) *payload.Payload {
	p := payload.NewPayload().
		AlertTitle(notification.Title).
		AlertBody(notification.Body)
	if notification.Sound != "" {
		p.Sound(notification.Sound)
	}
	if notification.Badge != nil {
		p.Badge(*notification.Badge)
	}
	if notification.Category != "" {
		p.Category(notification.Category)
	}
	for key, value := range notification.Data {
		p.Custom(key, value)
	}
	return p
}
