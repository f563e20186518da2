//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/observation-service/internal/client"
	"github.com/kjstillabower/observation-service/internal/config"
	"github.com/kjstillabower/observation-service/internal/models"
	"github.com/kjstillabower/observation-service/internal/observability"
	"github.com/kjstillabower/observation-service/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	Credential string
	APIURL     string
	Location   string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if CWB_AUTHORIZATION is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	credential := os.Getenv("CWB_AUTHORIZATION")
	if credential == "" {
		t.Skip("CWB_AUTHORIZATION not set, skipping integration test")
	}

	apiURL := os.Getenv("OBSERVATION_API_URL")
	if apiURL == "" {
		apiURL = config.DefaultObservationAPIURL
	}
	location := os.Getenv("OBSERVATION_LOCATION")
	if location == "" {
		location = config.DefaultLocationName
	}

	return IntegrationTestConfig{
		Credential: credential,
		APIURL:     apiURL,
		Location:   location,
	}
}

// SetupIntegrationClient creates a CWB client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.CWBClient {
	c, err := client.NewCWBClient(cfg.APIURL, 10*time.Second)
	if err != nil {
		t.Fatalf("NewCWBClient() error = %v", err)
	}
	return c
}

// SetupIntegrationReconciler creates a reconciler against the live endpoint,
// seeded and with placeholders matching the defaults in config.
func SetupIntegrationReconciler(t *testing.T, cfg IntegrationTestConfig) *service.Reconciler {
	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	return service.NewReconciler(SetupIntegrationClient(t, cfg), service.Options{
		Location:   cfg.Location,
		Credential: cfg.Credential,
		Placeholders: service.Placeholders{
			Description:     config.DefaultDescription,
			RainPossibility: config.DefaultRainPossibility,
		},
		Seed: models.DisplayState{
			Location:        config.DefaultSeedLocation,
			Description:     config.DefaultSeedDescription,
			Temperature:     models.Float(config.DefaultSeedTemperature),
			WindSpeed:       models.Float(config.DefaultSeedWindSpeed),
			RainPossibility: config.DefaultSeedRainPossibility,
			ObservationTime: config.DefaultSeedObservationTime,
		},
	}, logger)
}
