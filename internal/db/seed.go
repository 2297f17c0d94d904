package db

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/chatstack/llm-gateway/internal/db/models"
)

var providerIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

type catalogFile struct {
	Providers []CatalogProvider `yaml:"providers"`
}

// CatalogProvider is one entry of the provider seed file.
type CatalogProvider struct {
	ID                 string  `yaml:"id"`
	Name               string  `yaml:"name"`
	Family             string  `yaml:"family"`
	Model              string  `yaml:"model"`
	BaseURL            string  `yaml:"base_url"`
	APIKeyEnv          string  `yaml:"api_key_env"`
	RateLimit          int     `yaml:"rate_limit"`
	Concurrency        int     `yaml:"concurrency"`
	CostPerInputToken  float64 `yaml:"cost_per_input_token"`
	CostPerOutputToken float64 `yaml:"cost_per_output_token"`
	Priority           int     `yaml:"priority"`
	Enabled            *bool   `yaml:"enabled"`
}

// LoadCatalog parses the provider seed YAML.
func LoadCatalog(path string) ([]CatalogProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, p := range file.Providers {
		if !providerIDRegexp.MatchString(p.ID) {
			return nil, fmt.Errorf("invalid provider id %q", p.ID)
		}
		switch models.ProviderFamily(p.Family) {
		case models.FamilyOpenAI, models.FamilyAnthropic, models.FamilyGoogle:
		default:
			return nil, fmt.Errorf("provider %s: unknown family %q", p.ID, p.Family)
		}
	}
	return file.Providers, nil
}

// SeedProviders upserts catalog entries into the provider table.
// Configuration fields are refreshed on every start; operational state
// (status, errorCount, timestamps) is owned by the breaker and left
// untouched for existing rows.
func SeedProviders(database *gorm.DB, entries []CatalogProvider) error {
	for _, entry := range entries {
		apiKey := ""
		if entry.APIKeyEnv != "" {
			apiKey = os.Getenv(entry.APIKeyEnv)
		}

		rateLimit := entry.RateLimit
		if rateLimit <= 0 {
			rateLimit = 60
		}
		concurrency := entry.Concurrency
		if concurrency <= 0 {
			concurrency = 10
		}

		var existing models.Provider
		err := database.Where("id = ?", entry.ID).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			status := models.StatusActive
			if entry.Enabled != nil && !*entry.Enabled {
				status = models.StatusDisabled
			}
			if err := database.Create(&models.Provider{
				ID:                 entry.ID,
				Name:               entry.Name,
				Family:             models.ProviderFamily(entry.Family),
				Model:              entry.Model,
				BaseURL:            entry.BaseURL,
				APIKey:             apiKey,
				RateLimit:          rateLimit,
				Concurrency:        concurrency,
				CostPerInputToken:  entry.CostPerInputToken,
				CostPerOutputToken: entry.CostPerOutputToken,
				Priority:           entry.Priority,
				Status:             status,
			}).Error; err != nil {
				return fmt.Errorf("seed provider %s: %w", entry.ID, err)
			}
			continue
		}
		if err != nil {
			return err
		}

		updates := map[string]interface{}{
			"name":                  entry.Name,
			"family":                entry.Family,
			"model":                 entry.Model,
			"base_url":              entry.BaseURL,
			"api_key":               apiKey,
			"rate_limit":            rateLimit,
			"concurrency":           concurrency,
			"cost_per_input_token":  entry.CostPerInputToken,
			"cost_per_output_token": entry.CostPerOutputToken,
			"priority":              entry.Priority,
		}
		if err := database.Model(&models.Provider{}).Where("id = ?", entry.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("refresh provider %s: %w", entry.ID, err)
		}
	}
	return nil
}
