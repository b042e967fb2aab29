package config

import (
	"fmt"
	"os"
	"strconv"

	"paperflow/internal/logger"
)

// Config is loaded once per run and passed by reference into every
// component. Nothing reads environment variables past this point.
type Config struct {
	// OpenAI extraction backend
	OpenAIAPIKey string
	OpenAIModel  string

	// Company identity, used to orient sale vs expense and CRM sync
	CompanyName  string
	CompanyTaxID string

	// Google Drive folders (IDs, not names)
	InboxFolderID      string
	SuccessFolderID    string
	FailedFolderID     string
	ArchiveFolderID    string
	StatementsFolderID string

	// Ledger API
	LedgerBaseURL string
	LedgerAPIKey  string

	// CRM (optional; sale-invoice sync is skipped when unset)
	CRMBaseURL string
	CRMAPIKey  string

	// Alerting webhook (optional; alerts degrade to log lines when unset)
	AlertWebhookURL string

	// Local durable state
	StateFile string
	LockFile  string

	// Batch limits
	InvoiceQuota int

	// Logging
	LogLevel      string
	LogFormat     string
	LogTimeFormat string
	LogOutput     string
}

func Load() (*Config, error) {
	config := &Config{
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o"),
		CompanyName:        getEnv("COMPANY_NAME", ""),
		CompanyTaxID:       getEnv("COMPANY_TAX_ID", ""),
		InboxFolderID:      getEnv("DRIVE_INBOX_FOLDER_ID", ""),
		SuccessFolderID:    getEnv("DRIVE_SUCCESS_FOLDER_ID", ""),
		FailedFolderID:     getEnv("DRIVE_FAILED_FOLDER_ID", ""),
		ArchiveFolderID:    getEnv("DRIVE_ARCHIVE_FOLDER_ID", ""),
		StatementsFolderID: getEnv("DRIVE_STATEMENTS_FOLDER_ID", ""),
		LedgerBaseURL:      getEnv("LEDGER_BASE_URL", ""),
		LedgerAPIKey:       getEnv("LEDGER_API_KEY", ""),
		CRMBaseURL:         getEnv("CRM_BASE_URL", ""),
		CRMAPIKey:          getEnv("CRM_API_KEY", ""),
		AlertWebhookURL:    getEnv("ALERT_WEBHOOK_URL", ""),
		StateFile:          getEnv("STATE_FILE", "paperflow-state.json"),
		LockFile:           getEnv("LOCK_FILE", "paperflow.lock"),
		InvoiceQuota:       getIntEnv("INVOICE_QUOTA", 10),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "console"),
		LogTimeFormat:      getEnv("LOG_TIME_FORMAT", "2006-01-02T15:04:05Z07:00"),
		LogOutput:          getEnv("LOG_OUTPUT", "stderr"),
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) validate() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.CompanyTaxID == "" {
		return fmt.Errorf("COMPANY_TAX_ID is required")
	}
	if c.InboxFolderID == "" {
		return fmt.Errorf("DRIVE_INBOX_FOLDER_ID is required")
	}
	if c.SuccessFolderID == "" {
		return fmt.Errorf("DRIVE_SUCCESS_FOLDER_ID is required")
	}
	if c.FailedFolderID == "" {
		return fmt.Errorf("DRIVE_FAILED_FOLDER_ID is required")
	}
	if c.ArchiveFolderID == "" {
		return fmt.Errorf("DRIVE_ARCHIVE_FOLDER_ID is required")
	}
	if c.LedgerBaseURL == "" {
		return fmt.Errorf("LEDGER_BASE_URL is required")
	}
	if c.LedgerAPIKey == "" {
		return fmt.Errorf("LEDGER_API_KEY is required")
	}
	if c.InvoiceQuota <= 0 {
		return fmt.Errorf("INVOICE_QUOTA must be positive")
	}
	return nil
}

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
