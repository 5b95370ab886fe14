// Package config loads and validates runtime configuration.
//
// Configuration is resolved with viper from, in order of precedence:
// environment variables (prefix TM_), an optional taskmirror.yaml in the
// working directory or $HOME/.taskmirror/, and built-in defaults. A local
// .env file, when present, is loaded into the environment first so that
// credentials can live next to the checkout during development.
//
// Credentials and database identifiers are required; a missing value is a
// configuration error, which is the only error class that aborts a run
// before any reconciliation phase begins.
package config

import (
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// SinkSchema maps the engine's logical fields to sink (Notion) property
// names. The names are configuration, not literals: a workspace may call
// its checkbox "Complete" instead of "Done". The defaults match the
// reference database layout. Validated once at startup rather than probed
// per record.
type SinkSchema struct {
	// Title is the title property on both databases.
	Title string `mapstructure:"title"`
	// SourceID is the rich-text property carrying the source identifier.
	SourceID string `mapstructure:"source_id"`
	// Origin is the select property recording which system created the
	// page (e.g. "Todoist").
	Origin string `mapstructure:"origin"`
	// Status is the select property on project pages (Active/Archived).
	Status string `mapstructure:"status"`
	// Category is the relation property linking a project page to the
	// grouping table.
	Category string `mapstructure:"category"`
	// LastSynced is the date property stamped on every successful write.
	LastSynced string `mapstructure:"last_synced"`
	// Done is the checkbox property on task pages.
	Done string `mapstructure:"done"`
	// Due is the date property on task pages.
	Due string `mapstructure:"due"`
	// Project is the relation property linking a task page to its
	// project page.
	Project string `mapstructure:"project"`
	// Label is the select property carrying the task's category tag.
	Label string `mapstructure:"label"`
}

// Validate checks that every logical field has a property name.
func (s *SinkSchema) Validate() error {
	fields := map[string]string{
		"sink_schema.title":       s.Title,
		"sink_schema.source_id":   s.SourceID,
		"sink_schema.origin":      s.Origin,
		"sink_schema.status":      s.Status,
		"sink_schema.category":    s.Category,
		"sink_schema.last_synced": s.LastSynced,
		"sink_schema.done":        s.Done,
		"sink_schema.due":         s.Due,
		"sink_schema.project":     s.Project,
		"sink_schema.label":       s.Label,
	}
	for key, val := range fields {
		if val == "" {
			return &MissingError{Key: key}
		}
	}
	return nil
}

// Config holds everything the process needs to run.
type Config struct {
	// TodoistToken authenticates against the source system.
	TodoistToken string `mapstructure:"todoist_token"`
	// NotionToken authenticates against the sink system.
	NotionToken string `mapstructure:"notion_token"`

	// ProjectsDatabaseID, TasksDatabaseID and CategoriesDatabaseID are
	// the sink database identifiers. The categories database is
	// optional: category linking is best-effort.
	ProjectsDatabaseID   string `mapstructure:"projects_database_id"`
	TasksDatabaseID      string `mapstructure:"tasks_database_id"`
	CategoriesDatabaseID string `mapstructure:"categories_database_id"`

	// SourceTag is the origin select value written on sink pages the
	// engine creates from source entities.
	SourceTag string `mapstructure:"source_tag"`

	// StorePath is the sqlite file holding mappings and run history.
	StorePath string `mapstructure:"store_path"`

	// Port is the HTTP trigger port for `tm serve`.
	Port int `mapstructure:"port"`

	// LogFile, when set, routes serve-mode logs through a rotating
	// file instead of stderr.
	LogFile string `mapstructure:"log_file"`

	SinkSchema SinkSchema `mapstructure:"sink_schema"`
}

// MissingError reports a required configuration value that is not set.
// It is the fatal error class: the caller aborts the run before any
// phase and surfaces a single top-level error.
type MissingError struct {
	Key string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("required configuration value %q is not set", e.Key)
}

// IsMissing reports whether err is (or wraps) a MissingError.
func IsMissing(err error) bool {
	var me *MissingError
	return errors.As(err, &me)
}

// Load resolves configuration from env, optional config file and defaults.
func Load() (*Config, error) {
	// Best-effort: a missing .env is the common case in production.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("TM")
	v.AutomaticEnv()

	setDefaults(v)
	bindEnv(v)

	v.SetConfigName("taskmirror")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.taskmirror")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required values. The categories database and log file
// are optional; everything else must be present.
func (c *Config) Validate() error {
	required := []struct {
		key string
		val string
	}{
		{"todoist_token", c.TodoistToken},
		{"notion_token", c.NotionToken},
		{"projects_database_id", c.ProjectsDatabaseID},
		{"tasks_database_id", c.TasksDatabaseID},
		{"store_path", c.StorePath},
	}
	for _, r := range required {
		if r.val == "" {
			return &MissingError{Key: r.key}
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535 (got %d)", c.Port)
	}
	return c.SinkSchema.Validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source_tag", "Todoist")
	v.SetDefault("store_path", ".taskmirror/taskmirror.db")
	v.SetDefault("port", 8080)

	v.SetDefault("sink_schema.title", "Name")
	v.SetDefault("sink_schema.source_id", "Todoist ID")
	v.SetDefault("sink_schema.origin", "Source")
	v.SetDefault("sink_schema.status", "Status")
	v.SetDefault("sink_schema.category", "Category")
	v.SetDefault("sink_schema.last_synced", "Last Synced")
	v.SetDefault("sink_schema.done", "Done")
	v.SetDefault("sink_schema.due", "Due")
	v.SetDefault("sink_schema.project", "Project")
	v.SetDefault("sink_schema.label", "Label")
}

// bindEnv makes nested keys reachable as flat TM_* variables, e.g.
// TM_TODOIST_TOKEN and TM_PROJECTS_DATABASE_ID.
func bindEnv(v *viper.Viper) {
	keys := []string{
		"todoist_token",
		"notion_token",
		"projects_database_id",
		"tasks_database_id",
		"categories_database_id",
		"source_tag",
		"store_path",
		"port",
		"log_file",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}
