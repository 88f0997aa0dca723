package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models vetfleet.yml.
type Config struct {
	Database struct {
		Driver    string `yaml:"driver"`
		DSN       string `yaml:"dsn"`
		Workspace string `yaml:"workspace"`
	} `yaml:"database"`
	LLM        LLMConfig        `yaml:"llm"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Appliers   struct {
		BatchSize int `yaml:"batch_size"`
	} `yaml:"appliers"`
	Dispatcher struct {
		MinInterval time.Duration `yaml:"min_interval"`
	} `yaml:"dispatcher"`
	Notify    NotifyConfig `yaml:"notify"`
	Server    ServerConfig `yaml:"server"`
	Telemetry struct {
		Enabled      bool   `yaml:"enabled"`
		OTLPEndpoint string `yaml:"otlp_endpoint"`
		Insecure     bool   `yaml:"insecure"`
		ServiceName  string `yaml:"service_name"`
	} `yaml:"telemetry"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Agents []AgentSeed `yaml:"agents"`
}

type LLMConfig struct {
	BaseURL            string             `yaml:"base_url"`
	APIKey             string             `yaml:"api_key"`
	Timeout            time.Duration      `yaml:"timeout"`
	MaxRetries         int                `yaml:"max_retries"`
	RetryBase          time.Duration      `yaml:"retry_base"`
	RatePerSecond      float64            `yaml:"rate_per_second"`
	Burst              int                `yaml:"burst"`
	Models             map[string]string  `yaml:"models"`
	CostPer1K          map[string]float64 `yaml:"cost_per_1k"`
	DefaultCostPer1K   float64            `yaml:"default_cost_per_1k"`
	DefaultMaxTokens   int                `yaml:"default_max_tokens"`
	DefaultTemperature float64            `yaml:"default_temperature"`
}

type SupervisorConfig struct {
	AgentID          string        `yaml:"agent_id"`
	PendingBatch     int           `yaml:"pending_batch"`
	StuckAfter       time.Duration `yaml:"stuck_after"`
	StreakWarn       int           `yaml:"streak_warn"`
	StreakPause      int           `yaml:"streak_pause"`
	RecentRunsWindow int           `yaml:"recent_runs_window"`
	BudgetWarning    float64       `yaml:"budget_warning"`
	BacklogThreshold int           `yaml:"backlog_threshold"`
	HealthReportTTL  time.Duration `yaml:"health_report_ttl"`
}

type NotifyConfig struct {
	SlackToken          string `yaml:"slack_token"`
	SlackAPIURL         string `yaml:"slack_api_url"`
	SlackDefaultChannel string `yaml:"slack_default_channel"`
	BatchSize           int    `yaml:"batch_size"`
	MaxRetries          int    `yaml:"max_retries"`
	RedisAddr           string `yaml:"redis_addr"`
	RedisPassword       string `yaml:"redis_password"`
	RedisDB             int    `yaml:"redis_db"`
	RedisStream         string `yaml:"redis_stream"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentSeed describes a fleet member registered by `vetfleet agents seed`.
type AgentSeed struct {
	AgentID          string `yaml:"agent_id"`
	DisplayName      string `yaml:"display_name"`
	Cluster          string `yaml:"cluster"`
	Description      string `yaml:"description"`
	ScheduleCron     string `yaml:"schedule_cron"`
	DailyTokenBudget *int64 `yaml:"daily_token_budget"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with vetfleet init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres")
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("config.llm.max_retries must be >= 0")
	}
	if c.LLM.RetryBase < 0 {
		return fmt.Errorf("config.llm.retry_base must be >= 0")
	}
	for _, key := range []string{"reasoning", "fast"} {
		if c.LLM.Models[key] == "" {
			return fmt.Errorf("config.llm.models.%s is required", key)
		}
	}
	s := c.Supervisor
	if s.AgentID == "" {
		return fmt.Errorf("config.supervisor.agent_id is required")
	}
	if s.PendingBatch <= 0 {
		return fmt.Errorf("config.supervisor.pending_batch must be > 0")
	}
	if s.StuckAfter <= 0 {
		return fmt.Errorf("config.supervisor.stuck_after must be > 0")
	}
	if s.StreakWarn <= 0 || s.StreakPause < s.StreakWarn {
		return fmt.Errorf("config.supervisor.streak_pause must be >= streak_warn > 0")
	}
	if s.BudgetWarning <= 0 || s.BudgetWarning > 1 {
		return fmt.Errorf("config.supervisor.budget_warning must be in (0,1]")
	}
	if c.Appliers.BatchSize <= 0 {
		return fmt.Errorf("config.appliers.batch_size must be > 0")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	seen := map[string]bool{}
	for _, a := range c.Agents {
		if a.AgentID == "" {
			return fmt.Errorf("config.agents contains empty agent_id")
		}
		if seen[a.AgentID] {
			return fmt.Errorf("config.agents has duplicate agent_id %s", a.AgentID)
		}
		seen[a.AgentID] = true
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "vetfleet.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `database:
  driver: sqlite
  workspace: .

llm:
  base_url: https://api.openai.com/v1
  timeout: 60s
  max_retries: 2
  retry_base: 1s
  rate_per_second: 5
  burst: 5
  models:
    reasoning: gpt-4o
    fast: gpt-4o-mini
  cost_per_1k:
    gpt-4o: 0.0075
    gpt-4o-mini: 0.0003
  default_cost_per_1k: 0.001
  default_max_tokens: 4000
  default_temperature: 0.3

supervisor:
  agent_id: supervisor_agent
  pending_batch: 50
  stuck_after: 30m
  streak_warn: 3
  streak_pause: 5
  recent_runs_window: 200
  budget_warning: 0.8
  backlog_threshold: 100
  health_report_ttl: 24h

appliers:
  batch_size: 50

dispatcher:
  min_interval: 4m

notify:
  slack_api_url: https://slack.com/api
  slack_default_channel: "#agent-alerts"
  batch_size: 30
  max_retries: 3
  redis_stream: vetfleet:alerts

server:
  addr: 127.0.0.1:8080
  base_path: /v1

telemetry:
  enabled: false
  service_name: vetfleet

log:
  level: info
  format: text

agents:
  - agent_id: gap_analyzer
    display_name: Gap Analyzer
    cluster: skills
    schedule_cron: "0 6 * * 1"
    daily_token_budget: 50000
  - agent_id: skill_scout
    display_name: Skill Scout
    cluster: skills
    schedule_cron: "0 7 * * 1"
    daily_token_budget: 50000
  - agent_id: role_mapper
    display_name: Role Mapper
    cluster: skills
    schedule_cron: "0 8 * * 1"
    daily_token_budget: 50000
  - agent_id: course_architect
    display_name: Course Architect
    cluster: skills
    schedule_cron: "0 9 * * 2"
    daily_token_budget: 80000
  - agent_id: hr_auditor
    display_name: HR Auditor
    cluster: operations
    schedule_cron: "0 5 * * *"
    daily_token_budget: 40000
  - agent_id: attendance_monitor
    display_name: Attendance Monitor
    cluster: operations
    schedule_cron: "30 6 * * 1-5"
    daily_token_budget: 30000
  - agent_id: payroll_watchdog
    display_name: Payroll Watchdog
    cluster: operations
    schedule_cron: "0 18 * * 5"
    daily_token_budget: 30000
  - agent_id: compliance_tracker
    display_name: Compliance Tracker
    cluster: operations
    schedule_cron: "0 4 * * *"
    daily_token_budget: 30000
  - agent_id: engagement_pulse
    display_name: Engagement Pulse
    cluster: engagement
    schedule_cron: "0 10 * * 5"
    daily_token_budget: 30000
  - agent_id: supervisor_agent
    display_name: Supervisor
    cluster: orchestration
    schedule_cron: "*/15 * * * *"
    daily_token_budget: 20000
`
