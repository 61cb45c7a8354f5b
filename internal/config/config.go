package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mtzanidakis/hive/internal/queue"
)

type Config struct {
	Swarm     SwarmConfig         `yaml:"swarm"`
	Roles     map[string][]string `yaml:"roles"`
	Task      TaskConfig          `yaml:"task"`
	Engine    EngineConfig        `yaml:"engine"`
	Store     StoreConfig         `yaml:"store"`
	NATS      NATSConfig          `yaml:"nats"`
	Web       WebConfig           `yaml:"web"`
	Telegram  TelegramConfig      `yaml:"telegram"`
	Vault     VaultConfig         `yaml:"vault"`
	Schedules []ScheduleConfig    `yaml:"schedules"`
	Log       LogConfig           `yaml:"log"`
}

type SwarmConfig struct {
	// Mode is "queue" (agents claim tasks) or "topology" (agents work the
	// global goal and gossip with grid neighbors).
	Mode             string             `yaml:"mode"`
	Shape            []int              `yaml:"shape"`
	RoleWeights      map[string]float64 `yaml:"role_weights"`
	Timeout          time.Duration      `yaml:"timeout"`
	MaxCycles        int                `yaml:"max_cycles"`
	CycleTimeout     time.Duration      `yaml:"cycle_timeout"`
	Backoff          time.Duration      `yaml:"backoff"`
	LockTimeout      time.Duration      `yaml:"lock_timeout"`
	MemorySize       int                `yaml:"memory_size"`
	MailboxSize      int                `yaml:"mailbox_size"`
	SharedView       int                `yaml:"shared_view"`
	Seed             uint64             `yaml:"seed"`
	TerminalTaskType string             `yaml:"terminal_task_type"`
	GoalPriority     int                `yaml:"goal_priority"`
	ReportPriority   int                `yaml:"report_priority"`
	// Transport carries neighbor gossip: "local" or "nats".
	Transport string `yaml:"transport"`
}

type TaskConfig struct {
	Role       string   `yaml:"role"`
	GlobalGoal string   `yaml:"global_goal"`
	Goals      []string `yaml:"goals"`
}

type EngineConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	APIKey         string        `yaml:"api_key"`
	MaxTokens      int           `yaml:"max_tokens"`
	MaxInputTokens int           `yaml:"max_input_tokens"`
	Temperature    float64       `yaml:"temperature"`
	Timeout        time.Duration `yaml:"timeout"`
	RPS            float64       `yaml:"rps"`
	Burst          int           `yaml:"burst"`
	// Tokenizer is "tiktoken" or "chars".
	Tokenizer string `yaml:"tokenizer"`
	// Evaluate grades every result with the engine instead of using a
	// fixed score.
	Evaluate bool `yaml:"evaluate"`
}

type StoreConfig struct {
	Path        string `yaml:"path"`
	ResultsFile string `yaml:"results_file"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
	// Auth, when set, is the Basic Auth password for every /api route.
	Auth string `yaml:"auth"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

// ScheduleConfig seeds a task into the running queue on a schedule. The
// schedule is a cron expression, an interval like "@every 10m", or a
// one-shot "@at <RFC3339>".
type ScheduleConfig struct {
	Name        string `yaml:"name"`
	Schedule    string `yaml:"schedule"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
	Priority    int    `yaml:"priority"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() Config {
	return Config{
		Swarm: SwarmConfig{
			Mode:  "queue",
			Shape: []int{2, 2},
			RoleWeights: map[string]float64{
				"manager":  1,
				"analyst":  2,
				"reporter": 1,
			},
			Timeout:          10 * time.Minute,
			CycleTimeout:     120 * time.Second,
			Backoff:          time.Second,
			LockTimeout:      30 * time.Second,
			MemorySize:       4,
			MailboxSize:      64,
			SharedView:       10,
			TerminalTaskType: string(queue.TypeReport),
			GoalPriority:     100,
			ReportPriority:   50,
			Transport:        "local",
		},
		Roles: map[string][]string{
			"manager":  {string(queue.TypeBreakdown), string(queue.TypeSummarisation)},
			"analyst":  {string(queue.TypeAnalysis), string(queue.TypeGoogleSearch), string(queue.TypeCrunchbaseSearch)},
			"reporter": {string(queue.TypeReport)},
		},
		Engine: EngineConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   1500,
			Temperature: 0.5,
			Timeout:     60 * time.Second,
			RPS:         2,
			Burst:       4,
			Tokenizer:   "tiktoken",
		},
		Store: StoreConfig{
			Path: "data/hive.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Default returns the built-in configuration without reading any file or
// environment variable.
func Default() *Config {
	cfg := defaults()
	return &cfg
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("HIVE_CONFIG")
	if path == "" {
		path = "config/hive.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Maps given in the file replace the default maps instead of
		// being merged into them.
		roles, weights := cfg.Roles, cfg.Swarm.RoleWeights
		cfg.Roles, cfg.Swarm.RoleWeights = nil, nil

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if cfg.Roles == nil {
			cfg.Roles = roles
		}
		if cfg.Swarm.RoleWeights == nil {
			cfg.Swarm.RoleWeights = weights
		}
	}

	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HIVE_ENGINE_API_KEY"); v != "" {
		cfg.Engine.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Engine.APIKey == "" {
		cfg.Engine.APIKey = v
	}
	if v := os.Getenv("HIVE_ENGINE_BASE_URL"); v != "" {
		cfg.Engine.BaseURL = v
	}
	if v := os.Getenv("HIVE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HIVE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("HIVE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("HIVE_WEB_AUTH"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("HIVE_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("HIVE_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("HIVE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Permissions converts the roles table into the queue's permission map.
func (c *Config) Permissions() (queue.Permissions, error) {
	p := make(queue.Permissions, len(c.Roles))
	for role, names := range c.Roles {
		for _, n := range names {
			t, err := queue.ParseTaskType(n)
			if err != nil {
				return nil, fmt.Errorf("role %s: %w", role, err)
			}
			p[role] = append(p[role], t)
		}
		if len(names) == 0 {
			p[role] = nil
		}
	}
	return p, nil
}

// Validate checks the configuration once, before anything starts, so that
// dispatch never meets an unclaimable task type.
func (c *Config) Validate() error {
	var errs []error

	switch c.Swarm.Mode {
	case "queue", "topology":
	default:
		errs = append(errs, fmt.Errorf("swarm.mode must be queue or topology, got %q", c.Swarm.Mode))
	}
	switch c.Swarm.Transport {
	case "local", "nats":
	default:
		errs = append(errs, fmt.Errorf("swarm.transport must be local or nats, got %q", c.Swarm.Transport))
	}
	if len(c.Swarm.Shape) == 0 {
		errs = append(errs, errors.New("swarm.shape must have at least one dimension"))
	}
	for i, d := range c.Swarm.Shape {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("swarm.shape[%d] must be positive, got %d", i, d))
		}
	}
	if c.Swarm.Timeout <= 0 {
		errs = append(errs, errors.New("swarm.timeout must be positive"))
	}
	if c.Swarm.MaxCycles < 0 {
		errs = append(errs, errors.New("swarm.max_cycles must not be negative"))
	}

	total := 0.0
	var present []string
	for role, w := range c.Swarm.RoleWeights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("swarm.role_weights.%s must not be negative", role))
		}
		if w > 0 {
			present = append(present, role)
		}
		total += w
	}
	if total <= 0 {
		errs = append(errs, errors.New("swarm.role_weights must sum to a positive value"))
	}

	perms, err := c.Permissions()
	if err != nil {
		errs = append(errs, err)
		return errors.Join(errs...)
	}

	if c.Swarm.Mode == "queue" {
		required := []queue.TaskType{queue.TypeBreakdown, queue.TypeReport}
		if c.Swarm.TerminalTaskType != "" {
			t, err := queue.ParseTaskType(c.Swarm.TerminalTaskType)
			if err != nil {
				errs = append(errs, fmt.Errorf("swarm.terminal_task_type: %w", err))
			} else {
				required = append(required, t)
			}
		}
		for role, types := range perms {
			if c.Swarm.RoleWeights[role] > 0 {
				required = append(required, types...)
			}
		}
		for _, s := range c.Schedules {
			t, err := queue.ParseTaskType(s.Type)
			if err != nil {
				errs = append(errs, fmt.Errorf("schedule %s: %w", s.Name, err))
				continue
			}
			required = append(required, t)
		}
		if err := perms.Validate(present, required); err != nil {
			errs = append(errs, err)
		}
		if len(c.Task.Goals) == 0 && c.Task.GlobalGoal == "" {
			errs = append(errs, errors.New("task.goals or task.global_goal is required"))
		}
		if !inRange(c.Swarm.GoalPriority) || !inRange(c.Swarm.ReportPriority) {
			errs = append(errs, errors.New("swarm.goal_priority and swarm.report_priority must be within 0..100"))
		}
	} else if c.Task.GlobalGoal == "" {
		errs = append(errs, errors.New("task.global_goal is required in topology mode"))
	}

	return errors.Join(errs...)
}

func inRange(p int) bool {
	return p >= queue.MinPriority && p <= queue.MaxPriority
}

// Goals returns the goals to seed; the global goal stands in when no list
// is configured.
func (c *Config) Goals() []string {
	if len(c.Task.Goals) > 0 {
		return c.Task.Goals
	}
	if c.Task.GlobalGoal != "" {
		return []string{c.Task.GlobalGoal}
	}
	return nil
}
