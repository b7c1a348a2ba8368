package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"

	"github.com/SirClappington/farecrawl/internal/crawl"
	"github.com/SirClappington/farecrawl/internal/fetch"
	"github.com/SirClappington/farecrawl/internal/scheduler"
	"github.com/SirClappington/farecrawl/internal/storage"
)

type Config struct {
	AppEnv       string        `env:"APP_ENV" envDefault:"prod"`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr      string        `env:"API_ADDR" envDefault:":8080"`
	TaskFile     string        `env:"TASK_FILE" envDefault:"tasks.yaml"`
	BatchTimeout time.Duration `env:"BATCH_TIMEOUT" envDefault:"2h"`

	Scheduler Scheduler
	Crawl     Crawl
	Fetch     Fetch
	Storage   Storage
	Redis     Redis
}

type Scheduler struct {
	MaxConcurrent      int           `env:"SCHED_MAX_CONCURRENT_TASKS" envDefault:"4"`
	DefaultMaxAttempts int           `env:"SCHED_DEFAULT_MAX_ATTEMPTS" envDefault:"3"`
	PollInterval       time.Duration `env:"SCHED_POLL_INTERVAL" envDefault:"250ms"`
	RetryBase          time.Duration `env:"RETRY_BASE" envDefault:"5s"`
	RetryMultiplier    float64       `env:"RETRY_MULTIPLIER" envDefault:"2"`
	RetryMax           time.Duration `env:"RETRY_MAX" envDefault:"5m"`
}

type Crawl struct {
	BaseURL              string        `env:"CRAWL_BASE_URL" envDefault:"https://www.travel4u.com.tw"`
	MaxPages             int           `env:"CRAWL_MAX_PAGES" envDefault:"50"`
	PageDelayMin         time.Duration `env:"CRAWL_PAGE_DELAY_MIN" envDefault:"1s"`
	PageDelayMax         time.Duration `env:"CRAWL_PAGE_DELAY_MAX" envDefault:"3s"`
	PhaseDelayMin        time.Duration `env:"CRAWL_PHASE_DELAY_MIN" envDefault:"2s"`
	PhaseDelayMax        time.Duration `env:"CRAWL_PHASE_DELAY_MAX" envDefault:"4s"`
	InboundParallelism   int           `env:"CRAWL_INBOUND_PARALLELISM" envDefault:"1"`
	ParseErrorsRetryable bool          `env:"CRAWL_PARSE_ERRORS_RETRYABLE" envDefault:"false"`
}

type Fetch struct {
	Timeout   time.Duration `env:"FETCH_TIMEOUT" envDefault:"30s"`
	UserAgent string        `env:"FETCH_USER_AGENT" envDefault:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"`
	Origin    string        `env:"FETCH_ORIGIN" envDefault:"https://www.travel4u.com.tw"`
	Referer   string        `env:"FETCH_REFERER" envDefault:"https://www.travel4u.com.tw/"`
	AuthToken string        `env:"FETCH_AUTH_TOKEN"`
}

type Storage struct {
	PostgresDSN    string `env:"POSTGRES_DSN"`
	MigrationsDir  string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioRegion    string `env:"MINIO_REGION" envDefault:"us-east-1"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`
	MinioBucket    string `env:"MINIO_BUCKET" envDefault:"farecrawl"`
}

type Redis struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	// DelayKey prefixes the retry queues. Each scheduler claims from its own
	// key under it.
	DelayKey string `env:"REDIS_DELAY_KEY" envDefault:"farecrawl:delay"`
	FeedKey  string `env:"REDIS_FEED_KEY" envDefault:"farecrawl:tasks"`
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

// Parse reads the environment and validates the result.
func Parse() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch {
	case c.Scheduler.MaxConcurrent < 1:
		return errors.New("SCHED_MAX_CONCURRENT_TASKS must be at least 1")
	case c.Scheduler.DefaultMaxAttempts < 1:
		return errors.New("SCHED_DEFAULT_MAX_ATTEMPTS must be at least 1")
	case c.Scheduler.RetryMultiplier < 1:
		return errors.New("RETRY_MULTIPLIER must be at least 1")
	case c.Scheduler.RetryMax > 0 && c.Scheduler.RetryMax < c.Scheduler.RetryBase:
		return errors.New("RETRY_MAX is below RETRY_BASE")
	case c.Crawl.MaxPages < 1:
		return errors.New("CRAWL_MAX_PAGES must be at least 1")
	case c.Crawl.PageDelayMax < c.Crawl.PageDelayMin:
		return errors.New("CRAWL_PAGE_DELAY_MAX is below CRAWL_PAGE_DELAY_MIN")
	case c.Crawl.PhaseDelayMax < c.Crawl.PhaseDelayMin:
		return errors.New("CRAWL_PHASE_DELAY_MAX is below CRAWL_PHASE_DELAY_MIN")
	case c.Crawl.InboundParallelism < 1:
		return errors.New("CRAWL_INBOUND_PARALLELISM must be at least 1")
	case c.BatchTimeout <= 0:
		return errors.New("BATCH_TIMEOUT must be positive")
	}
	if c.Storage.MinioEndpoint != "" {
		if err := c.Storage.Object().Validate(); err != nil {
			return errors.Wrap(err, "minio")
		}
	}
	return nil
}

func (s Scheduler) Config() scheduler.Config {
	return scheduler.Config{
		MaxConcurrent:      s.MaxConcurrent,
		DefaultMaxAttempts: s.DefaultMaxAttempts,
		PollInterval:       s.PollInterval,
	}
}

func (s Scheduler) Backoff() scheduler.Backoff {
	return scheduler.NewExponentialBackoff(s.RetryBase, s.RetryMultiplier, s.RetryMax)
}

func (c Crawl) Config() crawl.Config {
	return crawl.Config{
		BaseURL:              c.BaseURL,
		MaxPages:             c.MaxPages,
		PageDelayMin:         c.PageDelayMin,
		PageDelayMax:         c.PageDelayMax,
		PhaseDelayMin:        c.PhaseDelayMin,
		PhaseDelayMax:        c.PhaseDelayMax,
		InboundParallelism:   c.InboundParallelism,
		ParseErrorsRetryable: c.ParseErrorsRetryable,
	}
}

func (f Fetch) Config() fetch.Config {
	return fetch.Config{
		Timeout:   f.Timeout,
		UserAgent: f.UserAgent,
		Origin:    f.Origin,
		Referer:   f.Referer,
		AuthToken: f.AuthToken,
	}
}

func (s Storage) Object() storage.ObjectConfig {
	return storage.ObjectConfig{
		Endpoint:  s.MinioEndpoint,
		AccessKey: s.MinioAccessKey,
		SecretKey: s.MinioSecretKey,
		Region:    s.MinioRegion,
		UseSSL:    s.MinioUseSSL,
		Bucket:    s.MinioBucket,
	}
}
