package config

import (
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	c, err := Parse()
	if err != nil {
		t.Fatal(err)
	}
	if c.Scheduler.MaxConcurrent != 4 || c.Scheduler.DefaultMaxAttempts != 3 {
		t.Fatalf("scheduler = %+v", c.Scheduler)
	}
	if c.Crawl.InboundParallelism != 1 || c.Crawl.MaxPages != 50 {
		t.Fatalf("crawl = %+v", c.Crawl)
	}
	if c.Redis.DelayKey != "farecrawl:delay" {
		t.Fatalf("redis = %+v", c.Redis)
	}
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("SCHED_MAX_CONCURRENT_TASKS", "7")
	t.Setenv("CRAWL_PAGE_DELAY_MIN", "10ms")
	t.Setenv("CRAWL_PAGE_DELAY_MAX", "20ms")
	t.Setenv("RETRY_BASE", "2s")
	t.Setenv("FETCH_AUTH_TOKEN", "secret")

	c, err := Parse()
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Scheduler.Config().MaxConcurrent; got != 7 {
		t.Errorf("max concurrent = %d", got)
	}
	cc := c.Crawl.Config()
	if cc.PageDelayMin != 10*time.Millisecond || cc.PageDelayMax != 20*time.Millisecond {
		t.Errorf("page delay = %v..%v", cc.PageDelayMin, cc.PageDelayMax)
	}
	if got := c.Scheduler.Backoff().Next(1); got != 2*time.Second {
		t.Errorf("first backoff = %v", got)
	}
	if c.Fetch.Config().AuthToken != "secret" {
		t.Error("auth token not read")
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := map[string]map[string]string{
		"zero workers":      {"SCHED_MAX_CONCURRENT_TASKS": "0"},
		"inverted delays":   {"CRAWL_PAGE_DELAY_MIN": "5s", "CRAWL_PAGE_DELAY_MAX": "1s"},
		"bad duration":      {"FETCH_TIMEOUT": "soon"},
		"minio scheme":      {"MINIO_ENDPOINT": "http://localhost:9000", "MINIO_ACCESS_KEY": "a", "MINIO_SECRET_KEY": "b"},
		"shrinking backoff": {"RETRY_MULTIPLIER": "0.5"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			if _, err := Parse(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
