package cfg

import "time"

type Cfg struct {
	// Storage
	DBPath      string
	FeedsDir    string
	OutputDir   string
	CacheDriver string
	RedisAddr   string

	// Feed generation
	CacheTTL        time.Duration
	UpstreamTimeout time.Duration
	Schedule        string
	WorkerCount     int
	Currency        string

	// Change events
	NatsURL     string
	NatsSubject string

	// HTTP
	Port         string
	BaseUrl      string
	APIAccessKey string
	RateLimit    float64

	// Application metadata
	LogFormat string
	LogFile   string
	Timezone  string
	Debug     bool
	Version   string
}

// SelfURL returns the public URL for a path served by this process.
func (c *Cfg) SelfURL(path string) string {
	if c.BaseUrl != "" {
		return c.BaseUrl + path
	}
	return "http://localhost:" + c.Port + path
}
