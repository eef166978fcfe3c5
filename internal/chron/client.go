package chron

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/beiju/chron-ingestd/pkg/fn"
	"github.com/beiju/chron-ingestd/pkg/resilience"
)

// Client is the upstream Chron client. It is safe for concurrent use.
type Client struct {
	httpClient   *http.Client
	pageSize     int
	maxRetries   int
	freeBaseURL  string
	cheapBaseURL string
	breaker      *resilience.Breaker
	limiter      *resilience.Limiter
	retryOpts    fn.RetryOpts
	log          *slog.Logger
	metrics      *Metrics
}

// Options configures a Client.
type Options struct {
	// PageSize is the upstream page size requested via the count param.
	PageSize int
	// MaxRetries bounds the per-page retry loop (including the first
	// attempt).
	MaxRetries int
	// FreeBaseURL and CheapBaseURL are the two hosting tiers' base URLs,
	// without the trailing /versions or /entities segment.
	FreeBaseURL  string
	CheapBaseURL string
	HTTPClient   *http.Client
	Breaker      *resilience.Breaker
	Limiter      *resilience.Limiter
	Logger       *slog.Logger
	Metrics      *Metrics
}

// New builds a Client from opts, filling in sensible defaults for any
// zero-valued field.
func New(opts Options) *Client {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewBreaker(resilience.DefaultBreakerOpts)
	}
	if opts.Limiter == nil {
		opts.Limiter = resilience.NewLimiter(resilience.LimiterOpts{Rate: 20, Burst: 20})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}

	return &Client{
		httpClient:   opts.HTTPClient,
		pageSize:     opts.PageSize,
		maxRetries:   opts.MaxRetries,
		freeBaseURL:  opts.FreeBaseURL,
		cheapBaseURL: opts.CheapBaseURL,
		breaker:      opts.Breaker,
		limiter:      opts.Limiter,
		retryOpts: fn.RetryOpts{
			MaxAttempts: opts.MaxRetries,
			InitialWait: 200 * time.Millisecond,
			MaxWait:     5 * time.Second,
			Jitter:      true,
		},
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
}
