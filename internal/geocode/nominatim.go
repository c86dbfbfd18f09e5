package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"flightetl/internal/metrics"
)

// NominatimConfig configures the reverse-geocoding client.
type NominatimConfig struct {
	// BaseURL is the service root, e.g. "https://nominatim.openstreetmap.org".
	BaseURL string
	// UserAgent is required by the public service's usage policy.
	UserAgent string
	// RequestsPerSecond caps the request rate. The public service allows 1.
	RequestsPerSecond float64
	// MaxRetries is the transport retry budget for 429/5xx and network errors.
	MaxRetries int
	// Timeout bounds one HTTP attempt.
	Timeout time.Duration
	// Zoom is the reverse lookup detail level; 10 is city level.
	Zoom int
	// Language is sent as accept-language when set.
	Language string
	// BreakerFailures is the number of consecutive failed lookups that opens
	// the breaker. Zero disables tripping.
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open.
	BreakerCooldown time.Duration
}

func (c NominatimConfig) withDefaults() NominatimConfig {
	if c.BaseURL == "" {
		c.BaseURL = "https://nominatim.openstreetmap.org"
	}
	if c.UserAgent == "" {
		c.UserAgent = "flightetl"
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Zoom <= 0 {
		c.Zoom = 10
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// Nominatim resolves coordinates through an OSM Nominatim /reverse endpoint.
//
// Lookups run sequentially under a rate limiter. Transport failures are
// retried by go-retryablehttp; repeated lookup failures open a breaker, after
// which remaining coordinates resolve to nil until the cooldown passes.
type Nominatim struct {
	cfg     NominatimConfig
	client  *retryablehttp.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func NewNominatim(cfg NominatimConfig, log *zap.Logger) *Nominatim {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = nil

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "nominatim",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("geocode breaker state change",
				zap.String("stage", "geocode"),
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Nominatim{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		breaker: breaker,
		log:     log,
	}
}

type reverseResponse struct {
	Error   string `json:"error"`
	Address struct {
		City         string `json:"city"`
		Town         string `json:"town"`
		Village      string `json:"village"`
		Municipality string `json:"municipality"`
	} `json:"address"`
}

func (r reverseResponse) label() *string {
	for _, s := range []string{r.Address.City, r.Address.Town, r.Address.Village, r.Address.Municipality} {
		if l := label(s); l != nil {
			return l
		}
	}
	return nil
}

func (n *Nominatim) Resolve(ctx context.Context, coords []Coordinate) ([]*string, error) {
	out := make([]*string, len(coords))
	failed := 0
	for i, c := range coords {
		if err := n.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		v, err := n.breaker.Execute(func() (interface{}, error) {
			return n.lookup(ctx, c)
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if failed == 0 || !errors.Is(err, gobreaker.ErrOpenState) {
				n.log.Debug("reverse lookup failed",
					zap.String("stage", "geocode"),
					zap.String("coordinate", c.String()),
					zap.Error(err))
			}
			failed++
			continue
		}
		out[i] = v.(*string)
	}
	if failed > 0 {
		n.log.Warn("reverse lookups unresolved",
			zap.String("stage", "geocode"),
			zap.Int("failed", failed),
			zap.Int("total", len(coords)))
	}
	return out, nil
}

func (n *Nominatim) reverseURL(c Coordinate) string {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(c.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(c.Lon, 'f', -1, 64))
	q.Set("zoom", strconv.Itoa(n.cfg.Zoom))
	q.Set("addressdetails", "1")
	if n.cfg.Language != "" {
		q.Set("accept-language", n.cfg.Language)
	}
	return n.cfg.BaseURL + "/reverse?" + q.Encode()
}

// lookup returns (nil, nil) when the service answers but has no label.
func (n *Nominatim) lookup(ctx context.Context, c Coordinate) (*string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, n.reverseURL(c), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", n.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := n.client.Do(req)
	if err != nil {
		metrics.RecordHTTP(0, err, time.Since(start))
		return nil, err
	}
	defer resp.Body.Close()
	metrics.RecordHTTP(resp.StatusCode, nil, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("geocode: reverse %s: status %d", c, resp.StatusCode)
	}

	var body reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("geocode: decode reverse %s: %w", c, err)
	}
	if body.Error != "" {
		return nil, nil
	}
	return body.label(), nil
}
