// Package harvester fetches a node's self-description and extracts the
// metadata describing the node itself.
package harvester

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	infrahttp "github.com/jonesrussell/north-cloud/node-index/infrastructure/http"
	"github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
)

const (
	// ReasonCannotParse is recorded when the body is not usable RDF.
	ReasonCannotParse = "Cannot parse metadata"
	// ReasonNotFound is recorded when no triple describes the client URL.
	ReasonNotFound = "Repository not found in metadata"

	acceptHeader = "text/turtle, application/n-triples;q=0.9, application/rdf+xml;q=0.8, text/html;q=0.5"

	defaultMaxBodyBytes = 5 << 20
	defaultMaxRedirects = 5
)

// Fetcher retrieves and interprets the self-description published at clientURL.
type Fetcher interface {
	Harvest(ctx context.Context, clientURL string) (*Result, error)
}

// Result carries the recorded exchange and, on success, the metadata snapshot.
// Exchange is always set, also when Harvest returns an error.
type Result struct {
	Exchange *domain.Exchange
	Metadata domain.Metadata
}

// Config tunes outbound harvesting.
type Config struct {
	Timeout time.Duration
	// RequestsPerSecond throttles all harvests together. Zero disables it.
	RequestsPerSecond float64
	Burst             int
	MaxBodyBytes      int64
	UserAgent         string
}

// Harvester is the HTTP implementation of Fetcher.
type Harvester struct {
	client  *http.Client
	limiter *rate.Limiter
	cfg     Config
	log     logger.Logger
}

// New creates a harvester. A nil client gets a dedicated one.
func New(cfg Config, client *http.Client, log logger.Logger) *Harvester {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = infrahttp.DefaultUserAgent
	}
	if client == nil {
		client = infrahttp.NewClient(&infrahttp.ClientConfig{
			Timeout:      cfg.Timeout,
			MaxRedirects: defaultMaxRedirects,
		})
	}

	h := &Harvester{client: client, cfg: cfg, log: log}
	if cfg.RequestsPerSecond > 0 {
		burst := max(cfg.Burst, 1)
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return h
}

// Harvest fetches clientURL. Errors are *domain.TransportError when the node
// could not be reached or did not answer 2xx, and *domain.ParseError when the
// body could not be used.
func (h *Harvester) Harvest(ctx context.Context, clientURL string) (*Result, error) {
	exchange := domain.NewOutgoingExchange(http.MethodGet, clientURL)
	result := &Result{Exchange: exchange}

	if h.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			exchange.Fail(0, "throttled: "+err.Error())
			return result, &domain.TransportError{URL: clientURL, Err: err}
		}
	}

	body, contentType, err := h.fetch(ctx, exchange, clientURL)
	if err != nil {
		return result, err
	}

	triples, err := parseDocument(contentType, body)
	if err != nil {
		h.log.Debug("Self-description not parseable",
			logger.String("client_url", clientURL),
			logger.String("content_type", contentType),
			logger.Error(err),
		)
		return result, &domain.ParseError{Reason: ReasonCannotParse, Err: err}
	}

	metadata := extractMetadata(triples, clientURL)
	if len(metadata) == 0 {
		return result, &domain.ParseError{Reason: ReasonNotFound}
	}

	result.Metadata = metadata
	return result, nil
}

func (h *Harvester) fetch(ctx context.Context, exchange *domain.Exchange, clientURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, clientURL, http.NoBody)
	if err != nil {
		exchange.Fail(0, err.Error())
		return nil, "", &domain.TransportError{URL: clientURL, Err: err}
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", h.cfg.UserAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		exchange.Fail(0, err.Error())
		return nil, "", &domain.TransportError{URL: clientURL, Err: err}
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	exchange.Response.ContentType = contentType

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodyBytes+1))
	if err != nil {
		exchange.Fail(resp.StatusCode, "read body: "+err.Error())
		return nil, "", &domain.TransportError{URL: clientURL, StatusCode: resp.StatusCode, Err: err}
	}
	exchange.Response.Body = domain.TruncateBody(body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		exchange.Fail(resp.StatusCode, fmt.Sprintf("unexpected status %d", resp.StatusCode))
		return nil, "", &domain.TransportError{URL: clientURL, StatusCode: resp.StatusCode}
	}

	exchange.Succeed(resp.StatusCode)
	if int64(len(body)) > h.cfg.MaxBodyBytes {
		return nil, "", &domain.ParseError{
			Reason: ReasonCannotParse,
			Err:    fmt.Errorf("body exceeds %d bytes", h.cfg.MaxBodyBytes),
		}
	}
	return body, contentType, nil
}

// IsTimeout reports whether err came from a deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
