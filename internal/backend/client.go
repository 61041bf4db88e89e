package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bookingcoord/internal/config"
	"bookingcoord/internal/logging"
	"bookingcoord/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// HTTPError is a non-2xx answer from the backend.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: http %d", e.StatusCode)
	}
	return fmt.Sprintf("backend: http %d: %s", e.StatusCode, e.Body)
}

// Unwrap classifies the status: 408, 429 and 5xx are transient, other 4xx are not.
func (e *HTTPError) Unwrap() []error {
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode >= 500:
		return []error{models.ErrTransient}
	case e.StatusCode == http.StatusNotFound:
		return []error{models.ErrValidation, models.ErrNotFound}
	default:
		return []error{models.ErrValidation}
	}
}

// Client calls the slot, booking and assistant endpoints of the backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zerolog.Logger

	redis    *redis.Client
	cacheTTL time.Duration
}

func NewClient(cfg config.BackendConfig, logger *zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.Component(logger, "backend"),
	}
	if cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), burst)
	}
	return c
}

// UseRedisCache enables short-lived caching of slot lookups.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

type slotsResponse struct {
	Slots []string `json:"slots"`
}

type bookingResponse struct {
	Booking models.BookingRecord `json:"booking"`
}

type createBookingRequest struct {
	ServiceCategory string   `json:"serviceCategory"`
	Date            string   `json:"date"`
	TimeSlot        string   `json:"timeSlot"`
	Address         string   `json:"address"`
	Description     string   `json:"description"`
	Attachments     []string `json:"attachments,omitempty"`
}

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	Answer string `json:"answer"`
}

// GetAvailableSlots returns the free slots for a category on a date, in server order.
func (c *Client) GetAvailableSlots(ctx context.Context, category string, date time.Time) ([]string, error) {
	day := date.Format(models.DateLayout)
	endpoint := fmt.Sprintf("%s/api/v1/slots?category=%s&date=%s", c.baseURL, url.QueryEscape(category), url.QueryEscape(day))
	cacheKey := fmt.Sprintf("slots:%s:%s", category, day)

	var resp slotsResponse
	if c.readCache(ctx, cacheKey, &resp) {
		return resp.Slots, nil
	}
	if err := c.doGet(ctx, endpoint, c.token, &resp); err != nil {
		return nil, err
	}
	if resp.Slots == nil {
		resp.Slots = []string{}
	}
	c.writeCache(ctx, cacheKey, resp)
	return resp.Slots, nil
}

func (c *Client) CreateBooking(ctx context.Context, draft models.BookingDraft, token string) (models.BookingRecord, error) {
	body := createBookingRequest{
		ServiceCategory: draft.ServiceCategory,
		TimeSlot:        draft.TimeSlot,
		Address:         draft.Address,
		Description:     draft.Description,
		Attachments:     draft.Attachments,
	}
	if !draft.Date.IsZero() {
		body.Date = draft.Date.Format(models.DateLayout)
	}

	var resp bookingResponse
	if err := c.doPost(ctx, c.baseURL+"/api/v1/bookings", token, body, &resp); err != nil {
		return models.BookingRecord{}, err
	}
	return normalizeRecord(resp.Booking)
}

func (c *Client) GetBooking(ctx context.Context, id string, token string) (models.BookingRecord, error) {
	var resp bookingResponse
	endpoint := fmt.Sprintf("%s/api/v1/bookings/%s", c.baseURL, url.PathEscape(id))
	if err := c.doGet(ctx, endpoint, token, &resp); err != nil {
		return models.BookingRecord{}, err
	}
	return normalizeRecord(resp.Booking)
}

func (c *Client) CancelBooking(ctx context.Context, id string, token string) (models.BookingRecord, error) {
	var resp bookingResponse
	endpoint := fmt.Sprintf("%s/api/v1/bookings/%s/cancel", c.baseURL, url.PathEscape(id))
	if err := c.doPost(ctx, endpoint, token, struct{}{}, &resp); err != nil {
		return models.BookingRecord{}, err
	}
	return normalizeRecord(resp.Booking)
}

// Ask forwards a free-form question to the booking assistant.
func (c *Client) Ask(ctx context.Context, question string, token string) (string, error) {
	var resp askResponse
	if err := c.doPost(ctx, c.baseURL+"/api/v1/assistant", token, askRequest{Question: question}, &resp); err != nil {
		return "", err
	}
	return resp.Answer, nil
}

func normalizeRecord(rec models.BookingRecord) (models.BookingRecord, error) {
	if strings.TrimSpace(rec.ID) == "" {
		return models.BookingRecord{}, fmt.Errorf("%w: backend returned a booking without id", models.ErrValidation)
	}
	if rec.Status == "" {
		rec.Status = models.StatusPending
		return rec, nil
	}
	status, err := models.ParseStatus(string(rec.Status))
	if err != nil {
		return models.BookingRecord{}, err
	}
	rec.Status = status
	return rec, nil
}

func (c *Client) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	return json.Unmarshal([]byte(val), out) == nil
}

func (c *Client) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.cacheTTL).Err(); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("slot cache write failed")
	}
}

func (c *Client) doGet(ctx context.Context, endpoint, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	c.addHeaders(req, token)
	return c.do(req, out)
}

func (c *Client) doPost(ctx context.Context, endpoint, token string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req, token)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && req.Context().Err() != nil {
			return req.Context().Err()
		}
		return fmt.Errorf("%w: %s %s: %w", models.ErrTransient, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		herr := &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Str("request_id", req.Header.Get("X-Request-ID")).
			Msg("backend request failed")
		return herr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", models.ErrTransient, req.URL.Path, err)
	}
	return nil
}

func (c *Client) addHeaders(req *http.Request, token string) {
	if token == "" {
		token = c.token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
}
