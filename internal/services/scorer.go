package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"ticket-queue/internal/status"
	"ticket-queue/utils"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"
)

// Scorer computes the priority of a client for a resource. Higher is better.
type Scorer interface {
	Score(ctx context.Context, clientID, resourceID string) (float64, error)
}

type ScorerFunc func(ctx context.Context, clientID, resourceID string) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, clientID, resourceID string) (float64, error) {
	return f(ctx, clientID, resourceID)
}

const scoresCollection = "scores"

type recordFinder interface {
	FindRecordsByFilter(collectionModelOrIdentifier any, filter string, sort string, limit int, offset int, params ...dbx.Params) ([]*core.Record, error)
}

// RecordScorer sums the client's records in the scores collection.
type RecordScorer struct {
	app recordFinder
}

func NewRecordScorer(app core.App) *RecordScorer {
	return &RecordScorer{app: app}
}

func (s *RecordScorer) Score(ctx context.Context, clientID, resourceID string) (float64, error) {
	records, err := s.app.FindRecordsByFilter(
		scoresCollection,
		"client_id = {:clientId}",
		"",
		0,
		0,
		dbx.Params{"clientId": clientID},
	)
	if err != nil {
		return 0, fmt.Errorf("scorer: load scores for %s: %w", clientID, err)
	}

	total := decimal.Zero
	for _, record := range records {
		total = total.Add(decimal.NewFromFloat(record.GetFloat("value")))
	}
	score, _ := total.Float64()
	return score, nil
}

type scoreRequest struct {
	ClientID   string `json:"client_id"`
	ResourceID string `json:"resource_id"`
}

type scoreResponse struct {
	Score decimal.Decimal `json:"score"`
}

// HTTPScorer asks a remote scoring service. Calls go through a circuit
// breaker so an unhealthy service fails fast.
type HTTPScorer struct {
	url     string
	client  *http.Client
	breaker *utils.CircuitBreaker
}

func NewHTTPScorer(url string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: utils.NewCircuitBreaker("scorer"),
	}
}

func (s *HTTPScorer) Score(ctx context.Context, clientID, resourceID string) (float64, error) {
	result, err := s.breaker.Execute(ctx, func() (any, error) {
		return s.fetch(ctx, clientID, resourceID)
	})
	if err != nil {
		return 0, err
	}
	return result.(float64), nil
}

func (s *HTTPScorer) fetch(ctx context.Context, clientID, resourceID string) (float64, error) {
	body, err := json.Marshal(scoreRequest{ClientID: clientID, ResourceID: resourceID})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("scorer: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("scorer: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("scorer: decode response: %w", err)
	}
	score, _ := out.Score.Float64()
	return score, nil
}

// wrapScoringError marks any collaborator failure as ErrScoringUnavailable
// while keeping the cause.
func wrapScoringError(err error) error {
	return fmt.Errorf("%w: %w", status.ErrScoringUnavailable, err)
}
