package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"shopassist/models"
	"shopassist/utils"
)

// Analyzer is implemented by *QueryAnalyzer.
type Analyzer interface {
	Analyze(ctx context.Context, query string, qctx map[string]interface{}, language string) (*QueryAnalysis, error)
	GenerateClarification(ctx context.Context, analysis *QueryAnalysis) (string, error)
}

// ProductFinder is implemented by *ProductSearch.
type ProductFinder interface {
	Search(ctx context.Context, query string, filters map[string]string) ([]models.Product, error)
}

type Recommender struct {
	analyzer   Analyzer
	products   ProductFinder
	limit      int
	logger     *slog.Logger
	newSession func() string
}

func NewRecommender(analyzer Analyzer, products ProductFinder, limit int, logger *slog.Logger) *Recommender {
	if limit <= 0 {
		limit = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recommender{
		analyzer:   analyzer,
		products:   products,
		limit:      limit,
		logger:     logger.With("component", "recommend"),
		newSession: utils.GenerateSessionID,
	}
}

// Recommend answers a query with either a clarification question and no
// products, or the best matching products.
func (r *Recommender) Recommend(ctx context.Context, req models.RecommendationRequest) (*models.RecommendationResponse, error) {
	query := strings.TrimSpace(req.Query)
	analysis, err := r.analyzer.Analyze(ctx, query, req.Context, req.Language)
	if err != nil {
		return nil, err
	}
	sessionID := r.newSession()

	if analysis.NeedsClarification {
		question, err := r.analyzer.GenerateClarification(ctx, analysis)
		if err != nil {
			return nil, err
		}
		r.logger.Info("clarification requested", "session_id", sessionID, "query_type", analysis.QueryType)
		return &models.RecommendationResponse{
			Clarification: &question,
			Products:      []models.Product{},
			SessionID:     sessionID,
			QueryType:     analysis.QueryType,
		}, nil
	}

	products, err := r.search(ctx, query, analysis, "")
	if err != nil {
		return nil, err
	}
	return &models.RecommendationResponse{
		Products:  products,
		SessionID: sessionID,
		QueryType: analysis.QueryType,
	}, nil
}

// Clarify handles the follow-up to a clarification. It never asks again.
func (r *Recommender) Clarify(ctx context.Context, req models.RecommendationRequest, sessionID string) (*models.RecommendationResponse, error) {
	query := strings.TrimSpace(req.Query)
	analysis, err := r.analyzer.Analyze(ctx, query, req.Context, req.Language)
	if err != nil {
		return nil, err
	}
	products, err := r.search(ctx, query, analysis, sessionID)
	if err != nil {
		return nil, err
	}
	return &models.RecommendationResponse{
		Products:  products,
		SessionID: sessionID,
		QueryType: analysis.QueryType,
	}, nil
}

func (r *Recommender) search(ctx context.Context, query string, analysis *QueryAnalysis, sessionID string) ([]models.Product, error) {
	filters := map[string]string{
		"language":   analysis.Language,
		"query_type": string(analysis.QueryType),
	}
	if sessionID != "" {
		filters["session_id"] = sessionID
	}
	products, err := r.products.Search(ctx, query, filters)
	if err != nil {
		return nil, fmt.Errorf("search products: %w", err)
	}
	if len(products) > r.limit {
		products = products[:r.limit]
	}
	return products, nil
}
