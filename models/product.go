package models

import "github.com/shopspring/decimal"

type QueryType string

const (
	QueryComparative  QueryType = "comparative"
	QueryFeatureBased QueryType = "feature_based"
	QuerySubjective   QueryType = "subjective"
)

type ProductSpec struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Price struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// Product is a storefront listing scored against the user's query.
type Product struct {
	Name            string        `json:"name"`
	Description     string        `json:"description"`
	Specs           []ProductSpec `json:"specs"`
	ImageURL        string        `json:"image_url"`
	Price           Price         `json:"price"`
	VendorURL       string        `json:"vendor_url"`
	Source          string        `json:"source"`
	ConfidenceScore float64       `json:"confidence_score"`
}

const (
	MaxProductNameLen        = 120
	MaxProductDescriptionLen = 250
)

type RecommendationRequest struct {
	Query    string                 `json:"query" validate:"required"`
	Context  map[string]interface{} `json:"context,omitempty"`
	Language string                 `json:"language,omitempty"`
}

type RecommendationResponse struct {
	Clarification *string   `json:"clarification"`
	Products      []Product `json:"products"`
	SessionID     string    `json:"session_id"`
	QueryType     QueryType `json:"query_type"`
}
