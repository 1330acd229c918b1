package controllers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"shopassist/middleware"
	"shopassist/models"
	"shopassist/utils"
)

// RecommendationEngine is implemented by *services.Recommender.
type RecommendationEngine interface {
	Recommend(ctx context.Context, req models.RecommendationRequest) (*models.RecommendationResponse, error)
	Clarify(ctx context.Context, req models.RecommendationRequest, sessionID string) (*models.RecommendationResponse, error)
}

type RecommendController struct {
	Engine RecommendationEngine
	Logger *slog.Logger
}

func NewRecommendController(engine RecommendationEngine, logger *slog.Logger) *RecommendController {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecommendController{Engine: engine, Logger: logger}
}

// POST /api/v1/recommend
func (c *RecommendController) Recommend(w http.ResponseWriter, r *http.Request) {
	var req models.RecommendationRequest
	if err := middleware.ValidateJSON(w, r, &req); err != nil {
		return
	}
	resp, err := c.Engine.Recommend(r.Context(), req)
	c.respond(w, r, resp, err)
}

// POST /api/v1/recommend/clarify?session_id=
func (c *RecommendController) Clarify(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		utils.WriteJSON(w, http.StatusBadRequest, utils.APIResponse{Success: false, Message: "session_id is required"})
		return
	}
	var req models.RecommendationRequest
	if err := middleware.ValidateJSON(w, r, &req); err != nil {
		return
	}
	resp, err := c.Engine.Clarify(r.Context(), req, sessionID)
	c.respond(w, r, resp, err)
}

func (c *RecommendController) respond(w http.ResponseWriter, r *http.Request, resp *models.RecommendationResponse, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		c.Logger.Error("recommendation failed",
			"request_id", utils.RequestIDFromContext(r.Context()),
			"error", err,
		)
		utils.WriteJSON(w, status, utils.APIResponse{Success: false, Message: "Error processing request"})
		return
	}
	msg := "Successfully"
	if resp.Clarification != nil {
		msg = "Clarification needed"
	}
	utils.WriteJSON(w, http.StatusOK, utils.APIResponse{Success: true, Message: msg, Data: resp})
}
