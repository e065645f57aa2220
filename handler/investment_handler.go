package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/usdt_vault/model"
	"github.com/usdt_vault/service"
)

type InvestmentService interface {
	CreatePlan(ctx context.Context, accountID uint64, in service.PlanInput) (*model.InvestmentPlan, error)
	ListPlans(ctx context.Context, accountID uint64) (*service.PlanSummary, error)
	SetAutoInvest(ctx context.Context, accountID, planID uint64, enabled bool) (*model.InvestmentPlan, error)
	UpdateAmount(ctx context.Context, accountID, planID uint64, amount decimal.Decimal) (*model.InvestmentPlan, error)
	DeletePlan(ctx context.Context, accountID, planID uint64) error
}

type InvestmentHandler struct {
	svc InvestmentService
}

func NewInvestmentHandler(svc InvestmentService) *InvestmentHandler {
	return &InvestmentHandler{svc: svc}
}

type createPlanBody struct {
	Name       string          `json:"name"`
	Amount     decimal.Decimal `json:"amount"`
	Frequency  model.Frequency `json:"frequency"`
	FirstRun   time.Time       `json:"first_contribution"`
	AutoInvest bool            `json:"auto_invest"`
}

type updatePlanBody struct {
	Amount     *decimal.Decimal `json:"amount"`
	AutoInvest *bool            `json:"auto_invest"`
}

// GET /api/investments/plans
func (h *InvestmentHandler) ListPlans(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	sum, err := h.svc.ListPlans(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, err)
		return
	}
	if sum.Plans == nil {
		sum.Plans = []*model.InvestmentPlan{}
	}
	c.JSON(http.StatusOK, sum)
}

// POST /api/investments/plans
func (h *InvestmentHandler) CreatePlan(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	var body createPlanBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON", "code": "invalid_request"})
		return
	}
	plan, err := h.svc.CreatePlan(c.Request.Context(), accountID, service.PlanInput{
		Name:       body.Name,
		Amount:     body.Amount,
		Frequency:  body.Frequency,
		FirstRun:   body.FirstRun,
		AutoInvest: body.AutoInvest,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}

// PATCH /api/investments/plans/:id
// 支持修改金额、暂停/恢复自动定投，两者可同时提交
func (h *InvestmentHandler) UpdatePlan(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	planID, ok := idParam(c, "plan")
	if !ok {
		return
	}
	var body updatePlanBody
	if err := c.ShouldBindJSON(&body); err != nil || (body.Amount == nil && body.AutoInvest == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount or auto_invest required", "code": "invalid_request"})
		return
	}
	var (
		plan *model.InvestmentPlan
		err  error
	)
	ctx := c.Request.Context()
	if body.Amount != nil {
		if plan, err = h.svc.UpdateAmount(ctx, accountID, planID, *body.Amount); err != nil {
			respondError(c, err)
			return
		}
	}
	if body.AutoInvest != nil {
		if plan, err = h.svc.SetAutoInvest(ctx, accountID, planID, *body.AutoInvest); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, plan)
}

// DELETE /api/investments/plans/:id
func (h *InvestmentHandler) DeletePlan(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	planID, ok := idParam(c, "plan")
	if !ok {
		return
	}
	if err := h.svc.DeletePlan(c.Request.Context(), accountID, planID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
