package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/usdt_vault/model"
)

type SavingsService interface {
	CreateGoal(ctx context.Context, accountID uint64, title string, target decimal.Decimal, deadline time.Time) (*model.SavingsGoal, error)
	ListGoals(ctx context.Context, accountID uint64) ([]*model.SavingsGoal, error)
	Deposit(ctx context.Context, accountID, goalID uint64, amount decimal.Decimal) (*model.SavingsGoal, error)
	Withdraw(ctx context.Context, accountID, goalID uint64, amount decimal.Decimal) (*model.SavingsGoal, error)
	SetAutoSave(ctx context.Context, accountID, goalID uint64, as model.AutoSave) (*model.SavingsGoal, error)
	DeleteGoal(ctx context.Context, accountID, goalID uint64) error
}

type SavingsHandler struct {
	svc SavingsService
}

func NewSavingsHandler(svc SavingsService) *SavingsHandler {
	return &SavingsHandler{svc: svc}
}

type goalView struct {
	*model.SavingsGoal
	Progress decimal.Decimal `json:"progress"`
}

func viewOf(g *model.SavingsGoal) goalView {
	return goalView{SavingsGoal: g, Progress: g.Progress()}
}

type autoSaveBody struct {
	Enabled   bool            `json:"enabled"`
	Amount    decimal.Decimal `json:"amount"`
	Frequency model.Frequency `json:"frequency"`
}

func (b autoSaveBody) setting() model.AutoSave {
	return model.AutoSave{Enabled: b.Enabled, Amount: b.Amount, Frequency: b.Frequency}
}

type createGoalBody struct {
	Title    string          `json:"title"`
	Target   decimal.Decimal `json:"target"`
	Deadline time.Time       `json:"deadline"`
	AutoSave *autoSaveBody   `json:"auto_save"`
}

type amountBody struct {
	Amount decimal.Decimal `json:"amount"`
}

// GET /api/savings/goals
func (h *SavingsHandler) ListGoals(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	goals, err := h.svc.ListGoals(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]goalView, 0, len(goals))
	for _, g := range goals {
		views = append(views, viewOf(g))
	}
	c.JSON(http.StatusOK, gin.H{"goals": views})
}

// POST /api/savings/goals
func (h *SavingsHandler) CreateGoal(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	var body createGoalBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON", "code": "invalid_request"})
		return
	}
	goal, err := h.svc.CreateGoal(c.Request.Context(), accountID, body.Title, body.Target, body.Deadline)
	if err != nil {
		respondError(c, err)
		return
	}
	if body.AutoSave != nil && body.AutoSave.Enabled {
		withAutoSave, err := h.svc.SetAutoSave(c.Request.Context(), accountID, goal.ID, body.AutoSave.setting())
		if err != nil {
			// the goal exists; report it together with the rejected setting
			status, code := classify(err)
			if status == http.StatusInternalServerError {
				respondError(c, err)
				return
			}
			c.JSON(status, gin.H{"error": err.Error(), "code": code, "goal": viewOf(goal)})
			return
		}
		goal = withAutoSave
	}
	c.JSON(http.StatusCreated, viewOf(goal))
}

// PUT /api/savings/goals/:id/auto-save
func (h *SavingsHandler) SetAutoSave(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	goalID, ok := idParam(c, "goal")
	if !ok {
		return
	}
	var body autoSaveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON", "code": "invalid_request"})
		return
	}
	goal, err := h.svc.SetAutoSave(c.Request.Context(), accountID, goalID, body.setting())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(goal))
}

// POST /api/savings/goals/:id/deposit
func (h *SavingsHandler) Deposit(c *gin.Context) {
	h.move(c, h.svc.Deposit)
}

// POST /api/savings/goals/:id/withdraw
func (h *SavingsHandler) Withdraw(c *gin.Context) {
	h.move(c, h.svc.Withdraw)
}

func (h *SavingsHandler) move(c *gin.Context, op func(context.Context, uint64, uint64, decimal.Decimal) (*model.SavingsGoal, error)) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	goalID, ok := idParam(c, "goal")
	if !ok {
		return
	}
	var body amountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON", "code": "invalid_request"})
		return
	}
	goal, err := op(c.Request.Context(), accountID, goalID, body.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(goal))
}

// DELETE /api/savings/goals/:id
func (h *SavingsHandler) DeleteGoal(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	goalID, ok := idParam(c, "goal")
	if !ok {
		return
	}
	if err := h.svc.DeleteGoal(c.Request.Context(), accountID, goalID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func idParam(c *gin.Context, what string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + what + " id", "code": "invalid_request"})
		return 0, false
	}
	return id, true
}
