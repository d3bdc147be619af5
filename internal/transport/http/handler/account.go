package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/audiencekit/segment-engine/internal/domain"
	"github.com/audiencekit/segment-engine/internal/usecase"
	"github.com/gin-gonic/gin"
)

type AccountHandler struct {
	uc     *usecase.AccountUsecase
	logger *slog.Logger
}

func NewAccountHandler(uc *usecase.AccountUsecase, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{uc: uc, logger: logger.With("component", "account_handler")}
}

type registerAccountRequest struct {
	AccountRef  string `json:"account_ref"  binding:"required,max=256"`
	APIToken    string `json:"api_token"    binding:"required"`
	NotifyEmail string `json:"notify_email" binding:"omitempty,email"`
}

type accountResponse struct {
	ID          string    `json:"id"`
	AccountRef  string    `json:"account_ref"`
	NotifyEmail string    `json:"notify_email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *AccountHandler) Register(ctx *gin.Context) {
	var req registerAccountRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account, err := h.uc.RegisterAccount(ctx.Request.Context(), usecase.RegisterAccountInput{
		OwnerID:     ctx.GetString("ownerID"),
		AccountRef:  req.AccountRef,
		APIToken:    req.APIToken,
		NotifyEmail: req.NotifyEmail,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnauthorized):
			ctx.JSON(http.StatusUnprocessableEntity, gin.H{"error": errBadCredential})
		case errors.Is(err, domain.ErrDuplicateAccount):
			ctx.JSON(http.StatusConflict, gin.H{"error": errDuplicateAccount})
		default:
			h.logger.Error("register account", "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusCreated, accountResponse{
		ID:          account.ID,
		AccountRef:  account.AccountRef,
		NotifyEmail: account.NotifyEmail,
		CreatedAt:   account.CreatedAt,
	})
}

func (h *AccountHandler) List(ctx *gin.Context) {
	accounts, err := h.uc.ListAccounts(ctx.Request.Context(), ctx.GetString("ownerID"))
	if err != nil {
		h.logger.Error("list accounts", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	resp := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, accountResponse{
			ID:          a.ID,
			AccountRef:  a.AccountRef,
			NotifyEmail: a.NotifyEmail,
			CreatedAt:   a.CreatedAt,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"accounts": resp})
}
