package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/wallet-scheduler/internal/model"
	"github.com/richardliu001/wallet-scheduler/internal/repo"
	"github.com/richardliu001/wallet-scheduler/internal/service"
	"go.uber.org/zap"
)

func RegisterHandlers(r *gin.Engine, svc *service.WalletService, log *zap.SugaredLogger) {
	v1 := r.Group("/v1")
	{
		v1.POST("/accounts", createAccountHandler(svc, log))
		v1.GET("/accounts/:uuid", getAccountHandler(svc, log))
		v1.POST("/accounts/:uuid/deposit", depositHandler(svc, log))
		v1.POST("/accounts/:uuid/withdraw", withdrawHandler(svc, log))
		v1.GET("/accounts/:uuid/transactions", listTransactionsHandler(svc, log))
		v1.GET("/transactions/:reference", getTransactionHandler(svc, log))
	}
}

type accountResp struct {
	UUID    string `json:"uuid"`
	Balance int64  `json:"balance"`
}

type transactionResp struct {
	Reference string       `json:"reference"`
	Kind      model.Kind   `json:"kind"`
	Status    model.Status `json:"status"`
	Amount    int64        `json:"amount"`
	ExecuteAt *time.Time   `json:"execute_at"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

func toTransactionResp(t *model.Transaction) transactionResp {
	return transactionResp{
		Reference: t.Reference,
		Kind:      t.Kind,
		Status:    t.Status,
		Amount:    t.Amount,
		ExecuteAt: t.ExecuteAt,
		LastError: t.LastError,
		CreatedAt: t.CreatedAt,
	}
}

// writeError maps service errors onto status codes.
func writeError(c *gin.Context, log *zap.SugaredLogger, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repo.ErrAccountNotFound), errors.Is(err, repo.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		log.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func createAccountHandler(svc *service.WalletService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, err := svc.CreateAccount(c)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, accountResp{UUID: a.UUID, Balance: a.Balance})
	}
}

func getAccountHandler(svc *service.WalletService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("uuid")
		bal, err := svc.GetBalance(c, id)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, accountResp{UUID: id, Balance: bal})
	}
}

type depositReq struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

func depositHandler(svc *service.WalletService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req depositReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id := c.Param("uuid")
		bal, err := svc.Deposit(c, id, req.Amount)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, accountResp{UUID: id, Balance: bal})
	}
}

type withdrawReq struct {
	Amount    int64      `json:"amount" binding:"required,gt=0"`
	ExecuteAt *time.Time `json:"execute_at"`
}

func withdrawHandler(svc *service.WalletService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req withdrawReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		t, err := svc.ScheduleWithdraw(c, c.Param("uuid"), req.Amount, req.ExecuteAt)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, toTransactionResp(t))
	}
}

func listTransactionsHandler(svc *service.WalletService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		txs, err := svc.ListTransactions(c, c.Param("uuid"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		out := make([]transactionResp, 0, len(txs))
		for i := range txs {
			out = append(out, toTransactionResp(&txs[i]))
		}
		c.JSON(http.StatusOK, out)
	}
}

func getTransactionHandler(svc *service.WalletService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.GetTransaction(c, c.Param("reference"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, toTransactionResp(t))
	}
}
