package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/merkle-trade/perp-engine/api/responses"
)

func (s *Server) vaultInfo(c *gin.Context) {
	v, err := s.engine.Vault(c.Param("collateral"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	cfg := v.Config()
	responses.Success(c, gin.H{
		"collateral":  cfg.Collateral,
		"lp_token":    cfg.LPTokenSymbol,
		"balance":     v.Balance(),
		"supply":      v.Supply(),
		"share_price": v.SharePrice(),
		"mdd":         v.MDD(),
		"soft_broken": v.SoftBroken(),
		"hard_broken": v.HardBroken(),
	})
}

type depositRequest struct {
	Owner  string          `json:"owner" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.BadRequest(c, err.Error())
		return
	}
	owner, err := uuid.Parse(req.Owner)
	if err != nil {
		responses.BadRequest(c, "invalid owner id")
		return
	}
	v, err := s.engine.Vault(c.Param("collateral"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	minted, err := v.Deposit(c.Request.Context(), owner, req.Amount)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Created(c, gin.H{"minted_shares": minted})
}

type redeemPlanRequest struct {
	Owner  string          `json:"owner" binding:"required"`
	Shares decimal.Decimal `json:"shares"`
}

func (s *Server) registerRedeemPlan(c *gin.Context) {
	var req redeemPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.BadRequest(c, err.Error())
		return
	}
	owner, err := uuid.Parse(req.Owner)
	if err != nil {
		responses.BadRequest(c, "invalid owner id")
		return
	}
	v, err := s.engine.Vault(c.Param("collateral"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	plan, err := v.RegisterRedeemPlan(owner, req.Shares)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Created(c, plan)
}

func (s *Server) cancelRedeemPlan(c *gin.Context) {
	owner, err := uuid.Parse(c.Query("owner"))
	if err != nil {
		responses.BadRequest(c, "invalid owner id")
		return
	}
	v, err := s.engine.Vault(c.Param("collateral"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	returned, err := v.CancelRedeemPlan(owner)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"returned_shares": returned})
}

type redeemRequest struct {
	Owner string `json:"owner" binding:"required"`
}

func (s *Server) redeem(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.BadRequest(c, err.Error())
		return
	}
	owner, err := uuid.Parse(req.Owner)
	if err != nil {
		responses.BadRequest(c, "invalid owner id")
		return
	}
	v, err := s.engine.Vault(c.Param("collateral"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	payout, err := v.Redeem(c.Request.Context(), owner)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"payout": payout})
}
