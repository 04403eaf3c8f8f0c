package api

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/merkle-trade/perp-engine/api/responses"
	"github.com/merkle-trade/perp-engine/internal/perp/engine"
	"github.com/merkle-trade/perp-engine/internal/perp/model"
)

func marketKey(c *gin.Context) model.MarketKey {
	return model.MarketKey{
		Pair:       c.Param("pair"),
		Collateral: c.Param("collateral"),
	}
}

type placeOrderRequest struct {
	Owner           string          `json:"owner" binding:"required"`
	Signer          string          `json:"signer"`
	Side            string          `json:"side" binding:"required,oneof=LONG SHORT"`
	IsIncrease      bool            `json:"is_increase"`
	IsMarket        bool            `json:"is_market"`
	CanExecuteAbove bool            `json:"can_execute_above"`
	SizeDelta       decimal.Decimal `json:"size_delta"`
	CollateralDelta decimal.Decimal `json:"collateral_delta"`
	Price           decimal.Decimal `json:"price"`
	StopLoss        decimal.Decimal `json:"stop_loss"`
	TakeProfit      decimal.Decimal `json:"take_profit"`
}

func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.BadRequest(c, err.Error())
		return
	}
	owner, err := uuid.Parse(req.Owner)
	if err != nil {
		responses.BadRequest(c, "invalid owner id")
		return
	}
	signer := uuid.Nil
	if req.Signer != "" {
		if signer, err = uuid.Parse(req.Signer); err != nil {
			responses.BadRequest(c, "invalid signer id")
			return
		}
	}

	order, err := s.engine.PlaceOrder(c.Request.Context(), engine.PlaceOrderRequest{
		Market:          marketKey(c),
		Owner:           owner,
		Signer:          signer,
		Side:            req.Side,
		IsIncrease:      req.IsIncrease,
		IsMarket:        req.IsMarket,
		CanExecuteAbove: req.CanExecuteAbove,
		SizeDelta:       req.SizeDelta,
		CollateralDelta: req.CollateralDelta,
		Price:           req.Price,
		StopLoss:        req.StopLoss,
		TakeProfit:      req.TakeProfit,
	})
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Created(c, order)
}

func (s *Server) cancelOrder(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		responses.BadRequest(c, "invalid order id")
		return
	}
	signer := uuid.Nil
	if raw := c.Query("signer"); raw != "" {
		if signer, err = uuid.Parse(raw); err != nil {
			responses.BadRequest(c, "invalid signer id")
			return
		}
	}
	if err := s.engine.CancelOrder(c.Request.Context(), marketKey(c), id, signer); err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"order_id": id})
}

func (s *Server) executeOrder(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		responses.BadRequest(c, "invalid order id")
		return
	}
	res, err := s.engine.ExecuteOrder(c.Request.Context(), marketKey(c), id)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, res)
}

func (s *Server) listOrders(c *gin.Context) {
	orders, err := s.engine.ListOrders(c.Request.Context(), marketKey(c))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, orders)
}

func (s *Server) listMarkets(c *gin.Context) {
	keys, err := s.engine.ListMarkets(c.Request.Context())
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, keys)
}

func (s *Server) getPosition(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		responses.BadRequest(c, "invalid owner id")
		return
	}
	pos, err := s.engine.GetPosition(c.Request.Context(), marketKey(c), owner, c.Param("side"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, pos)
}

type tpslRequest struct {
	Signer     string          `json:"signer"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
}

func (s *Server) updateTPSL(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		responses.BadRequest(c, "invalid owner id")
		return
	}
	var req tpslRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.BadRequest(c, err.Error())
		return
	}
	signer := uuid.Nil
	if req.Signer != "" {
		if signer, err = uuid.Parse(req.Signer); err != nil {
			responses.BadRequest(c, "invalid signer id")
			return
		}
	}
	if err := s.engine.UpdateTPSL(c.Request.Context(), marketKey(c), owner, c.Param("side"),
		req.StopLoss, req.TakeProfit, signer); err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"owner": owner, "side": c.Param("side")})
}

type pushPriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

func (s *Server) pushPrice(c *gin.Context) {
	var req pushPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.BadRequest(c, err.Error())
		return
	}
	if err := s.feed.Update(c.Param("pair"), req.Price); err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"pair": c.Param("pair"), "price": req.Price})
}

func (s *Server) executeExit(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		responses.BadRequest(c, "invalid owner id")
		return
	}
	res, err := s.engine.ExecuteExitPosition(c.Request.Context(), marketKey(c), owner, c.Param("side"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, res)
}
