package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/neurogrid/lifecycle/internal/lifecycle"
	"github.com/neurogrid/lifecycle/internal/models"
)

const (
	defaultLedgerLimit = 50
	maxLedgerLimit     = 500

	msgRegistered = "Node registered. Tunnel verified; node is active in Node Command Center."
)

// ownedNode loads the node in the path and checks the caller operates it.
func (s *Server) ownedNode(c *gin.Context) (*models.NodeRecord, bool) {
	rec, err := s.svc.Node(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return nil, false
	}
	if rec.Node.OperatorWallet != wallet(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "node belongs to another operator"})
		return nil, false
	}
	return rec, true
}

// Miner

type registerBody struct {
	NodeID         string `json:"nodeId"`
	WalletAddress  string `json:"walletAddress"`
	Name           string `json:"name"`
	PricePerHour   string `json:"pricePerHour"`
	Bandwidth      string `json:"bandwidth"`
	GPUModel       string `json:"gpuModel"`
	VRAM           string `json:"vram"`
	Gateway        string `json:"gateway"`
	TunnelVerified bool   `json:"tunnelVerified"`
	// FRPVerified is the older name for TunnelVerified.
	FRPVerified bool `json:"frpVerified"`
}

func (s *Server) registerNode(c *gin.Context) {
	var body registerBody
	if !bindJSON(c, &body, msgInvalidJSONBody) {
		return
	}
	operator := wallet(c)
	if body.WalletAddress != "" && body.WalletAddress != operator {
		c.JSON(http.StatusForbidden, gin.H{"error": "walletAddress does not match the connected wallet"})
		return
	}

	rec, err := s.svc.RegisterNode(c.Request.Context(), &lifecycle.RegisterRequest{
		NodeID:         strings.TrimSpace(body.NodeID),
		Name:           body.Name,
		GPUs:           body.GPUModel,
		VRAM:           body.VRAM,
		Bandwidth:      body.Bandwidth,
		Gateway:        body.Gateway,
		OperatorWallet: operator,
		HourlyPrice:    body.PricePerHour,
		TunnelVerified: body.TunnelVerified || body.FRPVerified,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"nodeId":  rec.Node.ID,
		"status":  "ACTIVE",
		"message": msgRegistered,
		"node":    rec,
	})
}

func (s *Server) unregisterNode(c *gin.Context) {
	if _, ok := s.ownedNode(c); !ok {
		return
	}
	rec, err := s.svc.UnregisterNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type priceBody struct {
	PricePerHour string `json:"pricePerHour"`
}

func (s *Server) updatePrice(c *gin.Context) {
	var body priceBody
	if !bindJSON(c, &body, msgInvalidJSON) {
		return
	}
	if strings.TrimSpace(body.PricePerHour) == "" {
		badRequest(c, "pricePerHour is required")
		return
	}
	if _, ok := s.ownedNode(c); !ok {
		return
	}
	rec, err := s.svc.UpdatePrice(c.Request.Context(), c.Param("id"), body.PricePerHour)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type routingBody struct {
	OptIn *bool `json:"opt_in_buffer_routing"`
}

func (s *Server) setRouting(c *gin.Context) {
	var body routingBody
	if !bindJSON(c, &body, msgInvalidJSON) {
		return
	}
	if body.OptIn == nil {
		badRequest(c, "opt_in_buffer_routing is required")
		return
	}
	if _, ok := s.ownedNode(c); !ok {
		return
	}
	rec, err := s.svc.SetBufferRouting(c.Request.Context(), c.Param("id"), *body.OptIn)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) getBalance(c *gin.Context) {
	if _, ok := s.ownedNode(c); !ok {
		return
	}
	view, err := s.svc.Balance(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) getLedger(c *gin.Context) {
	limit := defaultLedgerLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLedgerLimit)
	}
	if _, ok := s.ownedNode(c); !ok {
		return
	}
	entries, err := s.svc.Ledger(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type withdrawBody struct {
	AmountUsd *decimal.Decimal `json:"amount_usd"`
}

func (s *Server) withdrawFree(c *gin.Context) {
	var body withdrawBody
	if !bindJSON(c, &body, msgInvalidJSON) {
		return
	}
	if body.AmountUsd == nil {
		badRequest(c, "amount_usd is required")
		return
	}
	if _, ok := s.ownedNode(c); !ok {
		return
	}
	view, err := s.svc.WithdrawFree(c.Request.Context(), c.Param("id"), *body.AmountUsd)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) withdrawBuffer(c *gin.Context) {
	if _, ok := s.ownedNode(c); !ok {
		return
	}
	view, err := s.svc.WithdrawBuffer(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) forceRelease(c *gin.Context) {
	res, err := s.svc.ForceRelease(c.Request.Context(), c.Param("id"), wallet(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Renters

type deployBody struct {
	NodeID               string   `json:"nodeId"`
	RenterWalletAddress  string   `json:"renterWalletAddress"`
	TransactionSignature string   `json:"transactionSignature"`
	ExpectedHours        *float64 `json:"expected_hours"`
}

func (s *Server) deploy(c *gin.Context) {
	var body deployBody
	if !bindJSON(c, &body, msgInvalidJSONBody) {
		return
	}
	if body.NodeID == "" || body.RenterWalletAddress == "" {
		badRequest(c, "Missing nodeId or renterWalletAddress")
		return
	}
	if body.RenterWalletAddress != wallet(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "renterWalletAddress does not match the connected wallet"})
		return
	}
	hours := 1.0
	if body.ExpectedHours != nil {
		hours = *body.ExpectedHours
	}

	res, err := s.svc.Deploy(c.Request.Context(), &lifecycle.DeployRequest{
		NodeID:               body.NodeID,
		RenterWallet:         body.RenterWalletAddress,
		TransactionSignature: body.TransactionSignature,
		ExpectedHours:        hours,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// settle may be triggered by either side of the rental.
func (s *Server) settle(c *gin.Context) {
	rec, err := s.svc.Node(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	caller := wallet(c)
	if caller != rec.Node.OperatorWallet && (rec.Lock == nil || caller != rec.Lock.TenantAddress) {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the operator or renter may settle this rental"})
		return
	}
	res, err := s.svc.Settle(c.Request.Context(), rec.Node.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type renewBody struct {
	TransactionSignature string   `json:"transactionSignature"`
	ExtraHours           *float64 `json:"extra_hours"`
}

func (s *Server) renew(c *gin.Context) {
	var body renewBody
	if !bindJSON(c, &body, msgInvalidJSON) {
		return
	}
	extra := 1.0
	if body.ExtraHours != nil {
		extra = *body.ExtraHours
	}
	res, err := s.svc.Renew(c.Request.Context(), &lifecycle.RenewRequest{
		NodeID:               c.Param("id"),
		RenterWallet:         wallet(c),
		TransactionSignature: body.TransactionSignature,
		ExtraHours:           extra,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) terminate(c *gin.Context) {
	res, err := s.svc.Terminate(c.Request.Context(), c.Param("id"), wallet(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) disconnect(c *gin.Context) {
	sess, err := s.svc.Disconnect(c.Request.Context(), c.Param("id"), wallet(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "evict_at": sess.EvictAt})
}

type disputeBody struct {
	HoursUsed *float64 `json:"hours_used"`
}

func (s *Server) dispute(c *gin.Context) {
	var body disputeBody
	if !bindOptionalJSON(c, &body, msgInvalidJSON) {
		return
	}
	hours := 0.0
	if body.HoursUsed != nil {
		hours = *body.HoursUsed
	}
	res, err := s.svc.Dispute(c.Request.Context(), &lifecycle.DisputeRequest{
		NodeID:       c.Param("id"),
		RenterWallet: wallet(c),
		HoursUsed:    hours,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) reclaim(c *gin.Context) {
	res, err := s.svc.Reclaim(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	msg := msgReclaimNoop
	if res.Reclaimed {
		msg = msgReclaimNow
	}
	c.JSON(http.StatusOK, gin.H{
		"should_reclaim": res.Reclaimed,
		"reason":         res.Reason,
		"closure":        res.Closure,
		"session_after":  res.Session,
		"message":        msg,
	})
}
