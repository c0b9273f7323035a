package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/neurogrid/lifecycle/internal/auth"
	"github.com/neurogrid/lifecycle/internal/dispute"
	"github.com/neurogrid/lifecycle/internal/escrow"
	"github.com/neurogrid/lifecycle/internal/lifecycle"
	"github.com/neurogrid/lifecycle/internal/models"
	"github.com/neurogrid/lifecycle/internal/reclaim"
	"github.com/neurogrid/lifecycle/pkg/money"
)

const (
	msgInvalidJSON     = "Invalid JSON"
	msgInvalidJSONBody = "Invalid JSON body"

	msgReclaimNow    = "Transition to RECLAIMING: drop tunnel, signal DESTROY_CONTAINER"
	msgReclaimNoop   = "No action"
	msgDisputeResult = "Refund unused time to tenant; apply slash to Miner SecurityBuffer."
)

// bindJSON decodes the body into v and answers 400 with msg on failure.
func bindJSON(c *gin.Context, v interface{}, msg string) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, msg)
		return false
	}
	return true
}

// bindOptionalJSON is bindJSON for endpoints whose body may be omitted.
func bindOptionalJSON(c *gin.Context, v interface{}, msg string) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bindJSON(c, v, msg)
}

// Sessions

type sessionBody struct {
	AuthMethod    string `json:"authMethod"`
	WalletAddress string `json:"walletAddress"`
}

func (s *Server) createSession(c *gin.Context) {
	var body sessionBody
	if !bindJSON(c, &body, msgInvalidJSON) {
		return
	}
	method, err := auth.ParseMethod(body.AuthMethod)
	if err != nil {
		badRequest(c, "authMethod must be 'wallet' or 'web2'")
		return
	}
	token, claims, err := s.auth.Issue(method, body.WalletAddress)
	if err != nil {
		if errors.Is(err, auth.ErrMissingWallet) {
			badRequest(c, "walletAddress is required for wallet sessions")
			return
		}
		s.writeError(c, err)
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.CookieName, token, int(s.auth.TTL()/time.Second), "/", "", s.cfg.SecureCookies, true)
	c.JSON(http.StatusOK, gin.H{
		"ok":            true,
		"token":         token,
		"authMethod":    claims.Method,
		"walletAddress": claims.Wallet,
		"expires_at":    claims.ExpiresAt.Time.UTC(),
	})
}

func (s *Server) deleteSession(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.CookieName, "", -1, "/", "", s.cfg.SecureCookies, true)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Stateless calculators

func (s *Server) escrowBreakdown(c *gin.Context) {
	hours := float64(escrow.MinHours)
	if v, err := strconv.ParseFloat(c.Query("expected_hours"), 64); err == nil {
		hours = v
	}
	price := money.DefaultHourlyPrice
	if v, err := decimal.NewFromString(strings.TrimSpace(c.Query("hourly_price_usd"))); err == nil && v.IsPositive() {
		price = v
	}
	c.JSON(http.StatusOK, escrow.ComputeBreakdown(hours, price, s.svc.Now()))
}

type settleQuoteBody struct {
	SessionID          string           `json:"session_id"`
	NodeID             string           `json:"node_id"`
	HourlyPriceUsd     *decimal.Decimal `json:"hourly_price_usd"`
	CurrentBufferUsd   *decimal.Decimal `json:"current_buffer_usd"`
	OptInBufferRouting bool             `json:"opt_in_buffer_routing"`
	SessionStartedAt   *string          `json:"session_started_at"`
}

func (s *Server) quoteSettlement(c *gin.Context) {
	var body settleQuoteBody
	if !bindJSON(c, &body, msgInvalidJSON) {
		return
	}
	if body.SessionStartedAt == nil || strings.TrimSpace(*body.SessionStartedAt) == "" {
		badRequest(c, "session_started_at (ISO) is required for settlement.")
		return
	}
	startedAt, err := parseInstant(*body.SessionStartedAt)
	if err != nil {
		badRequest(c, "session_started_at must be a valid ISO date string.")
		return
	}

	req := lifecycle.QuoteRequest{
		SessionID:          body.SessionID,
		NodeID:             body.NodeID,
		OptInBufferRouting: body.OptInBufferRouting,
		SessionStartedAt:   startedAt,
	}
	if body.HourlyPriceUsd != nil {
		req.HourlyPriceUsd = *body.HourlyPriceUsd
	}
	if body.CurrentBufferUsd != nil {
		req.CurrentBufferUsd = *body.CurrentBufferUsd
	}
	quote, err := s.svc.Quote(req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseInstant accepts ISO-8601 instants. Values without a zone are UTC.
func parseInstant(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	var err error
	for _, layout := range instantLayouts {
		var t time.Time
		if t, err = time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}

type sessionEnvelope struct {
	Session   json.RawMessage `json:"session"`
	HoursUsed json.RawMessage `json:"hours_used"`
}

// decodeSession reads a client-held session. ok is false when the session
// is missing, malformed or has no expiry.
func decodeSession(raw json.RawMessage) (models.RentalSession, bool) {
	var sess models.RentalSession
	if len(raw) == 0 || string(raw) == "null" {
		return sess, false
	}
	if err := json.Unmarshal(raw, &sess); err != nil {
		return sess, false
	}
	return sess, !sess.ExpiresAt.IsZero()
}

func (s *Server) checkReclaim(c *gin.Context) {
	var body sessionEnvelope
	if !bindJSON(c, &body, msgInvalidJSON) {
		return
	}
	sess, ok := decodeSession(body.Session)
	if !ok || sess.Phase == "" {
		badRequest(c, "Missing or invalid session (expires_at, phase required)")
		return
	}

	due := reclaim.ShouldReclaim(sess, s.svc.Now())
	after, msg := sess, msgReclaimNoop
	if due {
		after, msg = reclaim.TransitionToReclaiming(sess), msgReclaimNow
	}
	c.JSON(http.StatusOK, gin.H{
		"should_reclaim": due,
		"session_after":  after,
		"message":        msg,
	})
}

func (s *Server) quoteDispute(c *gin.Context) {
	var body sessionEnvelope
	if !bindJSON(c, &body, msgInvalidJSON) {
		return
	}
	sess, ok := decodeSession(body.Session)
	if !ok {
		badRequest(c, "Missing or invalid session")
		return
	}
	hoursUsed, ok := parseHours(body.HoursUsed)
	if !ok {
		badRequest(c, "hours_used must be a number")
		return
	}

	res := dispute.RefundAndSlash(sess, hoursUsed)
	c.JSON(http.StatusOK, gin.H{
		"refund_tenant_usd": res.RefundTenantUsd,
		"slash_miner_usd":   res.SlashMinerUsd,
		"message":           msgDisputeResult,
	})
}

// parseHours reads an optional JSON number. Absent or null means zero.
func parseHours(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, true
	}
	var h float64
	if err := json.Unmarshal(raw, &h); err != nil {
		return 0, false
	}
	return h, true
}

// Marketplace

// NodeView is the public listing of a node.
type NodeView struct {
	ID                 string               `json:"id"`
	Name               string               `json:"name"`
	GPUs               string               `json:"gpus"`
	VRAM               string               `json:"vram"`
	Bandwidth          string               `json:"bandwidth"`
	Gateway            string               `json:"gateway,omitempty"`
	MinerWalletAddress string               `json:"minerWalletAddress"`
	PriceInUSDT        decimal.Decimal      `json:"priceInUSDT"`
	PricePerHour       string               `json:"pricePerHour"`
	LifecycleStatus    models.NodeLifecycle `json:"lifecycleStatus"`
	Registered         bool                 `json:"registered"`
	RentedBy           *string              `json:"rentedBy"`
	IsFoundationSeed   bool                 `json:"isFoundationSeed,omitempty"`
	PriceConfig        models.PriceConfig   `json:"price_config"`
	LockMetadata       *models.LockMetadata `json:"lock_metadata"`
}

func (s *Server) nodeView(rec *models.NodeRecord) NodeView {
	v := NodeView{
		ID:                 rec.Node.ID,
		Name:               rec.Node.Name,
		GPUs:               rec.Node.GPUs,
		VRAM:               rec.Node.VRAM,
		Bandwidth:          rec.Node.Bandwidth,
		Gateway:            rec.Node.Gateway,
		MinerWalletAddress: rec.Node.OperatorWallet,
		PriceInUSDT:        rec.Price.CurrentHourlyUsd,
		PricePerHour:       money.FormatHourly(rec.Price.CurrentHourlyUsd),
		LifecycleStatus:    rec.Lifecycle,
		Registered:         rec.Registered,
		IsFoundationSeed:   s.cfg.GenesisNodeID != "" && rec.Node.ID == s.cfg.GenesisNodeID,
		PriceConfig:        rec.Price,
		LockMetadata:       rec.Lock,
	}
	if rec.Lock != nil {
		tenant := rec.Lock.TenantAddress
		v.RentedBy = &tenant
	}
	return v
}

func (s *Server) listNodes(c *gin.Context) {
	recs, err := s.svc.Nodes(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	all := c.Query("all") == "true"
	nodes := make([]NodeView, 0, len(recs))
	for _, rec := range recs {
		if !rec.Registered && !all {
			continue
		}
		nodes = append(nodes, s.nodeView(rec))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

func (s *Server) getNode(c *gin.Context) {
	rec, err := s.svc.Node(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.nodeView(rec))
}
