package lifecycle

import (
	"context"
	"strings"

	"github.com/neurogrid/lifecycle/internal/errs"
)

// PaymentRequest is what a renter presents to occupy or extend a node.
type PaymentRequest struct {
	NodeID               string
	RenterWallet         string
	TransactionSignature string
}

// Grant is the decision of an AccessPolicy.
type Grant struct {
	// Waived means the rental is free and no escrow is taken.
	Waived bool
}

// AccessPolicy decides whether a payment request may proceed.
type AccessPolicy interface {
	Authorize(ctx context.Context, req PaymentRequest) (Grant, error)
}

// PaidAccess requires an on-chain transaction signature for every request.
// Verifying the transfer itself happens upstream.
type PaidAccess struct{}

func (PaidAccess) Authorize(ctx context.Context, req PaymentRequest) (Grant, error) {
	if strings.TrimSpace(req.TransactionSignature) == "" {
		return Grant{}, errs.Validation("transactionSignature is required to verify payment")
	}
	return Grant{}, nil
}

// GenesisAccess lets the admin wallet ignite the genesis node for free and
// defers everything else to Fallback.
type GenesisAccess struct {
	AdminWallet string
	NodeID      string
	Fallback    AccessPolicy
}

func (g GenesisAccess) Authorize(ctx context.Context, req PaymentRequest) (Grant, error) {
	if g.AdminWallet != "" && req.NodeID == g.NodeID && req.RenterWallet == g.AdminWallet {
		return Grant{Waived: true}, nil
	}
	if g.Fallback == nil {
		return PaidAccess{}.Authorize(ctx, req)
	}
	return g.Fallback.Authorize(ctx, req)
}
