package auth

// User is the authenticated identity injected by the auth middleware.
// The collaboration core trusts it as already-verified.
type User struct {
	ID       string
	Username string
}

// Membership tier names as stored by the billing subsystem.
const (
	TierFree    = "free"
	TierPremium = "premium"
)
