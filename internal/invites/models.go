package invites

// RedeemRequest is the body of POST /api/invites/redeem.
type RedeemRequest struct {
	// Code is the invite code to redeem. Compared case-insensitively.
	Code string `json:"code"`

	// Token is the redeeming account's credential token.
	Token string `json:"token"`
}

// RedeemResponse is returned on a successful redemption.
type RedeemResponse struct {
	Success bool `json:"success"`
}
