package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess TokenType = "access"
)

// Roles recognized on access tokens. Operators additionally get the
// maintenance surface (stale-session sweeps); members only their own calls.
const (
	RoleMember   = "member"
	RoleOperator = "operator"
)

// Claims are the only supported JWT claims shape for this service.
// ParticipantID must be present for all activity; there is no anonymous
// surface.
type Claims struct {
	jwt.RegisteredClaims

	ParticipantID string    `json:"participant_id"`
	Role          string    `json:"role"`
	TokenType     TokenType `json:"token_type"`
}
