package server

import "time"

// Platform enumerates the kinds of registered client applications.
type Platform string

const (
	PlatformWeb    Platform = "web"
	PlatformMobile Platform = "mobile"
	PlatformOther  Platform = "other"
)

// Client records a registered application and its trusted origin.
type Client struct {
	ClientID    string    `json:"clientId"`
	Name        string    `json:"name"`
	BaseDomain  string    `json:"baseDomain"`
	Platform    Platform  `json:"platform"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Session captures one authenticated principal's standing across clients.
// ActiveClients is the set of client IDs holding live cookies on their
// domains for this session.
type Session struct {
	ID              string
	UserID          string
	ActiveClients   map[string]bool
	CreatedAt       time.Time
	LastRefreshedAt time.Time
	Revoked         bool
}

// HasClient reports whether clientID is in the session's active set.
func (s *Session) HasClient(clientID string) bool {
	return s.ActiveClients[clientID]
}

// RefreshTokenRecord is the stored, stateful half of a refresh token.
// Rotation keeps the lineage via ParentID so replay of a rotated-away
// token is recognizable.
type RefreshTokenRecord struct {
	ID        string
	SessionID string
	UserID    string
	ClientID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	ParentID  string
	Rotated   bool
	Revoked   bool
}

// TrustedDevice marks a (user, device) pair that may skip the second
// authentication factor.
type TrustedDevice struct {
	Token     string
	UserID    string
	DeviceID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenPair bundles the credentials returned by login and refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// DirectiveKind distinguishes cookie-set from cookie-clear propagation.
type DirectiveKind string

const (
	DirectiveSetCookie   DirectiveKind = "set"
	DirectiveClearCookie DirectiveKind = "clear"
)

// TargetState tracks one propagation target through its lifecycle.
type TargetState string

const (
	TargetPending      TargetState = "pending"
	TargetDispatched   TargetState = "dispatched"
	TargetAcknowledged TargetState = "acknowledged"
	TargetFailed       TargetState = "failed"
)

// Directive is one cookie operation destined for a single client domain.
type Directive struct {
	ID        string        `json:"id"`
	Kind      DirectiveKind `json:"kind"`
	SessionID string        `json:"sessionId"`
	ClientID  string        `json:"clientId"`
	Domain    string        `json:"domain"`
	Payload   string        `json:"payload,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// PropagationTarget is the tracked state of a directive against one
// (session, client) pair.
type PropagationTarget struct {
	Directive    Directive
	State        TargetState
	DispatchedAt time.Time
	CompletedAt  time.Time
	Err          string
}

// CookiePayload is the encoded body delivered to a client domain's
// cookie-set endpoint.
type CookiePayload struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// User is the minimal identity record the credential verifier consults.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	MFAEnrolled  bool
}
