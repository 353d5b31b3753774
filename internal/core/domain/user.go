package domain

type IdentityID string

// Identity is the authenticated principal attached to a connection.
// It is supplied by the token issuer and never mutated by the relay.
type Identity struct {
	ID          IdentityID `json:"id"`
	DisplayName string     `json:"displayName"`
	Role        Role       `json:"role"`
}

type Role string

const (
	RoleUser    Role = "user"
	RoleAdmin   Role = "admin"
	RoleService Role = "service"
)

func (i Identity) IsZero() bool {
	return i.ID == ""
}
