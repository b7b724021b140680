// Package directory provides lookups against the user and pharmacy
// directories. The marketplace core does not own these records; it reads
// them for authorization, fan-out targeting and broadcast resolution.
package directory

import "context"

// Role identifies an actor category in the marketplace.
type Role string

const (
	RolePatient  Role = "patient"
	RolePharmacy Role = "pharmacy"
	RoleAdmin    Role = "admin"
)

// Valid reports whether the role is a known marketplace role.
func (r Role) Valid() bool {
	switch r {
	case RolePatient, RolePharmacy, RoleAdmin:
		return true
	}
	return false
}

// User is a directory record for a marketplace account.
type User struct {
	ID       string
	Name     string
	Role     Role
	Email    string
	Phone    string
	Verified bool
	// DisabledChannels lists delivery channels the user opted out of.
	// Only the emergency override path may ignore this.
	DisabledChannels []string
}

// AllowsChannel reports whether the user accepts deliveries on the channel.
func (u *User) AllowsChannel(channel string) bool {
	for _, c := range u.DisabledChannels {
		if c == channel {
			return false
		}
	}
	return true
}

// Pharmacy is a directory record for a registered pharmacy.
type Pharmacy struct {
	ID          string
	Name        string
	OwnerUserID string
	Active      bool
}

// Users resolves marketplace user accounts.
type Users interface {
	Get(ctx context.Context, id string) (*User, error)
	// ListVerifiedByRole returns all verified users with the role, minus
	// the excluded ids. Used by role broadcasts.
	ListVerifiedByRole(ctx context.Context, role Role, excludeIDs []string) ([]*User, error)
}

// Pharmacies resolves registered pharmacies.
type Pharmacies interface {
	Get(ctx context.Context, id string) (*Pharmacy, error)
	// GetByOwner returns the pharmacy linked to a pharmacy-role user.
	GetByOwner(ctx context.Context, userID string) (*Pharmacy, error)
}
