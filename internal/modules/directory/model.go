// README: Candidate directory rows (vendors and delivery partners).
package directory

import (
	"errors"
	"time"

	"medidrop/internal/modules/order"
	"medidrop/internal/types"
)

var (
	ErrNotFound   = errors.New("candidate not found")
	ErrBadRequest = errors.New("bad request")
)

// Candidate is one directory row. Pool reuses the order role names: vendors
// answer cart and prescription broadcasts, delivery partners answer delivery ones.
type Candidate struct {
	ID           types.ID     `json:"id"`
	Pool         order.Role   `json:"pool"`
	Verified     bool         `json:"verified"`
	Available    bool         `json:"available"`
	Position     *types.Point `json:"position,omitempty"`
	DeviceToken  string       `json:"-"`
	LastActiveAt *time.Time   `json:"last_active_at,omitempty"`
}

// Searchable reports whether the candidate belongs in the GEO index.
func (c *Candidate) Searchable() bool {
	return c.Verified && c.Available && c.Position != nil
}

func validPool(p order.Role) bool {
	return p == order.RoleVendor || p == order.RoleDeliveryPartner
}
