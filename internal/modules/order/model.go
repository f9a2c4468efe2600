// README: Order aggregate and status definitions.
package order

import (
	"time"

	"medidrop/internal/types"
)

// Kind is what the patient ordered; it decides which vendor broadcast applies.
type Kind string

const (
	KindCart         Kind = "cart"
	KindPrescription Kind = "prescription"
)

func (k Kind) Valid() bool {
	return k == KindCart || k == KindPrescription
}

type Status string

const (
	StatusNone            Status = "none"
	StatusPending         Status = "pending"
	StatusVendorAssigned  Status = "vendor_assigned"
	StatusPartnerAssigned Status = "partner_assigned"
	StatusDelivered       Status = "delivered"
	StatusUnmatched       Status = "unmatched"
	StatusUndeliverable   Status = "undeliverable"
	StatusCancelled       Status = "cancelled"
)

// Role names the winner column a broadcast writes on the order.
type Role string

const (
	RoleVendor          Role = "vendor"
	RoleDeliveryPartner Role = "delivery_partner"
)

type Order struct {
	ID                types.ID     `json:"id"`
	PatientID         types.ID     `json:"patient_id"`
	Kind              Kind         `json:"kind"`
	Status            Status       `json:"status"`
	StatusVersion     int          `json:"status_version"`
	Dropoff           types.Point  `json:"dropoff"`
	Pickup            *types.Point `json:"pickup,omitempty"`
	VendorID          *types.ID    `json:"vendor_id,omitempty"`
	DeliveryPartnerID *types.ID    `json:"delivery_partner_id,omitempty"`
	Summary           string       `json:"summary"`
	CreatedAt         time.Time    `json:"created_at"`
	VendorAssignedAt  *time.Time   `json:"vendor_assigned_at,omitempty"`
	PartnerAssignedAt *time.Time   `json:"partner_assigned_at,omitempty"`
	DeliveredAt       *time.Time   `json:"delivered_at,omitempty"`
	CancelledAt       *time.Time   `json:"cancelled_at,omitempty"`
}

type Event struct {
	ID         int64
	OrderID    types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

// AllowedTransitions represents the order state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:         {StatusVendorAssigned, StatusUnmatched, StatusCancelled},
	StatusVendorAssigned:  {StatusPartnerAssigned, StatusUndeliverable, StatusCancelled},
	StatusPartnerAssigned: {StatusDelivered},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}
