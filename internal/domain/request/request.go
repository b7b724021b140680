// Package request implements the prescription request lifecycle: creation,
// fan-out to target pharmacies, independent pharmacy responses, patient
// selection of a single winner, and fulfillment or cancellation.
package request

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/rxmarket/internal/directory"
	"github.com/carebridge/rxmarket/internal/domain/apperror"
)

// Status is the lifecycle state of a prescription request. Progression is
// monotonic; cancellation is the single escape hatch, reachable from any
// non-terminal state and itself terminal.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusPending       Status = "pending"
	StatusSubmitted     Status = "submitted"
	StatusAccepted      Status = "accepted"
	StatusInPreparation Status = "in_preparation"
	StatusReady         Status = "ready"
	StatusFulfilled     Status = "fulfilled"
	StatusCancelled     Status = "cancelled"
)

// Valid reports whether the status is known.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusCancelled
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusFulfilled || s == StatusCancelled
}

// statusRank orders the forward progression for monotonicity checks.
var statusRank = map[Status]int{
	StatusDraft:         0,
	StatusPending:       1,
	StatusSubmitted:     2,
	StatusAccepted:      3,
	StatusInPreparation: 4,
	StatusReady:         5,
	StatusFulfilled:     6,
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank == fromRank+1
}

// ResponseStatus is a pharmacy's answer to a fanned-out request.
type ResponseStatus string

const (
	ResponsePending  ResponseStatus = "pending"
	ResponseAccepted ResponseStatus = "accepted"
	ResponseDeclined ResponseStatus = "declined"
	ResponsePartial  ResponseStatus = "partial"
)

// ResponseAction is the verb a pharmacy submits.
type ResponseAction string

const (
	ActionAccept  ResponseAction = "accept"
	ActionDecline ResponseAction = "decline"
	ActionPartial ResponseAction = "partial"
)

// ResponseStatusFor maps an action onto the stored response status.
func ResponseStatusFor(a ResponseAction) (ResponseStatus, bool) {
	switch a {
	case ActionAccept:
		return ResponseAccepted, true
	case ActionDecline:
		return ResponseDeclined, true
	case ActionPartial:
		return ResponsePartial, true
	}
	return "", false
}

// Medication is one prescribed line item.
type Medication struct {
	Name         string  `json:"name"`
	Dosage       string  `json:"dosage,omitempty"`
	Instructions string  `json:"instructions,omitempty"`
	Frequency    string  `json:"frequency,omitempty"`
	Duration     string  `json:"duration,omitempty"`
	Quantity     float64 `json:"quantity"`
	Unit         string  `json:"unit,omitempty"`
}

// DeliveryMethod is the patient's preferred hand-off.
type DeliveryMethod string

const (
	DeliveryPickup  DeliveryMethod = "pickup"
	DeliveryCourier DeliveryMethod = "delivery"
	DeliveryEither  DeliveryMethod = "either"
)

// Preferences carry the patient's fulfillment preferences.
type Preferences struct {
	DeliveryMethod  DeliveryMethod `json:"delivery_method"`
	DeliveryAddress string         `json:"delivery_address,omitempty"`
	Urgency         string         `json:"urgency,omitempty"`
}

// PriceItem is one line of a pharmacy quote.
type PriceItem struct {
	Medication string  `json:"medication"`
	Price      float64 `json:"price"`
}

// QuotedPrice is an itemized pharmacy quote.
type QuotedPrice struct {
	Items    []PriceItem `json:"items,omitempty"`
	Total    float64     `json:"total"`
	Currency string      `json:"currency,omitempty"`
}

// Substitution proposes a replacement for a prescribed medication.
type Substitution struct {
	Original   string `json:"original"`
	Substitute string `json:"substitute"`
	Reason     string `json:"reason,omitempty"`
}

// PharmacyResponse is one pharmacy's answer. At most one per pharmacy; a
// pharmacy re-responding overwrites its prior entry (last write wins).
type PharmacyResponse struct {
	PharmacyID               string         `json:"pharmacy_id"`
	Status                   ResponseStatus `json:"status"`
	EstimatedFulfillmentTime *time.Time     `json:"estimated_fulfillment_time,omitempty"`
	QuotedPrice              *QuotedPrice   `json:"quoted_price,omitempty"`
	PharmacistNotes          string         `json:"pharmacist_notes,omitempty"`
	Substitutions            []Substitution `json:"substitutions,omitempty"`
	RespondedAt              time.Time      `json:"responded_at"`
}

// SelectedPharmacy records the patient's winner. Set exactly once.
type SelectedPharmacy struct {
	PharmacyID string    `json:"pharmacy_id"`
	Reason     string    `json:"reason,omitempty"`
	SelectedAt time.Time `json:"selected_at"`
}

// StatusChange is one entry of the append-only audit log.
type StatusChange struct {
	Status    Status    `json:"status"`
	ChangedBy string    `json:"changed_by"`
	Reason    string    `json:"reason,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	At        time.Time `json:"timestamp"`
}

// Actor is the authenticated principal performing an operation.
type Actor struct {
	UserID     string
	Role       directory.Role
	PharmacyID string
}

// Request is the prescription request aggregate.
type Request struct {
	ID               string             `json:"id"`
	Number           string             `json:"request_number"`
	PatientID        string             `json:"patient_id"`
	Medications      []Medication       `json:"medications"`
	TargetPharmacies []string           `json:"target_pharmacies"`
	Responses        []PharmacyResponse `json:"pharmacy_responses"`
	Selected         *SelectedPharmacy  `json:"selected_pharmacy,omitempty"`
	Status           Status             `json:"status"`
	History          []StatusChange     `json:"status_history"`
	Preferences      Preferences        `json:"preferences"`
	IsActive         bool               `json:"is_active"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// New validates the creation payload and builds a draft request.
func New(patientID string, medications []Medication, prefs Preferences) (*Request, error) {
	if patientID == "" {
		return nil, apperror.Validation("patient id is required")
	}
	if len(medications) == 0 {
		return nil, apperror.Validation("at least one medication is required")
	}
	for i, m := range medications {
		if strings.TrimSpace(m.Name) == "" {
			return nil, apperror.Validation("medication %d: name is required", i+1)
		}
		if m.Quantity <= 0 {
			return nil, apperror.Validation("medication %d: quantity must be positive", i+1)
		}
	}
	switch prefs.DeliveryMethod {
	case "":
		prefs.DeliveryMethod = DeliveryEither
	case DeliveryPickup, DeliveryCourier, DeliveryEither:
	default:
		return nil, apperror.Validation("unknown delivery method: %s", prefs.DeliveryMethod)
	}
	if prefs.DeliveryMethod == DeliveryCourier && prefs.DeliveryAddress == "" {
		return nil, apperror.Validation("delivery address is required for courier delivery")
	}

	now := time.Now().UTC()
	return &Request{
		ID:          uuid.New().String(),
		Number:      NewNumber(now),
		PatientID:   patientID,
		Medications: medications,
		Preferences: prefs,
		Status:      StatusDraft,
		IsActive:    true,
		History: []StatusChange{
			{Status: StatusDraft, ChangedBy: patientID, Reason: "created", At: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// NewNumber builds the human-readable request number: date-prefixed with a
// short random suffix, unique enough for support conversations.
func NewNumber(now time.Time) string {
	suffix := strings.ToUpper(uuid.New().String()[:6])
	return fmt.Sprintf("RX-%s-%s", now.Format("20060102"), suffix)
}

// OwnedBy reports whether the actor is the owning patient.
func (r *Request) OwnedBy(actor Actor) bool {
	return actor.Role == directory.RolePatient && actor.UserID == r.PatientID
}

// Targeted reports whether the pharmacy is one of the fan-out targets.
func (r *Request) Targeted(pharmacyID string) bool {
	for _, id := range r.TargetPharmacies {
		if id == pharmacyID {
			return true
		}
	}
	return false
}

// ResponseFrom returns the pharmacy's response entry, if any.
func (r *Request) ResponseFrom(pharmacyID string) *PharmacyResponse {
	for i := range r.Responses {
		if r.Responses[i].PharmacyID == pharmacyID {
			return &r.Responses[i]
		}
	}
	return nil
}

// ValidateSubmit checks that the request can be fanned out by the actor.
// Targets are frozen at submission; resubmission is rejected.
func (r *Request) ValidateSubmit(actor Actor, pharmacyIDs []string) error {
	if actor.Role != directory.RoleAdmin && !r.OwnedBy(actor) {
		return apperror.Authorization("only the owning patient may submit this request")
	}
	if r.Status != StatusDraft && r.Status != StatusPending {
		return apperror.InvalidState("request already %s; targets are fixed at submission", r.Status)
	}
	if len(pharmacyIDs) == 0 {
		return apperror.Validation("at least one target pharmacy is required")
	}
	seen := make(map[string]struct{}, len(pharmacyIDs))
	for _, id := range pharmacyIDs {
		if id == "" {
			return apperror.Validation("empty pharmacy id in target list")
		}
		if _, dup := seen[id]; dup {
			return apperror.Validation("duplicate pharmacy id in target list: %s", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// ValidateResponse checks that the pharmacy may respond. Responses are
// accepted while the request awaits selection; a repeated response from the
// same pharmacy overwrites the earlier one.
func (r *Request) ValidateResponse(pharmacyID string) error {
	if pharmacyID == "" {
		return apperror.Authorization("responder is not linked to a pharmacy")
	}
	if !r.Targeted(pharmacyID) {
		return apperror.Authorization("pharmacy %s is not a target of this request", pharmacyID)
	}
	if r.Status != StatusPending && r.Status != StatusSubmitted {
		return apperror.InvalidState("request is %s; responses are closed", r.Status)
	}
	return nil
}

// ValidateSelect checks that the actor may pick the pharmacy as the winner.
// Requires an accepted response; the winner is set exactly once.
func (r *Request) ValidateSelect(actor Actor, pharmacyID string) error {
	if actor.Role != directory.RoleAdmin && !r.OwnedBy(actor) {
		return apperror.Authorization("only the owning patient may select a pharmacy")
	}
	if r.Selected != nil {
		return apperror.InvalidState("a pharmacy was already selected for this request")
	}
	if r.Status != StatusPending && r.Status != StatusSubmitted {
		return apperror.InvalidState("request is %s; selection is closed", r.Status)
	}
	resp := r.ResponseFrom(pharmacyID)
	if resp == nil || resp.Status != ResponseAccepted {
		return apperror.InvalidState("pharmacy %s has no accepted response on this request", pharmacyID)
	}
	return nil
}

// ValidateStatusChange enforces the role-gated transition rules:
// patients may only cancel, pharmacies may only progress the request they
// won, admins may make any legal transition.
func (r *Request) ValidateStatusChange(actor Actor, to Status) error {
	if !to.Valid() {
		return apperror.Validation("unknown status: %s", to)
	}
	if !CanTransition(r.Status, to) {
		return apperror.InvalidState("cannot move request from %s to %s", r.Status, to)
	}

	switch actor.Role {
	case directory.RoleAdmin:
		return nil
	case directory.RolePatient:
		if !r.OwnedBy(actor) {
			return apperror.Authorization("request belongs to another patient")
		}
		if to != StatusCancelled {
			return apperror.Authorization("patients may only cancel their requests")
		}
		return nil
	case directory.RolePharmacy:
		switch to {
		case StatusInPreparation, StatusReady, StatusFulfilled:
		default:
			return apperror.Authorization("pharmacies may only progress fulfillment")
		}
		if r.Selected == nil || r.Selected.PharmacyID != actor.PharmacyID {
			return apperror.Authorization("only the selected pharmacy may progress this request")
		}
		return nil
	default:
		return apperror.Authorization("role %s may not change request status", actor.Role)
	}
}

// ValidateCancel checks the cancel escape hatch: any non-terminal state,
// owning patient or admin.
func (r *Request) ValidateCancel(actor Actor) error {
	if r.Status.Terminal() {
		return apperror.InvalidState("request is already %s", r.Status)
	}
	if actor.Role == directory.RoleAdmin || r.OwnedBy(actor) {
		return nil
	}
	return apperror.Authorization("only the owning patient or an admin may cancel")
}

// VisibleTo reports whether the actor may read the request.
func (r *Request) VisibleTo(actor Actor) bool {
	switch actor.Role {
	case directory.RoleAdmin:
		return true
	case directory.RolePatient:
		return r.OwnedBy(actor)
	case directory.RolePharmacy:
		return r.Targeted(actor.PharmacyID)
	}
	return false
}

// PharmacyStats summarizes one pharmacy's marketplace performance.
type PharmacyStats struct {
	PharmacyID         string        `json:"pharmacy_id"`
	Targeted           int64         `json:"targeted"`
	Responded          int64         `json:"responded"`
	Accepted           int64         `json:"accepted"`
	Fulfilled          int64         `json:"fulfilled"`
	AcceptanceRate     float64       `json:"acceptance_rate"`
	FulfillmentRate    float64       `json:"fulfillment_rate"`
	AvgResponseLatency time.Duration `json:"avg_response_latency_ns"`
}
