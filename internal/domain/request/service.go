package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/directory"
	"github.com/carebridge/rxmarket/internal/domain/apperror"
	"github.com/carebridge/rxmarket/internal/domain/notification"
)

// ResponseData is the optional detail a pharmacy attaches to its response.
type ResponseData struct {
	EstimatedFulfillmentTime *time.Time     `json:"estimated_fulfillment_time,omitempty"`
	QuotedPrice              *QuotedPrice   `json:"quoted_price,omitempty"`
	Notes                    string         `json:"notes,omitempty"`
	Substitutions            []Substitution `json:"substitutions,omitempty"`
}

// Service owns the prescription request workflow. Notification failures are
// logged and recorded by the engine, never surfaced: the business operation
// that triggered them always completes on its own merits.
type Service struct {
	repo       Repository
	notifier   notification.Engine
	users      directory.Users
	pharmacies directory.Pharmacies
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewService creates the workflow service.
func NewService(repo Repository, notifier notification.Engine, users directory.Users, pharmacies directory.Pharmacies, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:       repo,
		notifier:   notifier,
		users:      users,
		pharmacies: pharmacies,
		logger:     logger,
		tracer:     otel.Tracer("request-service"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Create validates and persists a new draft request for the patient.
func (s *Service) Create(ctx context.Context, patientID string, medications []Medication, prefs Preferences) (*Request, error) {
	ctx, span := s.tracer.Start(ctx, "request_create")
	defer span.End()

	req, err := New(patientID, medications, prefs)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := s.repo.Create(ctx, req); err != nil {
		span.RecordError(err)
		return nil, apperror.External(err, "failed to create request")
	}
	span.SetAttributes(attribute.String("request_id", req.ID))

	s.notify(ctx, []notification.RecipientRef{{UserID: patientID, Role: directory.RolePatient}},
		notification.TypePrescriptionCreated,
		notification.Content{
			Title:   "Prescription request created",
			Message: fmt.Sprintf("Your prescription request %s was created.", req.Number),
		}, req.ID, notification.PriorityMedium)

	s.logger.Info("request created",
		zap.String("request_id", req.ID),
		zap.String("number", req.Number),
		zap.Int("medications", len(req.Medications)),
	)
	return req, nil
}

// Submit freezes the target pharmacy set and fans the request out. Each
// target pharmacy is notified independently.
func (s *Service) Submit(ctx context.Context, id string, actor Actor, pharmacyIDs []string) (*Request, error) {
	ctx, span := s.tracer.Start(ctx, "request_submit",
		trace.WithAttributes(attribute.String("request_id", id)))
	defer span.End()

	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := req.ValidateSubmit(actor, pharmacyIDs); err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Every target must be a registered, active pharmacy.
	owners := make(map[string]string, len(pharmacyIDs))
	for _, pid := range pharmacyIDs {
		ph, err := s.pharmacies.Get(ctx, pid)
		if err != nil {
			return nil, err
		}
		if !ph.Active {
			return nil, apperror.Validation("pharmacy %s is not active", pid)
		}
		owners[pid] = ph.OwnerUserID
	}

	change := StatusChange{
		Status:    StatusSubmitted,
		ChangedBy: actor.UserID,
		Reason:    "submitted to pharmacies",
		At:        s.now(),
	}
	if err := s.repo.MarkSubmitted(ctx, id, pharmacyIDs, change); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, apperror.InvalidState("request was already submitted")
		}
		span.RecordError(err)
		return nil, apperror.External(err, "failed to submit request")
	}

	recipients := make([]notification.RecipientRef, 0, len(pharmacyIDs))
	for _, pid := range pharmacyIDs {
		recipients = append(recipients, notification.RecipientRef{
			UserID: owners[pid], Role: directory.RolePharmacy,
		})
	}
	s.notify(ctx, recipients, notification.TypePrescriptionSubmitted,
		notification.Content{
			Title:   "New prescription request",
			Message: fmt.Sprintf("Prescription request %s is awaiting your response.", req.Number),
		}, id, notification.PriorityHigh)

	s.logger.Info("request submitted",
		zap.String("request_id", id),
		zap.Int("targets", len(pharmacyIDs)),
	)
	return s.repo.Get(ctx, id)
}

// Respond records one pharmacy's accept/decline/partial answer. A repeated
// response overwrites that pharmacy's earlier entry; other pharmacies'
// entries are untouched, and the request status does not change here.
func (s *Service) Respond(ctx context.Context, id string, actor Actor, action ResponseAction, data ResponseData) (*Request, *PharmacyResponse, error) {
	ctx, span := s.tracer.Start(ctx, "request_respond",
		trace.WithAttributes(
			attribute.String("request_id", id),
			attribute.String("action", string(action)),
		))
	defer span.End()

	status, ok := ResponseStatusFor(action)
	if !ok {
		return nil, nil, apperror.Validation("unknown response action: %s", action)
	}
	if actor.Role != directory.RolePharmacy {
		return nil, nil, apperror.Authorization("only pharmacies may respond to requests")
	}

	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := req.ValidateResponse(actor.PharmacyID); err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	resp := &PharmacyResponse{
		PharmacyID:               actor.PharmacyID,
		Status:                   status,
		EstimatedFulfillmentTime: data.EstimatedFulfillmentTime,
		QuotedPrice:              data.QuotedPrice,
		PharmacistNotes:          data.Notes,
		Substitutions:            data.Substitutions,
		RespondedAt:              s.now(),
	}
	if err := s.repo.UpsertResponse(ctx, id, resp); err != nil {
		span.RecordError(err)
		return nil, nil, apperror.External(err, "failed to record response")
	}

	s.notify(ctx, []notification.RecipientRef{{UserID: req.PatientID, Role: directory.RolePatient}},
		notification.TypePharmacyResponse,
		notification.Content{
			Title:   "Pharmacy responded",
			Message: fmt.Sprintf("A pharmacy %sed your prescription request %s.", action, req.Number),
		}, id, notification.PriorityMedium)

	s.logger.Info("pharmacy response recorded",
		zap.String("request_id", id),
		zap.String("pharmacy_id", actor.PharmacyID),
		zap.String("status", string(status)),
	)

	updated, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return updated, updated.ResponseFrom(actor.PharmacyID), nil
}

// Select sets the winning pharmacy. The repository re-checks the request
// state at write time, so two concurrent selections cannot both succeed.
func (s *Service) Select(ctx context.Context, id string, actor Actor, pharmacyID, reason string) (*Request, error) {
	ctx, span := s.tracer.Start(ctx, "request_select",
		trace.WithAttributes(
			attribute.String("request_id", id),
			attribute.String("pharmacy_id", pharmacyID),
		))
	defer span.End()

	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := req.ValidateSelect(actor, pharmacyID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	sel := &SelectedPharmacy{PharmacyID: pharmacyID, Reason: reason, SelectedAt: s.now()}
	change := StatusChange{
		Status:    StatusAccepted,
		ChangedBy: actor.UserID,
		Reason:    "pharmacy selected",
		Notes:     reason,
		At:        sel.SelectedAt,
	}
	if err := s.repo.SelectPharmacy(ctx, id, sel, change); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, apperror.InvalidState("request was already accepted")
		}
		span.RecordError(err)
		return nil, apperror.External(err, "failed to select pharmacy")
	}

	s.notifySelection(ctx, req, pharmacyID)

	s.logger.Info("pharmacy selected",
		zap.String("request_id", id),
		zap.String("pharmacy_id", pharmacyID),
	)
	return s.repo.Get(ctx, id)
}

// notifySelection tells the winner and the non-selected responders.
func (s *Service) notifySelection(ctx context.Context, req *Request, winnerID string) {
	if ph, err := s.pharmacies.Get(ctx, winnerID); err == nil {
		s.notify(ctx, []notification.RecipientRef{{UserID: ph.OwnerUserID, Role: directory.RolePharmacy}},
			notification.TypePharmacySelected,
			notification.Content{
				Title:   "You were selected",
				Message: fmt.Sprintf("Your pharmacy was selected to fulfill prescription request %s.", req.Number),
			}, req.ID, notification.PriorityHigh)
	}

	var losers []notification.RecipientRef
	for _, resp := range req.Responses {
		if resp.PharmacyID == winnerID || resp.Status != ResponseAccepted {
			continue
		}
		if ph, err := s.pharmacies.Get(ctx, resp.PharmacyID); err == nil {
			losers = append(losers, notification.RecipientRef{
				UserID: ph.OwnerUserID, Role: directory.RolePharmacy,
			})
		}
	}
	if len(losers) > 0 {
		s.notify(ctx, losers, notification.TypePharmacyNotSelected,
			notification.Content{
				Title:   "Request assigned elsewhere",
				Message: fmt.Sprintf("Prescription request %s was assigned to another pharmacy.", req.Number),
			}, req.ID, notification.PriorityLow)
	}
}

// UpdateStatus applies a role-gated status transition with audit.
func (s *Service) UpdateStatus(ctx context.Context, id string, actor Actor, to Status, notes string) (*Request, error) {
	ctx, span := s.tracer.Start(ctx, "request_update_status",
		trace.WithAttributes(
			attribute.String("request_id", id),
			attribute.String("to", string(to)),
		))
	defer span.End()

	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := req.ValidateStatusChange(actor, to); err != nil {
		span.RecordError(err)
		return nil, err
	}

	change := StatusChange{Status: to, ChangedBy: actor.UserID, Notes: notes, At: s.now()}
	if err := s.repo.UpdateStatus(ctx, id, req.Status, to, change); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, apperror.InvalidState("request state changed concurrently; reload and retry")
		}
		span.RecordError(err)
		return nil, apperror.External(err, "failed to update status")
	}

	s.notify(ctx, []notification.RecipientRef{{UserID: req.PatientID, Role: directory.RolePatient}},
		notification.TypeRequestStatusChanged,
		notification.Content{
			Title:   "Request status updated",
			Message: fmt.Sprintf("Prescription request %s is now %s.", req.Number, to),
		}, id, notification.PriorityMedium)

	s.logger.Info("request status updated",
		zap.String("request_id", id),
		zap.String("from", string(req.Status)),
		zap.String("to", string(to)),
		zap.String("actor", actor.UserID),
	)
	return s.repo.Get(ctx, id)
}

// Cancel applies the escape hatch from any non-terminal state and notifies
// every target pharmacy.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor, reason string) (*Request, error) {
	ctx, span := s.tracer.Start(ctx, "request_cancel",
		trace.WithAttributes(attribute.String("request_id", id)))
	defer span.End()

	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := req.ValidateCancel(actor); err != nil {
		span.RecordError(err)
		return nil, err
	}

	change := StatusChange{
		Status:    StatusCancelled,
		ChangedBy: actor.UserID,
		Reason:    reason,
		At:        s.now(),
	}
	if err := s.repo.UpdateStatus(ctx, id, req.Status, StatusCancelled, change); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, apperror.InvalidState("request state changed concurrently; reload and retry")
		}
		span.RecordError(err)
		return nil, apperror.External(err, "failed to cancel request")
	}

	var recipients []notification.RecipientRef
	for _, pid := range req.TargetPharmacies {
		if ph, err := s.pharmacies.Get(ctx, pid); err == nil {
			recipients = append(recipients, notification.RecipientRef{
				UserID: ph.OwnerUserID, Role: directory.RolePharmacy,
			})
		}
	}
	if len(recipients) > 0 {
		s.notify(ctx, recipients, notification.TypeRequestCancelled,
			notification.Content{
				Title:   "Request cancelled",
				Message: fmt.Sprintf("Prescription request %s was cancelled.", req.Number),
			}, id, notification.PriorityMedium)
	}

	s.logger.Info("request cancelled",
		zap.String("request_id", id),
		zap.String("actor", actor.UserID),
		zap.String("reason", reason),
	)
	return s.repo.Get(ctx, id)
}

// Get returns the request if the actor may read it.
func (s *Service) Get(ctx context.Context, id string, actor Actor) (*Request, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !req.VisibleTo(actor) {
		return nil, apperror.Authorization("request is not visible to this account")
	}
	return req, nil
}

// List returns the requests visible to the actor's role.
func (s *Service) List(ctx context.Context, actor Actor) ([]*Request, error) {
	switch actor.Role {
	case directory.RolePatient:
		return s.repo.ListByPatient(ctx, actor.UserID)
	case directory.RolePharmacy:
		return s.repo.Queue(ctx, actor.PharmacyID, nil)
	case directory.RoleAdmin:
		return s.repo.ListAll(ctx, 100)
	}
	return nil, apperror.Authorization("role %s may not list requests", actor.Role)
}

// Queue returns the pharmacy's request queue, filtered by the status
// whitelist (defaults to draft/pending/submitted).
func (s *Service) Queue(ctx context.Context, actor Actor, statuses []Status) ([]*Request, error) {
	if actor.Role != directory.RolePharmacy {
		return nil, apperror.Authorization("only pharmacies have a request queue")
	}
	if actor.PharmacyID == "" {
		return nil, apperror.NotFound("no pharmacy linked to user %s", actor.UserID)
	}
	for _, st := range statuses {
		if !st.Valid() {
			return nil, apperror.Validation("unknown status in filter: %s", st)
		}
	}
	return s.repo.Queue(ctx, actor.PharmacyID, statuses)
}

// Stats returns one pharmacy's marketplace performance.
func (s *Service) Stats(ctx context.Context, actor Actor, pharmacyID string) (*PharmacyStats, error) {
	if actor.Role == directory.RolePharmacy && actor.PharmacyID != pharmacyID {
		return nil, apperror.Authorization("pharmacies may only view their own statistics")
	}
	if actor.Role == directory.RolePatient {
		return nil, apperror.Authorization("patients may not view pharmacy statistics")
	}
	return s.repo.Stats(ctx, pharmacyID)
}

// notify sends through the engine, swallowing errors: notification failure
// never fails the business operation that triggered it.
func (s *Service) notify(ctx context.Context, recipients []notification.RecipientRef, typ notification.Type, content notification.Content, requestID string, priority notification.Priority) {
	_, err := s.notifier.SendBulk(ctx, recipients, typ, content, notification.SendOptions{
		Category: notification.CategoryMedical,
		Priority: priority,
		RelatedEntities: []notification.RelatedEntity{
			{EntityType: "prescription_request", EntityID: requestID},
		},
	})
	if err != nil {
		s.logger.Warn("notification send failed",
			zap.String("type", string(typ)),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
}
