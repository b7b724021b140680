package request

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/directory"
	"github.com/carebridge/rxmarket/internal/domain/apperror"
	"github.com/carebridge/rxmarket/internal/domain/notification"
)

// memRepo mirrors the conditional-update semantics of the Postgres
// repository: state is re-checked at write time and conflicts reported.
type memRepo struct {
	requests map[string]*Request
}

func newMemRepo() *memRepo {
	return &memRepo{requests: make(map[string]*Request)}
}

func (m *memRepo) Create(_ context.Context, r *Request) error {
	m.requests[r.ID] = r
	return nil
}

func (m *memRepo) Get(_ context.Context, id string) (*Request, error) {
	r, ok := m.requests[id]
	if !ok || !r.IsActive {
		return nil, apperror.NotFound("prescription request not found")
	}
	cp := *r
	return &cp, nil
}

func (m *memRepo) ListByPatient(_ context.Context, patientID string) ([]*Request, error) {
	var out []*Request
	for _, r := range m.requests {
		if r.PatientID == patientID && r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepo) ListAll(_ context.Context, _ int) ([]*Request, error) {
	var out []*Request
	for _, r := range m.requests {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepo) MarkSubmitted(_ context.Context, id string, targets []string, change StatusChange) error {
	r, ok := m.requests[id]
	if !ok {
		return apperror.NotFound("prescription request not found")
	}
	if r.Status != StatusDraft && r.Status != StatusPending {
		return ErrConflict
	}
	r.Status = StatusSubmitted
	r.TargetPharmacies = targets
	r.History = append(r.History, change)
	return nil
}

func (m *memRepo) UpsertResponse(_ context.Context, id string, resp *PharmacyResponse) error {
	r := m.requests[id]
	for i := range r.Responses {
		if r.Responses[i].PharmacyID == resp.PharmacyID {
			r.Responses[i] = *resp
			return nil
		}
	}
	r.Responses = append(r.Responses, *resp)
	return nil
}

func (m *memRepo) SelectPharmacy(_ context.Context, id string, sel *SelectedPharmacy, change StatusChange) error {
	r := m.requests[id]
	if r.Selected != nil || (r.Status != StatusPending && r.Status != StatusSubmitted) {
		return ErrConflict
	}
	resp := r.ResponseFrom(sel.PharmacyID)
	if resp == nil || resp.Status != ResponseAccepted {
		return ErrConflict
	}
	r.Selected = sel
	r.Status = StatusAccepted
	r.History = append(r.History, change)
	return nil
}

func (m *memRepo) UpdateStatus(_ context.Context, id string, from, to Status, change StatusChange) error {
	r := m.requests[id]
	if r.Status != from {
		return ErrConflict
	}
	r.Status = to
	r.History = append(r.History, change)
	return nil
}

func (m *memRepo) Queue(_ context.Context, pharmacyID string, statuses []Status) ([]*Request, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusDraft, StatusPending, StatusSubmitted}
	}
	allowed := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		allowed[s] = true
	}
	var out []*Request
	for _, r := range m.requests {
		if r.IsActive && r.Targeted(pharmacyID) && allowed[r.Status] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepo) Stats(_ context.Context, pharmacyID string) (*PharmacyStats, error) {
	return &PharmacyStats{PharmacyID: pharmacyID}, nil
}

// sentCall records one SendBulk invocation on the fake engine.
type sentCall struct {
	Recipients []notification.RecipientRef
	Type       notification.Type
}

type fakeEngine struct {
	sent []sentCall
	fail bool
}

func (f *fakeEngine) SendBulk(_ context.Context, recipients []notification.RecipientRef, typ notification.Type, _ notification.Content, _ notification.SendOptions) (*notification.Notification, error) {
	if f.fail {
		return nil, errors.New("notification store down")
	}
	f.sent = append(f.sent, sentCall{Recipients: recipients, Type: typ})
	return &notification.Notification{ID: "n-1", Type: typ}, nil
}

func (f *fakeEngine) Create(_ context.Context, _ notification.CreateInput) (*notification.Notification, error) {
	return nil, nil
}
func (f *fakeEngine) Send(_ context.Context, _ string, _ directory.Role, _ notification.Type, _ notification.Content, _ notification.SendOptions) (*notification.Notification, error) {
	return nil, nil
}
func (f *fakeEngine) Broadcast(_ context.Context, _ directory.Role, _ notification.Type, _ notification.Content, _ notification.SendOptions, _ []string) (*notification.Notification, error) {
	return nil, nil
}
func (f *fakeEngine) Retry(_ context.Context, _ string, _ []notification.Channel, _ []string) (int, error) {
	return 0, nil
}
func (f *fakeEngine) Cancel(_ context.Context, _, _ string) error { return nil }
func (f *fakeEngine) EmergencyOverride(_ context.Context, _ []string, _ notification.Type, _ notification.Content, _, _ string) (*notification.Notification, error) {
	return nil, nil
}
func (f *fakeEngine) Get(_ context.Context, id string) (*notification.Notification, error) {
	return nil, apperror.NotFound("notification not found: %s", id)
}
func (f *fakeEngine) MarkRead(_ context.Context, _, _ string) error { return nil }
func (f *fakeEngine) Stats(_ context.Context, window time.Duration) (*notification.DeliveryStats, error) {
	return &notification.DeliveryStats{Window: window}, nil
}

type fakeUsers struct{}

func (fakeUsers) Get(_ context.Context, id string) (*directory.User, error) {
	return &directory.User{ID: id, Role: directory.RolePatient, Verified: true}, nil
}
func (fakeUsers) ListVerifiedByRole(_ context.Context, _ directory.Role, _ []string) ([]*directory.User, error) {
	return nil, nil
}

type fakePharmacies struct {
	byID map[string]*directory.Pharmacy
}

func (f *fakePharmacies) Get(_ context.Context, id string) (*directory.Pharmacy, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, apperror.NotFound("pharmacy not found: %s", id)
	}
	return p, nil
}
func (f *fakePharmacies) GetByOwner(_ context.Context, userID string) (*directory.Pharmacy, error) {
	for _, p := range f.byID {
		if p.OwnerUserID == userID {
			return p, nil
		}
	}
	return nil, apperror.NotFound("no pharmacy linked to user %s", userID)
}

func newTestService(engine *fakeEngine) (*Service, *memRepo, *fakePharmacies) {
	repo := newMemRepo()
	pharmacies := &fakePharmacies{byID: map[string]*directory.Pharmacy{
		"ph-1": {ID: "ph-1", Name: "Corner Pharmacy", OwnerUserID: "u-ph1", Active: true},
		"ph-2": {ID: "ph-2", Name: "Main Street Rx", OwnerUserID: "u-ph2", Active: true},
		"ph-3": {ID: "ph-3", Name: "Closed Pharmacy", OwnerUserID: "u-ph3", Active: false},
	}}
	svc := NewService(repo, engine, fakeUsers{}, pharmacies, zap.NewNop())
	return svc, repo, pharmacies
}

var (
	patient = Actor{UserID: "patient-1", Role: directory.RolePatient}
	ph1     = Actor{UserID: "u-ph1", Role: directory.RolePharmacy, PharmacyID: "ph-1"}
	ph2     = Actor{UserID: "u-ph2", Role: directory.RolePharmacy, PharmacyID: "ph-2"}
)

func createSubmitted(t *testing.T, svc *Service, targets []string) *Request {
	t.Helper()
	req, err := svc.Create(context.Background(), "patient-1", validMedications(), Preferences{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	req, err = svc.Submit(context.Background(), req.ID, patient, targets)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return req
}

func TestServiceCreateAndSubmit(t *testing.T) {
	engine := &fakeEngine{}
	svc, _, _ := newTestService(engine)

	req := createSubmitted(t, svc, []string{"ph-1", "ph-2"})
	if req.Status != StatusSubmitted {
		t.Errorf("status = %s, want submitted", req.Status)
	}
	if len(req.TargetPharmacies) != 2 {
		t.Errorf("targets = %v, want two", req.TargetPharmacies)
	}

	// One notification to the patient on create, one fan-out to the two
	// pharmacy owners on submit.
	if len(engine.sent) != 2 {
		t.Fatalf("sent %d notifications, want 2", len(engine.sent))
	}
	if engine.sent[1].Type != notification.TypePrescriptionSubmitted {
		t.Errorf("fan-out type = %s", engine.sent[1].Type)
	}
	if len(engine.sent[1].Recipients) != 2 {
		t.Errorf("fan-out recipients = %d, want 2", len(engine.sent[1].Recipients))
	}
}

func TestServiceSubmitInactivePharmacy(t *testing.T) {
	svc, _, _ := newTestService(&fakeEngine{})
	req, err := svc.Create(context.Background(), "patient-1", validMedications(), Preferences{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.Submit(context.Background(), req.ID, patient, []string{"ph-1", "ph-3"}); !apperror.IsValidation(err) {
		t.Errorf("submit to inactive pharmacy: got %v, want validation error", err)
	}
}

func TestServiceRespondLastWriteWins(t *testing.T) {
	svc, _, _ := newTestService(&fakeEngine{})
	req := createSubmitted(t, svc, []string{"ph-1"})

	if _, _, err := svc.Respond(context.Background(), req.ID, ph1, ActionDecline, ResponseData{}); err != nil {
		t.Fatalf("first response failed: %v", err)
	}
	updated, resp, err := svc.Respond(context.Background(), req.ID, ph1, ActionAccept, ResponseData{Notes: "in stock"})
	if err != nil {
		t.Fatalf("second response failed: %v", err)
	}
	if len(updated.Responses) != 1 {
		t.Fatalf("responses = %d, want 1 (overwrite)", len(updated.Responses))
	}
	if resp.Status != ResponseAccepted || resp.PharmacistNotes != "in stock" {
		t.Errorf("response = %+v, want latest accept", resp)
	}
}

func TestServiceRespondRequiresPharmacy(t *testing.T) {
	svc, _, _ := newTestService(&fakeEngine{})
	req := createSubmitted(t, svc, []string{"ph-1"})

	if _, _, err := svc.Respond(context.Background(), req.ID, patient, ActionAccept, ResponseData{}); !apperror.IsAuthorization(err) {
		t.Errorf("patient responds: got %v, want authorization error", err)
	}
	if _, _, err := svc.Respond(context.Background(), req.ID, ph1, ResponseAction("maybe"), ResponseData{}); !apperror.IsValidation(err) {
		t.Errorf("unknown action: got %v, want validation error", err)
	}
	if _, _, err := svc.Respond(context.Background(), req.ID, ph2, ActionAccept, ResponseData{}); !apperror.IsAuthorization(err) {
		t.Errorf("non-target responds: got %v, want authorization error", err)
	}
}

func TestServiceSelectSingleWinner(t *testing.T) {
	engine := &fakeEngine{}
	svc, _, _ := newTestService(engine)
	req := createSubmitted(t, svc, []string{"ph-1", "ph-2"})

	for _, a := range []Actor{ph1, ph2} {
		if _, _, err := svc.Respond(context.Background(), req.ID, a, ActionAccept, ResponseData{}); err != nil {
			t.Fatalf("respond failed: %v", err)
		}
	}

	selected, err := svc.Select(context.Background(), req.ID, patient, "ph-1", "closest")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if selected.Status != StatusAccepted || selected.Selected == nil || selected.Selected.PharmacyID != "ph-1" {
		t.Errorf("selected = %+v", selected.Selected)
	}

	// A second selection attempt loses.
	if _, err := svc.Select(context.Background(), req.ID, patient, "ph-2", "cheaper"); !apperror.IsInvalidState(err) {
		t.Errorf("second select: got %v, want invalid state error", err)
	}

	// Winner notified, losing accepted responder notified.
	var winner, loser bool
	for _, call := range engine.sent {
		switch call.Type {
		case notification.TypePharmacySelected:
			winner = true
		case notification.TypePharmacyNotSelected:
			loser = true
		}
	}
	if !winner || !loser {
		t.Errorf("selection notifications: winner=%v loser=%v", winner, loser)
	}
}

// conflictRepo forces the storage-level conflict path: the aggregate check
// passes but the conditional write loses the race.
type conflictRepo struct {
	*memRepo
}

func (c *conflictRepo) SelectPharmacy(context.Context, string, *SelectedPharmacy, StatusChange) error {
	return ErrConflict
}

func TestServiceSelectRaceLoserGetsInvalidState(t *testing.T) {
	engine := &fakeEngine{}
	svc, repo, pharmacies := newTestService(engine)
	req := createSubmitted(t, svc, []string{"ph-1"})
	if _, _, err := svc.Respond(context.Background(), req.ID, ph1, ActionAccept, ResponseData{}); err != nil {
		t.Fatalf("respond failed: %v", err)
	}

	racing := NewService(&conflictRepo{repo}, engine, fakeUsers{}, pharmacies, zap.NewNop())
	if _, err := racing.Select(context.Background(), req.ID, patient, "ph-1", ""); !apperror.IsInvalidState(err) {
		t.Errorf("race loser: got %v, want invalid state error", err)
	}
}

func TestServiceCancel(t *testing.T) {
	engine := &fakeEngine{}
	svc, repo, _ := newTestService(engine)
	req := createSubmitted(t, svc, []string{"ph-1", "ph-2"})

	cancelled, err := svc.Cancel(context.Background(), req.ID, patient, "changed my mind")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	last := engine.sent[len(engine.sent)-1]
	if last.Type != notification.TypeRequestCancelled || len(last.Recipients) != 2 {
		t.Errorf("cancel notification = %+v", last)
	}

	// Terminal states cannot be cancelled.
	repo.requests[req.ID].Status = StatusFulfilled
	if _, err := svc.Cancel(context.Background(), req.ID, patient, ""); !apperror.IsInvalidState(err) {
		t.Errorf("cancel fulfilled: got %v, want invalid state error", err)
	}
}

func TestServiceStatusProgression(t *testing.T) {
	svc, _, _ := newTestService(&fakeEngine{})
	req := createSubmitted(t, svc, []string{"ph-1"})
	if _, _, err := svc.Respond(context.Background(), req.ID, ph1, ActionAccept, ResponseData{}); err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	if _, err := svc.Select(context.Background(), req.ID, patient, "ph-1", ""); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	for _, to := range []Status{StatusInPreparation, StatusReady, StatusFulfilled} {
		updated, err := svc.UpdateStatus(context.Background(), req.ID, ph1, to, "")
		if err != nil {
			t.Fatalf("move to %s: %v", to, err)
		}
		if updated.Status != to {
			t.Errorf("status = %s, want %s", updated.Status, to)
		}
	}
}

func TestServiceNotificationFailureDoesNotFailOperation(t *testing.T) {
	engine := &fakeEngine{fail: true}
	svc, _, _ := newTestService(engine)

	req, err := svc.Create(context.Background(), "patient-1", validMedications(), Preferences{})
	if err != nil {
		t.Fatalf("Create should survive a down notification engine: %v", err)
	}
	if _, err := svc.Submit(context.Background(), req.ID, patient, []string{"ph-1"}); err != nil {
		t.Fatalf("Submit should survive a down notification engine: %v", err)
	}
}

func TestServiceVisibilityAndQueue(t *testing.T) {
	svc, _, _ := newTestService(&fakeEngine{})
	req := createSubmitted(t, svc, []string{"ph-1"})

	if _, err := svc.Get(context.Background(), req.ID, Actor{UserID: "patient-2", Role: directory.RolePatient}); !apperror.IsAuthorization(err) {
		t.Errorf("stranger get: got %v, want authorization error", err)
	}
	if _, err := svc.Get(context.Background(), req.ID, ph1); err != nil {
		t.Errorf("target pharmacy get: %v", err)
	}

	queue, err := svc.Queue(context.Background(), ph1, nil)
	if err != nil {
		t.Fatalf("Queue failed: %v", err)
	}
	if len(queue) != 1 {
		t.Errorf("queue = %d entries, want 1", len(queue))
	}
	if _, err := svc.Queue(context.Background(), patient, nil); !apperror.IsAuthorization(err) {
		t.Errorf("patient queue: got %v, want authorization error", err)
	}
	if _, err := svc.Queue(context.Background(), ph1, []Status{"bogus"}); !apperror.IsValidation(err) {
		t.Errorf("bad status filter: got %v, want validation error", err)
	}

	if _, err := svc.Stats(context.Background(), ph1, "ph-2"); !apperror.IsAuthorization(err) {
		t.Errorf("cross-pharmacy stats: got %v, want authorization error", err)
	}
	if _, err := svc.Stats(context.Background(), patient, "ph-1"); !apperror.IsAuthorization(err) {
		t.Errorf("patient stats: got %v, want authorization error", err)
	}
	if _, err := svc.Stats(context.Background(), ph1, "ph-1"); err != nil {
		t.Errorf("own stats: %v", err)
	}
}
