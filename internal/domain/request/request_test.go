package request

import (
	"strings"
	"testing"
	"time"

	"github.com/carebridge/rxmarket/internal/directory"
	"github.com/carebridge/rxmarket/internal/domain/apperror"
)

func validMedications() []Medication {
	return []Medication{
		{Name: "Lisinopril", Dosage: "10mg", Quantity: 30, Unit: "tablet"},
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("", validMedications(), Preferences{}); !apperror.IsValidation(err) {
		t.Errorf("missing patient id: got %v, want validation error", err)
	}
	if _, err := New("patient-1", nil, Preferences{}); !apperror.IsValidation(err) {
		t.Errorf("no medications: got %v, want validation error", err)
	}
	if _, err := New("patient-1", []Medication{{Name: "", Quantity: 1}}, Preferences{}); !apperror.IsValidation(err) {
		t.Errorf("unnamed medication: got %v, want validation error", err)
	}
	if _, err := New("patient-1", []Medication{{Name: "X", Quantity: 0}}, Preferences{}); !apperror.IsValidation(err) {
		t.Errorf("zero quantity: got %v, want validation error", err)
	}
	if _, err := New("patient-1", validMedications(), Preferences{DeliveryMethod: "teleport"}); !apperror.IsValidation(err) {
		t.Errorf("unknown delivery method: got %v, want validation error", err)
	}
	if _, err := New("patient-1", validMedications(), Preferences{DeliveryMethod: DeliveryCourier}); !apperror.IsValidation(err) {
		t.Errorf("courier without address: got %v, want validation error", err)
	}
}

func TestNewDefaults(t *testing.T) {
	req, err := New("patient-1", validMedications(), Preferences{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if req.Status != StatusDraft {
		t.Errorf("status = %s, want draft", req.Status)
	}
	if req.Preferences.DeliveryMethod != DeliveryEither {
		t.Errorf("delivery method = %s, want either", req.Preferences.DeliveryMethod)
	}
	if !req.IsActive {
		t.Error("new request should be active")
	}
	if len(req.History) != 1 || req.History[0].Status != StatusDraft {
		t.Errorf("history = %+v, want single draft entry", req.History)
	}
	if !strings.HasPrefix(req.Number, "RX-") {
		t.Errorf("number = %s, want RX- prefix", req.Number)
	}
}

func TestCanTransition(t *testing.T) {
	forward := []Status{
		StatusDraft, StatusPending, StatusSubmitted, StatusAccepted,
		StatusInPreparation, StatusReady, StatusFulfilled,
	}
	for i := 0; i < len(forward)-1; i++ {
		if !CanTransition(forward[i], forward[i+1]) {
			t.Errorf("expected %s -> %s to be legal", forward[i], forward[i+1])
		}
	}

	// No skipping, no going back.
	if CanTransition(StatusSubmitted, StatusReady) {
		t.Error("submitted -> ready should be illegal")
	}
	if CanTransition(StatusReady, StatusSubmitted) {
		t.Error("ready -> submitted should be illegal")
	}

	// Cancel from any non-terminal state; never out of a terminal one.
	for _, s := range forward[:len(forward)-1] {
		if !CanTransition(s, StatusCancelled) {
			t.Errorf("expected %s -> cancelled to be legal", s)
		}
	}
	if CanTransition(StatusFulfilled, StatusCancelled) {
		t.Error("fulfilled -> cancelled should be illegal")
	}
	if CanTransition(StatusCancelled, StatusPending) {
		t.Error("cancelled is terminal")
	}
}

func TestValidateSubmit(t *testing.T) {
	req, _ := New("patient-1", validMedications(), Preferences{})
	owner := Actor{UserID: "patient-1", Role: directory.RolePatient}
	stranger := Actor{UserID: "patient-2", Role: directory.RolePatient}

	if err := req.ValidateSubmit(owner, []string{"ph-1", "ph-2"}); err != nil {
		t.Errorf("owner submit: %v", err)
	}
	if err := req.ValidateSubmit(stranger, []string{"ph-1"}); !apperror.IsAuthorization(err) {
		t.Errorf("stranger submit: got %v, want authorization error", err)
	}
	if err := req.ValidateSubmit(owner, nil); !apperror.IsValidation(err) {
		t.Errorf("empty targets: got %v, want validation error", err)
	}
	if err := req.ValidateSubmit(owner, []string{"ph-1", "ph-1"}); !apperror.IsValidation(err) {
		t.Errorf("duplicate targets: got %v, want validation error", err)
	}

	req.Status = StatusSubmitted
	if err := req.ValidateSubmit(owner, []string{"ph-3"}); !apperror.IsInvalidState(err) {
		t.Errorf("resubmit: got %v, want invalid state error", err)
	}
}

func TestValidateResponse(t *testing.T) {
	req, _ := New("patient-1", validMedications(), Preferences{})
	req.Status = StatusSubmitted
	req.TargetPharmacies = []string{"ph-1", "ph-2"}

	if err := req.ValidateResponse("ph-1"); err != nil {
		t.Errorf("targeted pharmacy: %v", err)
	}
	if err := req.ValidateResponse(""); !apperror.IsAuthorization(err) {
		t.Errorf("no pharmacy link: got %v, want authorization error", err)
	}
	if err := req.ValidateResponse("ph-9"); !apperror.IsAuthorization(err) {
		t.Errorf("non-target pharmacy: got %v, want authorization error", err)
	}

	req.Status = StatusAccepted
	if err := req.ValidateResponse("ph-1"); !apperror.IsInvalidState(err) {
		t.Errorf("responses after acceptance: got %v, want invalid state error", err)
	}
}

func TestValidateSelect(t *testing.T) {
	req, _ := New("patient-1", validMedications(), Preferences{})
	req.Status = StatusSubmitted
	req.TargetPharmacies = []string{"ph-1", "ph-2"}
	req.Responses = []PharmacyResponse{
		{PharmacyID: "ph-1", Status: ResponseAccepted, RespondedAt: time.Now()},
		{PharmacyID: "ph-2", Status: ResponseDeclined, RespondedAt: time.Now()},
	}
	owner := Actor{UserID: "patient-1", Role: directory.RolePatient}

	if err := req.ValidateSelect(owner, "ph-1"); err != nil {
		t.Errorf("select accepted responder: %v", err)
	}
	if err := req.ValidateSelect(owner, "ph-2"); !apperror.IsInvalidState(err) {
		t.Errorf("select declined responder: got %v, want invalid state error", err)
	}
	if err := req.ValidateSelect(owner, "ph-9"); !apperror.IsInvalidState(err) {
		t.Errorf("select non-responder: got %v, want invalid state error", err)
	}
	if err := req.ValidateSelect(Actor{UserID: "patient-2", Role: directory.RolePatient}, "ph-1"); !apperror.IsAuthorization(err) {
		t.Errorf("stranger select: got %v, want authorization error", err)
	}

	req.Selected = &SelectedPharmacy{PharmacyID: "ph-1", SelectedAt: time.Now()}
	if err := req.ValidateSelect(owner, "ph-1"); !apperror.IsInvalidState(err) {
		t.Errorf("second select: got %v, want invalid state error", err)
	}
}

func TestValidateStatusChangeRoleGates(t *testing.T) {
	req, _ := New("patient-1", validMedications(), Preferences{})
	req.Status = StatusAccepted
	req.Selected = &SelectedPharmacy{PharmacyID: "ph-1", SelectedAt: time.Now()}

	winner := Actor{UserID: "u-ph1", Role: directory.RolePharmacy, PharmacyID: "ph-1"}
	loser := Actor{UserID: "u-ph2", Role: directory.RolePharmacy, PharmacyID: "ph-2"}
	owner := Actor{UserID: "patient-1", Role: directory.RolePatient}
	admin := Actor{UserID: "admin-1", Role: directory.RoleAdmin}

	if err := req.ValidateStatusChange(winner, StatusInPreparation); err != nil {
		t.Errorf("winner progresses: %v", err)
	}
	if err := req.ValidateStatusChange(loser, StatusInPreparation); !apperror.IsAuthorization(err) {
		t.Errorf("non-selected pharmacy: got %v, want authorization error", err)
	}
	if err := req.ValidateStatusChange(owner, StatusInPreparation); !apperror.IsAuthorization(err) {
		t.Errorf("patient progresses: got %v, want authorization error", err)
	}
	if err := req.ValidateStatusChange(owner, StatusCancelled); err != nil {
		t.Errorf("patient cancels: %v", err)
	}
	if err := req.ValidateStatusChange(admin, StatusInPreparation); err != nil {
		t.Errorf("admin progresses: %v", err)
	}
	if err := req.ValidateStatusChange(admin, StatusReady); !apperror.IsInvalidState(err) {
		t.Errorf("skipping a state: got %v, want invalid state error", err)
	}
	if err := req.ValidateStatusChange(admin, Status("bogus")); !apperror.IsValidation(err) {
		t.Errorf("unknown status: got %v, want validation error", err)
	}
}

func TestValidateCancel(t *testing.T) {
	req, _ := New("patient-1", validMedications(), Preferences{})
	owner := Actor{UserID: "patient-1", Role: directory.RolePatient}
	pharmacy := Actor{UserID: "u-ph1", Role: directory.RolePharmacy, PharmacyID: "ph-1"}

	for _, s := range []Status{StatusDraft, StatusSubmitted, StatusAccepted, StatusReady} {
		req.Status = s
		if err := req.ValidateCancel(owner); err != nil {
			t.Errorf("cancel from %s: %v", s, err)
		}
	}

	req.Status = StatusFulfilled
	if err := req.ValidateCancel(owner); !apperror.IsInvalidState(err) {
		t.Errorf("cancel fulfilled: got %v, want invalid state error", err)
	}

	req.Status = StatusSubmitted
	if err := req.ValidateCancel(pharmacy); !apperror.IsAuthorization(err) {
		t.Errorf("pharmacy cancels: got %v, want authorization error", err)
	}
}

func TestVisibleTo(t *testing.T) {
	req, _ := New("patient-1", validMedications(), Preferences{})
	req.TargetPharmacies = []string{"ph-1"}

	cases := []struct {
		name  string
		actor Actor
		want  bool
	}{
		{"owner", Actor{UserID: "patient-1", Role: directory.RolePatient}, true},
		{"other patient", Actor{UserID: "patient-2", Role: directory.RolePatient}, false},
		{"target pharmacy", Actor{UserID: "u1", Role: directory.RolePharmacy, PharmacyID: "ph-1"}, true},
		{"other pharmacy", Actor{UserID: "u2", Role: directory.RolePharmacy, PharmacyID: "ph-9"}, false},
		{"admin", Actor{UserID: "admin", Role: directory.RoleAdmin}, true},
	}
	for _, tc := range cases {
		if got := req.VisibleTo(tc.actor); got != tc.want {
			t.Errorf("%s: VisibleTo = %v, want %v", tc.name, got, tc.want)
		}
	}
}
