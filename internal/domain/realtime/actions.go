package realtime

// Action is an activity-log action. Unknown strings parse to ActionUnknown,
// which never produces an event.
type Action int

const (
	ActionUnknown Action = iota
	ActionPatientCreated
	ActionPatientUpdated
	ActionAppointmentCreated
	ActionAppointmentCancelled
	ActionConsultationCompleted
	ActionPrescriptionCreated
	ActionDocumentUploaded
	ActionTaskCompleted
	numActions
)

var actionNames = [...]string{
	ActionUnknown:               "",
	ActionPatientCreated:        "patient_created",
	ActionPatientUpdated:        "patient_updated",
	ActionAppointmentCreated:    "appointment_created",
	ActionAppointmentCancelled:  "appointment_cancelled",
	ActionConsultationCompleted: "consultation_completed",
	ActionPrescriptionCreated:   "prescription_created",
	ActionDocumentUploaded:      "document_uploaded",
	ActionTaskCompleted:         "task_completed",
}

var actionLabels = [...]string{
	ActionUnknown:               "",
	ActionPatientCreated:        "added a patient",
	ActionPatientUpdated:        "updated a patient record",
	ActionAppointmentCreated:    "scheduled an appointment",
	ActionAppointmentCancelled:  "cancelled an appointment",
	ActionConsultationCompleted: "completed a consultation",
	ActionPrescriptionCreated:   "wrote a prescription",
	ActionDocumentUploaded:      "uploaded a document",
	ActionTaskCompleted:         "completed a task",
}

// Both tables must have exactly one entry per action.
var (
	_ = [1]int{}[int(numActions)-len(actionNames)]
	_ = [1]int{}[len(actionNames)-int(numActions)]
	_ = [1]int{}[int(numActions)-len(actionLabels)]
	_ = [1]int{}[len(actionLabels)-int(numActions)]
)

var actionsByName = func() map[string]Action {
	m := make(map[string]Action, numActions)
	for a := ActionUnknown + 1; a < numActions; a++ {
		m[actionNames[a]] = a
	}
	return m
}()

// ParseAction maps an activity-log action string to an Action.
func ParseAction(s string) Action {
	return actionsByName[s]
}

func (a Action) String() string {
	if a <= ActionUnknown || a >= numActions {
		return "unknown"
	}
	return actionNames[a]
}

// Label is the phrase shown after the actor's name.
func (a Action) Label() string {
	if a <= ActionUnknown || a >= numActions {
		return ""
	}
	return actionLabels[a]
}
