package event

// Event types.
const (
	TypeUserRegistered       = "USER_REGISTERED"
	TypeUserDeleted          = "USER_DELETED"
	TypeUserManagementStatus = "USER_MANAGEMENT_STATUS"
	TypeSagaStatus           = "SAGA_STATUS"
)

// Topics.
const (
	TopicUserEvents = "user-events"
	TopicUserStatus = "user-status"
	TopicSagaStatus = "saga-status"
)

// Deletion reasons carried by UserDeleted.
const (
	ReasonUserRequest  = "USER_REQUEST"
	ReasonCompensation = "COMPENSATION"
)

// UserRegistered asks the profile owner to create a profile.
type UserRegistered struct {
	// SagaID is the originating saga; the participant echoes it back.
	SagaID  string `json:"sagaId"`
	Step    string `json:"step"`
	Attempt int    `json:"attempt"`

	UserID      string `json:"userId"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// UserDeleted asks the profile owner to remove a profile.
type UserDeleted struct {
	SagaID  string `json:"sagaId"`
	Step    string `json:"step,omitempty"`
	Attempt int    `json:"attempt,omitempty"`

	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

// UserManagementStatus is the participant's report on one command.
type UserManagementStatus struct {
	// SagaID is the participant's own saga.
	SagaID       string `json:"sagaId"`
	OriginSagaID string `json:"originSagaId"`
	Step         string `json:"step"`
	Attempt      int    `json:"attempt,omitempty"`

	// Status is the participant saga's terminal status.
	Status           string `json:"status"`
	ErrorType        string `json:"errorType,omitempty"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	Output           string `json:"output,omitempty"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
}

// SagaStatus announces that a saga reached a terminal status.
type SagaStatus struct {
	SagaID           string   `json:"sagaId"`
	SagaType         string   `json:"sagaType"`
	UserID           string   `json:"userId"`
	Status           string   `json:"status"`
	Outcome          string   `json:"outcome"`
	ErrorType        string   `json:"errorType,omitempty"`
	ErrorMessage     string   `json:"errorMessage,omitempty"`
	CompletedSteps   []string `json:"completedSteps,omitempty"`
	CompensatedSteps []string `json:"compensatedSteps,omitempty"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
}
