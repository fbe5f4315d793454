package httpx

type RegisterRequest struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

type SagaResponse struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	UserID       string   `json:"user_id"`
	Status       string   `json:"status"`
	Outcome      string   `json:"outcome"`
	CurrentStep  string   `json:"current_step,omitempty"`
	Completed    []string `json:"completed_steps"`
	Compensated  []string `json:"compensated_steps,omitempty"`
	RetryCount   int      `json:"retry_count"`
	ErrorType    string   `json:"error_type,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	TimeoutAt    string   `json:"timeout_at"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

type TransitionResponse struct {
	From             string `json:"from,omitempty"`
	To               string `json:"to"`
	Step             string `json:"step,omitempty"`
	Reason           string `json:"reason,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	RetryCount       int    `json:"retry_count"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	TraceID          string `json:"trace_id,omitempty"`
	At               string `json:"at"`
}

type AccountResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Transport bool   `json:"transport"`
	Scheduler bool   `json:"scheduler"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
