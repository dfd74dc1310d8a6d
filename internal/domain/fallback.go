package domain

// SystemStatus is the collateral health of the whole vault.
type SystemStatus string

const (
	StatusNormal    SystemStatus = "normal"
	StatusWarning   SystemStatus = "warning"
	StatusEmergency SystemStatus = "emergency"
)

// ConversionStatus is the state of an emergency conversion.
type ConversionStatus string

const (
	ConversionPending   ConversionStatus = "pending"
	ConversionCompleted ConversionStatus = "completed"
	ConversionFailed    ConversionStatus = "failed"
)

// Conversion records the forced conversion of one at-risk bond.
type Conversion struct {
	ID              uint64           `json:"id"`
	BondID          uint64           `json:"bond_id"`
	OriginalAmount  uint64           `json:"original_amount"`
	ConvertedAmount uint64           `json:"converted_amount"`
	ConversionRate  float64          `json:"conversion_rate"`
	Status          ConversionStatus `json:"status"`
	TriggeredAt     Timestamp        `json:"triggered_at"`
	CompletedAt     *Timestamp       `json:"completed_at,omitempty"`
}

// EmergencyActionType classifies an audit log entry.
type EmergencyActionType string

const (
	ActionPause               EmergencyActionType = "pause"
	ActionResume              EmergencyActionType = "resume"
	ActionEmergencyConversion EmergencyActionType = "emergency_conversion"
	ActionRateUpdate          EmergencyActionType = "rate_update"
)

// EmergencyActionStatus is the state of an audit log entry.
type EmergencyActionStatus string

const (
	ActionActive    EmergencyActionStatus = "active"
	ActionCompleted EmergencyActionStatus = "completed"
)

// EmergencyAction is an append-only audit entry of the fallback subsystem.
type EmergencyAction struct {
	ID          uint64                `json:"id"`
	Type        EmergencyActionType   `json:"type"`
	Description string                `json:"description"`
	TriggeredBy Principal             `json:"triggered_by"`
	Timestamp   Timestamp             `json:"timestamp"`
	Status      EmergencyActionStatus `json:"status"`
}

// FallbackStats aggregates conversion history and current health.
type FallbackStats struct {
	TotalConversions       uint64       `json:"total_conversions"`
	TotalConverted         uint64       `json:"total_converted"`
	PendingConversions     uint64       `json:"pending_conversions"`
	EmergencyThreshold     float64      `json:"emergency_threshold"`
	ConversionRate         float64      `json:"conversion_rate"`
	CurrentCollateralRatio float64      `json:"current_collateral_ratio"`
	SystemStatus           SystemStatus `json:"system_status"`
	Paused                 bool         `json:"paused"`
}
