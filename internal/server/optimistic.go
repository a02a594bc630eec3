package server

// SettingState is the reconciliation state of one optimistic settings value:
// applied locally and confirmed, still pending against the remote gate, or
// failed and rolled back.
type SettingState string

const (
	SettingConfirmed SettingState = "confirmed"
	SettingPending   SettingState = "pending"
	SettingFailed    SettingState = "failed"
)

// OptimisticToggle tracks a boolean setting through the
// pending → confirmed/failed lifecycle instead of scattering ad hoc rollback
// logic. The zero value is a confirmed false.
type OptimisticToggle struct {
	State    SettingState `json:"state"`
	Value    bool         `json:"value"`
	Rollback bool         `json:"-"`
	Error    string       `json:"error,omitempty"`
}

// Propose records an optimistic new value, remembering the rollback value
func (t *OptimisticToggle) Propose(value bool) {
	if t.State != SettingPending {
		t.Rollback = t.Value
	}
	t.Value = value
	t.State = SettingPending
}

// Confirm marks the proposed value as accepted
func (t *OptimisticToggle) Confirm() {
	t.State = SettingConfirmed
	t.Error = ""
}

// Reject reverts to the rollback value and records why
func (t *OptimisticToggle) Reject(reason string) {
	t.Value = t.Rollback
	t.State = SettingFailed
	t.Error = reason
}
