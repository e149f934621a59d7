package domain

// DefaultMachineLimit is the per-user cap on simultaneously active tasks
// sharing one remote_addr, overridable per user.
const DefaultMachineLimit = 16

// StopRunCPUHours is the cpu-hours threshold a user must clear before the
// worker RPC surface accepts their stop_run call.
const StopRunCPUHours = 1000

// User is the account record worker RPCs and submitter actions authenticate
// against. Sign-up/authentication flow itself is out of scope;
// this is just the persisted shape the rest of the system reads.
type User struct {
	Username     string  `json:"username"`
	PasswordHash string  `json:"password_hash"`
	Blocked      bool    `json:"blocked"`
	CPUHours     float64 `json:"cpu_hours"`
	MachineLimit int     `json:"machine_limit"`
}

// EffectiveMachineLimit returns u.MachineLimit, falling back to the default
// when the user record doesn't override it (MachineLimit == 0).
func (u *User) EffectiveMachineLimit() int {
	if u.MachineLimit <= 0 {
		return DefaultMachineLimit
	}
	return u.MachineLimit
}

// CanStopRuns reports whether u has accumulated enough cpu-hours to issue
// stop_run RPCs.
func (u *User) CanStopRuns() bool {
	return u.CPUHours >= StopRunCPUHours
}
