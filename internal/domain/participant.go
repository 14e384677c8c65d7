package domain

// Role identifies which side of the mediated pair a sender belongs to.
// Role assignment is static configuration: the two participant IDs are fixed,
// every other identity is RoleOther and has no relay rights.
type Role string

const (
	// RoleCaregiver is the monitored participant whose conversational content
	// may be summarized and relayed.
	RoleCaregiver Role = "caregiver"
	// RoleSubject is the decision-making participant who confirms relays and
	// may issue administrative commands.
	RoleSubject Role = "subject"
	// RoleOther is any unrecognized identity; conversational only.
	RoleOther Role = "other"
)
