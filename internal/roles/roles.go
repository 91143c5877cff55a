package roles

type Role string
type Capability string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleGuest  Role = "guest"
)

const (
	CapRead        Capability = "read"
	CapWrite       Capability = "write"
	CapDelete      Capability = "delete"
	CapShare       Capability = "share"
	CapManage      Capability = "manage"
	CapViewHistory Capability = "viewHistory"
)

// Capabilities is the fixed bundle derived from a role. The mapping is total:
// every role yields a full struct, never a partial one assembled at runtime.
type Capabilities struct {
	Read        bool `json:"read"`
	Write       bool `json:"write"`
	Delete      bool `json:"delete"`
	Share       bool `json:"share"`
	Manage      bool `json:"manage"`
	ViewHistory bool `json:"viewHistory"`
}

func CapabilitiesFor(role Role) Capabilities {
	switch role {
	case RoleOwner, RoleAdmin:
		return Capabilities{Read: true, Write: true, Delete: true, Share: true, Manage: true, ViewHistory: true}
	case RoleEditor:
		return Capabilities{Read: true, Write: true, Share: true, ViewHistory: true}
	case RoleViewer:
		return Capabilities{Read: true, ViewHistory: true}
	case RoleGuest:
		return Capabilities{Read: true}
	default:
		return Capabilities{}
	}
}

func Can(role Role, capability Capability) bool {
	caps := CapabilitiesFor(role)
	switch capability {
	case CapRead:
		return caps.Read
	case CapWrite:
		return caps.Write
	case CapDelete:
		return caps.Delete
	case CapShare:
		return caps.Share
	case CapManage:
		return caps.Manage
	case CapViewHistory:
		return caps.ViewHistory
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleAdmin, RoleEditor, RoleViewer, RoleGuest:
		return Role(role)
	default:
		return RoleGuest
	}
}

// Valid reports whether the string names a known role. Unlike Normalize it
// does not fall back, so callers can reject bad input instead of downgrading.
func Valid(role string) bool {
	switch Role(role) {
	case RoleOwner, RoleAdmin, RoleEditor, RoleViewer, RoleGuest:
		return true
	default:
		return false
	}
}
