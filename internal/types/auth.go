package types

// Role is the logical authorization role attached to a facade call.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleMember || r == RoleViewer
}

// Known client surfaces. The surface is recorded for observability only;
// authorization and cost decisions must be identical across surfaces.
const (
	SurfaceWeb = "web"
	SurfaceCLI = "cli"
	SurfaceIDE = "ide"
	SurfaceN8N = "n8n"
)

// AuthorizationContext identifies the caller of a facade operation. It is
// supplied per call and never persisted as-is.
type AuthorizationContext struct {
	UserID  string `json:"user_id"`
	CrewID  string `json:"crew_id"`
	Role    Role   `json:"role"`
	Surface string `json:"surface"`
}

// Validate rejects contexts with unknown roles or missing identity.
func (a *AuthorizationContext) Validate() error {
	if a.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "user id is required"}
	}
	if !a.Role.Valid() {
		return &ValidationError{Field: "role", Reason: "must be owner, member or viewer"}
	}
	return nil
}
