package identity

// Principal is the authenticated caller reference used for role derivation.
// It is an opaque textual identity issued by the external identity boundary.
type Principal string

// Anonymous is the zero principal; it never matches any configured role.
const Anonymous Principal = ""

type Role string

const (
	RoleOwner            Role = "owner"
	RoleAdmin            Role = "admin"
	RoleOffChainVerifier Role = "off_chain_verifier"
	RoleBuyer            Role = "buyer"
	RoleSeller           Role = "seller"
)

// RoleSet is the set of roles a caller holds for a given request. A caller
// may hold several roles at once (for example owner and admin).
type RoleSet map[Role]struct{}

func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

func (s RoleSet) add(r Role) {
	s[r] = struct{}{}
}

// Config is the process-wide role configuration. The deployer bootstraps the
// owner; every later mutation requires the current owner.
type Config struct {
	Owner           Principal
	Admin           Principal
	OffChainServer  Principal
	VerifierKeyHash string
}
