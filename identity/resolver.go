package identity

// ResolveGlobal derives the configuration-backed roles for a caller. It is a
// pure lookup with no side effects.
func ResolveGlobal(cfg Config, caller Principal) RoleSet {
	roles := make(RoleSet, 3)
	if caller == Anonymous {
		return roles
	}
	if caller == cfg.Owner {
		roles.add(RoleOwner)
	}
	if cfg.Admin != Anonymous && caller == cfg.Admin {
		roles.add(RoleAdmin)
	}
	if cfg.OffChainServer != Anonymous && caller == cfg.OffChainServer {
		roles.add(RoleOffChainVerifier)
	}
	return roles
}

// Resolve derives the full role set for a caller against a specific
// agreement's parties.
func Resolve(cfg Config, caller, buyer, seller Principal) RoleSet {
	roles := ResolveGlobal(cfg, caller)
	if caller == Anonymous {
		return roles
	}
	if caller == buyer {
		roles.add(RoleBuyer)
	}
	if caller == seller {
		roles.add(RoleSeller)
	}
	return roles
}
