package types

import "fmt"

// Scope is the connection-scoped context supplied by the outer collaborators:
// the authenticated user, an optional tenant discriminator and the
// multitenancy flag. It is built once at connect time and passed explicitly,
// never looked up ambiently.
type Scope struct {
	User        *User
	Tenant      string
	Multitenant bool
}

// Validate returns ErrConfiguration when the multitenancy flag is set but no
// tenant discriminator was supplied. This is fatal to the connection attempt.
func (s Scope) Validate() error {
	if s.Multitenant && s.Tenant == "" {
		return fmt.Errorf("multitenant scope without tenant discriminator: %w", ErrConfiguration)
	}
	return nil
}
