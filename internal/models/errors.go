package models

import "errors"

// ErrOrganizationNotFound is shared by every package that resolves a tenant.
var ErrOrganizationNotFound = errors.New("organization not found")
