package postgres

import (
	"context"
	"fmt"
)

// PrivilegeCheck lists the role attributes of the connected user.
type PrivilegeCheck struct {
	Replication bool `json:"replication" yaml:"replication"`
	CreateDB    bool `json:"create_db" yaml:"create_db"`
	CreateRole  bool `json:"create_role" yaml:"create_role"`
	Superuser   bool `json:"superuser" yaml:"superuser"`
}

const privilegesSQL = `
SELECT rolreplication, rolcreatedb, rolcreaterole, rolsuper
FROM pg_roles
WHERE rolname = current_user`

// CheckPrivileges reads the role attributes of current_user.
func CheckPrivileges(ctx context.Context, q Querier) (PrivilegeCheck, error) {
	var p PrivilegeCheck
	err := q.QueryRow(ctx, privilegesSQL).Scan(&p.Replication, &p.CreateDB, &p.CreateRole, &p.Superuser)
	if err != nil {
		return PrivilegeCheck{}, fmt.Errorf("querying user privileges: %w", err)
	}
	return p, nil
}

// SourceReady reports whether the role can serve as a migration source.
func (p PrivilegeCheck) SourceReady() error {
	if p.Replication || p.Superuser {
		return nil
	}
	return fmt.Errorf("source user needs the REPLICATION attribute or superuser")
}

// TargetReady reports whether the role can receive a migration.
func (p PrivilegeCheck) TargetReady() error {
	if p.CreateDB || p.Superuser {
		return nil
	}
	return fmt.Errorf("target user needs the CREATEDB attribute or superuser")
}
