package root

import (
	auditcmd "github.com/tesseradata/tessera/apps/cli/cmd/audit"
	tenantscmd "github.com/tesseradata/tessera/apps/cli/cmd/tenants"
)

func init() {
	Root().AddCommand(tenantscmd.Command())
	Root().AddCommand(auditcmd.Command())
}
