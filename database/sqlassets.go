package sqlassets

import _ "embed"

//go:embed schema/platform/audit_log.sql
var AuditLogSQL string
