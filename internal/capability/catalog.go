// Package capability composes the permission engine, shell sessions, file
// access and tool servers into one registry of named capabilities with a
// typed dispatch surface, health probes, statistics and lifecycle.
package capability

import (
	"slices"

	"github.com/mfateev/gatekeeper/internal/permission"
)

// Category groups capabilities for reporting.
type Category string

const (
	CategoryExecution   Category = "execution"
	CategoryFilesystem  Category = "filesystem"
	CategoryIntegration Category = "integration"
	CategorySecurity    Category = "security"
)

// Subsystem names used as capability dependencies.
const (
	SubsystemPermissions = "permissions"
	SubsystemShell       = "shell"
	SubsystemFiles       = "files"
	SubsystemServers     = "servers"
)

// Capability names.
const (
	ShellExecute    = "shell.execute"
	ShellSessions   = "shell.sessions"
	FileReadCap     = "file.read"
	FileWriteCap    = "file.write"
	McpManage       = "mcp.manage"
	McpInvoke       = "mcp.invoke"
	McpResources    = "mcp.resources"
	PermissionAudit = "permission.audit"
)

// Capability is one catalog entry.
type Capability struct {
	Name         string            `json:"name"`
	Category     Category          `json:"category"`
	Description  string            `json:"description"`
	Permissions  []permission.Type `json:"permissions"`
	Dependencies []string          `json:"dependencies"`
}

func defaultCatalog() []Capability {
	return []Capability{
		{
			Name:         ShellExecute,
			Category:     CategoryExecution,
			Description:  "Run a command in a persistent shell session",
			Permissions:  []permission.Type{permission.ShellExecute},
			Dependencies: []string{SubsystemShell, SubsystemPermissions},
		},
		{
			Name:         ShellSessions,
			Category:     CategoryExecution,
			Description:  "Create, list and close shell sessions",
			Dependencies: []string{SubsystemShell},
		},
		{
			Name:         FileReadCap,
			Category:     CategoryFilesystem,
			Description:  "Read a file",
			Permissions:  []permission.Type{permission.FileRead},
			Dependencies: []string{SubsystemFiles, SubsystemPermissions},
		},
		{
			Name:         FileWriteCap,
			Category:     CategoryFilesystem,
			Description:  "Write or append to a file",
			Permissions:  []permission.Type{permission.FileWrite},
			Dependencies: []string{SubsystemFiles, SubsystemPermissions},
		},
		{
			Name:         McpManage,
			Category:     CategoryIntegration,
			Description:  "Register, connect and disconnect tool servers",
			Permissions:  []permission.Type{permission.McpConnect},
			Dependencies: []string{SubsystemServers, SubsystemPermissions},
		},
		{
			Name:         McpInvoke,
			Category:     CategoryIntegration,
			Description:  "List and call tools on connected tool servers",
			Permissions:  []permission.Type{permission.McpExecute},
			Dependencies: []string{SubsystemServers, SubsystemPermissions},
		},
		{
			Name:         McpResources,
			Category:     CategoryIntegration,
			Description:  "Read a resource from a connected tool server",
			Permissions:  []permission.Type{permission.McpResourceRead},
			Dependencies: []string{SubsystemServers, SubsystemPermissions},
		},
		{
			Name:         PermissionAudit,
			Category:     CategorySecurity,
			Description:  "List and revoke recorded grants",
			Dependencies: []string{SubsystemPermissions},
		},
	}
}

// DependencyProblem names a capability whose subsystem is not wired.
type DependencyProblem struct {
	Capability string `json:"capability"`
	Missing    string `json:"missing"`
}

func checkDependencies(catalog []Capability, available []string) []DependencyProblem {
	var problems []DependencyProblem
	for _, c := range catalog {
		for _, dep := range c.Dependencies {
			if !slices.Contains(available, dep) {
				problems = append(problems, DependencyProblem{Capability: c.Name, Missing: dep})
			}
		}
	}
	return problems
}
