// Package access decides whether a user may read or write a project. The
// same functions back both the REST handlers and the collaboration
// handshake, so the two paths can never drift apart.
package access

import "pagegrid/api/internal/store"

// CanRead reports whether userID may read the project. The owner always
// can; any permission row grants read; otherwise a matching link token
// grants read when link sharing is enabled at all.
func CanRead(project store.Project, perms []store.ProjectPermission, userID, linkToken string) bool {
	if project.OwnerID == userID {
		return true
	}
	for _, perm := range perms {
		if perm.UserID == userID {
			return true
		}
	}
	return project.LinkAccess != store.LinkAccessNone && tokenMatches(project, linkToken)
}

// CanWrite reports whether userID may mutate the project. The owner always
// can; a write permission row grants it; otherwise the link must grant
// write and the token must match.
func CanWrite(project store.Project, perms []store.ProjectPermission, userID, linkToken string) bool {
	if project.OwnerID == userID {
		return true
	}
	for _, perm := range perms {
		if perm.UserID == userID {
			return perm.Permission == store.PermissionWrite
		}
	}
	return project.LinkAccess == store.LinkAccessWrite && tokenMatches(project, linkToken)
}

func tokenMatches(project store.Project, linkToken string) bool {
	return project.LinkToken != "" && linkToken == project.LinkToken
}
