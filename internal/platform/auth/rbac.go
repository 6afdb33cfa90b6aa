package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer   = "viewer"
	RoleWorker   = "worker"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var roleLevels = map[string]int{
	RoleViewer:   1,
	RoleWorker:   2,
	RoleOperator: 3,
	RoleAdmin:    4,
}

func HasAtLeast(roles []string, required string) bool {
	requiredLevel := roleLevels[strings.ToLower(required)]
	if requiredLevel == 0 {
		return false
	}
	maxLevel := 0
	for _, role := range roles {
		level := roleLevels[strings.ToLower(strings.TrimSpace(role))]
		if level > maxLevel {
			maxLevel = level
		}
	}
	return maxLevel >= requiredLevel
}

var workerActions = map[string]struct{}{
	"start":    {},
	"fail":     {},
	"complete": {},
}

// RequiredRoleForRequest maps routes onto roles: reads need viewer, the
// claim/start/fail/complete callbacks need worker, everything else operator.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	}
	path := strings.Trim(r.URL.Path, "/")
	if path == "runs/claim" {
		return RoleWorker
	}
	parts := strings.Split(path, "/")
	if len(parts) == 3 && parts[0] == "runs" {
		if _, ok := workerActions[parts[2]]; ok {
			return RoleWorker
		}
	}
	return RoleOperator
}
