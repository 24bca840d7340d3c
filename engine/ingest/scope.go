package ingest

import (
	"fmt"
	"strings"

	"github.com/isuwiki/isuwiki/engine/domain"
)

// ResolveScope decides a document's final scope from the requested scope, the
// presence of custom objects in its text, and the caller's force flag. The
// returned warning is non-empty only on a downgrade: custom objects never
// enter the shared corpus silently, only via an explicit force.
func ResolveScope(requested domain.Scope, customObjects []string, force bool) (domain.Scope, string) {
	hasCustom := len(customObjects) > 0

	switch requested {
	case domain.ScopeClientSpecific:
		return domain.ScopeClientSpecific, ""
	case domain.ScopeStandard:
		if !hasCustom || force {
			return domain.ScopeStandard, ""
		}
		return domain.ScopeClientSpecific, downgradeWarning(customObjects)
	default: // unspecified: classify from content
		if hasCustom {
			return domain.ScopeClientSpecific, ""
		}
		return domain.ScopeStandard, ""
	}
}

func downgradeWarning(customObjects []string) string {
	shown := customObjects
	if len(shown) > 3 {
		shown = shown[:3]
	}
	return fmt.Sprintf("scope downgraded to CLIENT_SPECIFIC: STANDARD document contains Z objects: %s",
		strings.Join(shown, ", "))
}
