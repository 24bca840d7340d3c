package domain

import "strings"

// MinTextLen is the minimum trimmed length of ingestible text.
const MinTextLen = 10

// ValidateIngestText checks the raw text of a submission before any external call.
func ValidateIngestText(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return NewValidationError("text", "", ErrEmptyText)
	}
	if len(trimmed) < MinTextLen {
		return NewValidationError("text", trimmed, ErrTextTooShort)
	}
	return nil
}

// ValidateTenantSlug checks a tenant slug is present.
func ValidateTenantSlug(slug string) error {
	if strings.TrimSpace(slug) == "" {
		return NewValidationError("tenant_slug", slug, ErrMissingTenant)
	}
	return nil
}

// ValidateDocumentType checks the type is one of the recognised values.
func ValidateDocumentType(t DocumentType) error {
	if !ValidDocumentTypes[t] {
		return NewValidationError("type", string(t), ErrUnknownType)
	}
	return nil
}

// ValidateScope checks an explicitly requested scope. Empty means "unspecified"
// and is accepted; the resolver will auto-detect.
func ValidateScope(s Scope) error {
	if s == "" || s == ScopeStandard || s == ScopeClientSpecific {
		return nil
	}
	return NewValidationError("scope", string(s), ErrInvalidScope)
}
