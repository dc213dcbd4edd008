package authorization

import (
	"encoding/json"

	"github.com/liana/backend/internal/domain/shared"
)

// SignatureVerifier checks a signed approval request and returns its JSON payload
type SignatureVerifier interface {
	Verify(signed string) ([]byte, error)
}

// RequestAuthenticityResolver yields the action request to authorize. It runs before
// any permission check: a signed approval request replaces the submitted body, and
// requester_id is only trusted when it comes from such a signed bundle.
type RequestAuthenticityResolver struct {
	verifier SignatureVerifier
}

// NewRequestAuthenticityResolver creates a resolver verifying bundles with verifier
func NewRequestAuthenticityResolver(verifier SignatureVerifier) *RequestAuthenticityResolver {
	return &RequestAuthenticityResolver{verifier: verifier}
}

// Resolve returns the canonical request and whether it comes from a signed approval request
func (r *RequestAuthenticityResolver) Resolve(raw ActionRequest) (ActionRequest, bool, error) {
	signed := raw.Data.Attributes.SignedApprovalRequest
	if signed == "" {
		if raw.Data.Attributes.RequesterID != nil {
			return ActionRequest{}, false, shared.NewUnprocessableEntityError(
				"requester_id is only accepted in a signed approval request")
		}
		return raw, false, nil
	}

	payload, err := r.verifier.Verify(signed)
	if err != nil {
		return ActionRequest{}, false, shared.NewUnprocessableEntityError(
			"The signed approval request could not be verified").WithCause(err)
	}
	var resolved ActionRequest
	if err := json.Unmarshal(payload, &resolved); err != nil {
		return ActionRequest{}, false, shared.NewUnprocessableEntityError(
			"The signed approval request is malformed").WithCause(err)
	}
	resolved.Data.Attributes.SignedApprovalRequest = ""
	return resolved, true, nil
}
