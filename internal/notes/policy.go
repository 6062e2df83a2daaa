package notes

// Operation enumerates the note actions subject to authorization.
type Operation string

const (
	OperationCreate        Operation = "create"
	OperationRead          Operation = "read"
	OperationAppendContent Operation = "append_content"
	OperationShare         Operation = "share"
	OperationDelete        Operation = "delete"
	OperationViewHistory   Operation = "view_history"
)

// DenialReason explains a negative Decision.
type DenialReason string

const (
	DenialNone          DenialReason = ""
	DenialNotFound      DenialReason = "not_found"
	DenialNotAuthorized DenialReason = "not_authorized"
)

// AccessRequest is the input to Authorize. Note is nil when the note does not exist;
// HasGrant reports whether the share registry holds a grant for (note, actor).
type AccessRequest struct {
	Operation Operation
	Note      *Note
	Actor     UserID
	HasGrant  bool
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool
	Reason  DenialReason
}

// Err converts a denial into the matching sentinel error, or nil when allowed.
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Reason == DenialNotFound:
		return ErrNotFound
	default:
		return ErrNotAuthorized
	}
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason DenialReason) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Authorize decides whether the actor may perform the operation. It has no side effects.
//
// Membership in the share set governs read, append, delete and history. Only the owner
// may extend the share set, and a missing note is reported as not authorized for sharing
// so that non-owners cannot probe for note existence.
func Authorize(request AccessRequest) Decision {
	if request.Actor == "" {
		return deny(DenialNotAuthorized)
	}

	switch request.Operation {
	case OperationCreate:
		return allow()
	case OperationShare:
		if request.Note == nil || request.Note.OwnerID != request.Actor.String() {
			return deny(DenialNotAuthorized)
		}
		return allow()
	case OperationRead, OperationAppendContent, OperationDelete, OperationViewHistory:
		if request.Note == nil {
			return deny(DenialNotFound)
		}
		if !request.HasGrant {
			return deny(DenialNotAuthorized)
		}
		return allow()
	default:
		return deny(DenialNotAuthorized)
	}
}
