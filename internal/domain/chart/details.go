package chart

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Details is the action-specific payload of an audit entry. Each known
// action has its own variant; anything else is carried as OpaqueDetails.
type Details interface {
	detailsFor() Action
}

type SignedDetails struct {
	ContentDigest string `json:"content_digest"`
}

type ClosedDetails struct {
	DocumentRendered bool   `json:"document_rendered"`
	RenderError      string `json:"render_error,omitempty"`
}

type DocumentDetails struct {
	DocumentURL string `json:"document_url"`
	Regenerated bool   `json:"regenerated,omitempty"`
}

type AddendumDetails struct {
	AddendumID uuid.UUID    `json:"addendum_id"`
	Kind       AddendumKind `json:"kind"`
	BodyDigest string       `json:"body_digest"`
}

type CosignDetails struct {
	RecordState State `json:"record_state"`
}

type UnlockDetails struct {
	PriorState    State      `json:"prior_state"`
	PriorSignedAt *time.Time `json:"prior_signed_at,omitempty"`
	PriorClosedAt *time.Time `json:"prior_closed_at,omitempty"`
}

type PreliminaryDetails struct {
	ContentDigest string `json:"content_digest"`
}

// OpaqueDetails preserves a payload this build does not interpret.
type OpaqueDetails struct {
	ActionName Action
	Raw        json.RawMessage
}

func (SignedDetails) detailsFor() Action      { return ActionSigned }
func (ClosedDetails) detailsFor() Action      { return ActionClosed }
func (DocumentDetails) detailsFor() Action    { return ActionPDFGenerated }
func (a AddendumDetails) detailsFor() Action  { return a.Kind.AuditAction() }
func (CosignDetails) detailsFor() Action      { return ActionCosigned }
func (UnlockDetails) detailsFor() Action      { return ActionUnlocked }
func (PreliminaryDetails) detailsFor() Action { return ActionMarkedPreliminary }
func (o OpaqueDetails) detailsFor() Action    { return o.ActionName }

func (o OpaqueDetails) MarshalJSON() ([]byte, error) {
	if len(o.Raw) == 0 {
		return []byte("{}"), nil
	}
	return o.Raw, nil
}

// EncodeDetails serialises d for storage. A nil payload encodes as {}.
func EncodeDetails(d Details) (json.RawMessage, error) {
	if d == nil {
		return json.RawMessage("{}"), nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode %s details: %w", d.detailsFor(), err)
	}
	return b, nil
}

// DecodeDetails parses a stored payload into the variant for action. Known
// actions are decoded strictly; unknown actions round-trip untouched.
func DecodeDetails(action Action, raw json.RawMessage) (Details, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	var target Details
	switch action {
	case ActionSigned:
		target = &SignedDetails{}
	case ActionClosed:
		target = &ClosedDetails{}
	case ActionPDFGenerated:
		target = &DocumentDetails{}
	case KindAddendum.AuditAction(), KindLateEntry.AuditAction(), KindCorrection.AuditAction():
		target = &AddendumDetails{}
	case ActionCosigned:
		target = &CosignDetails{}
	case ActionUnlocked:
		target = &UnlockDetails{}
	case ActionMarkedPreliminary:
		target = &PreliminaryDetails{}
	default:
		return OpaqueDetails{ActionName: action, Raw: append(json.RawMessage(nil), raw...)}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, &ValidationError{Field: "details", Reason: fmt.Sprintf("%s payload: %v", action, err)}
	}

	switch v := target.(type) {
	case *SignedDetails:
		return *v, nil
	case *ClosedDetails:
		return *v, nil
	case *DocumentDetails:
		return *v, nil
	case *AddendumDetails:
		if v.Kind.AuditAction() != action {
			return nil, &ValidationError{Field: "details", Reason: fmt.Sprintf("kind %q does not match action %s", v.Kind, action)}
		}
		return *v, nil
	case *CosignDetails:
		return *v, nil
	case *UnlockDetails:
		return *v, nil
	default:
		return *target.(*PreliminaryDetails), nil
	}
}

func (e *AuditEntry) UnmarshalJSON(data []byte) error {
	type alias AuditEntry
	aux := struct {
		*alias
		Details json.RawMessage `json:"details"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	d, err := DecodeDetails(e.Action, aux.Details)
	if err != nil {
		return err
	}
	e.Details = d
	return nil
}
