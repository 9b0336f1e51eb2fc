package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks a remote payload whose shape cannot be trusted.
// Callers treat it as "no data yet", never as a hard failure.
var ErrMalformed = errors.New("malformed snapshot")

type Role string

const (
	RoleOwner    Role = "owner"
	RoleWriter   Role = "writer"
	RoleReviewer Role = "reviewer"
	RoleReader   Role = "reader"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleWriter, RoleReviewer, RoleReader:
		return true
	}
	return false
}

// CanWrite reports whether the role may replace document content.
func (r Role) CanWrite() bool {
	return r == RoleOwner || r == RoleWriter
}

type SectionKind string

const (
	KindBulleted  SectionKind = "bulleted"
	KindNumbered  SectionKind = "numbered"
	KindChecklist SectionKind = "checklist"
)

type Item struct {
	Text      string `json:"text"`
	Completed *bool  `json:"completed,omitempty"` // checklist only
}

type Section struct {
	ID    string      `json:"id"`
	Kind  SectionKind `json:"kind"`
	Items []Item      `json:"items"`
}

// clone copies s down to each item's completion flag.
func (s Section) clone() Section {
	items := make([]Item, len(s.Items))
	for i, it := range s.Items {
		if it.Completed != nil {
			done := *it.Completed
			it.Completed = &done
		}
		items[i] = it
	}
	s.Items = items
	return s
}

func (s *Section) validate() error {
	switch s.Kind {
	case KindBulleted, KindNumbered:
		for i := range s.Items {
			s.Items[i].Completed = nil
		}
	case KindChecklist:
		for i := range s.Items {
			if s.Items[i].Completed == nil {
				done := false
				s.Items[i].Completed = &done
			}
		}
	default:
		return fmt.Errorf("section %q has unknown kind %q", s.ID, s.Kind)
	}
	if s.ID == "" {
		return errors.New("section without id")
	}
	return nil
}

// Field names a mergeable document field. The string value is the JSON key.
type Field string

const (
	FieldTitle          Field = "title"
	FieldBody           Field = "body"
	FieldSections       Field = "sections"
	FieldAttachmentRefs Field = "attachmentRefs"
	FieldCategoryRefs   Field = "categoryRefs"
)

// Fields lists every mergeable field in a stable order.
var Fields = []Field{FieldTitle, FieldBody, FieldSections, FieldAttachmentRefs, FieldCategoryRefs}

func (f Field) Valid() bool {
	for _, known := range Fields {
		if f == known {
			return true
		}
	}
	return false
}

type Document struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Sections       []Section       `json:"sections"`
	AttachmentRefs []string        `json:"attachmentRefs"`
	CategoryRefs   []string        `json:"categoryRefs"`
	Revision       int64           `json:"revision"`
	OwnerID        string          `json:"ownerId"`
	Collaborators  map[string]Role `json:"collaborators"`
}

// NewDocument returns an empty document owned by ownerID.
func NewDocument(id, ownerID string) Document {
	d := Document{ID: id, OwnerID: ownerID}
	d.Normalize()
	return d
}

// Normalize keeps the owner inside the collaborator map and replaces nil
// slices so the JSON form is stable.
func (d *Document) Normalize() {
	if d.Collaborators == nil {
		d.Collaborators = make(map[string]Role)
	}
	if d.OwnerID != "" {
		d.Collaborators[d.OwnerID] = RoleOwner
	}
	if d.Sections == nil {
		d.Sections = []Section{}
	}
	if d.AttachmentRefs == nil {
		d.AttachmentRefs = []string{}
	}
	if d.CategoryRefs == nil {
		d.CategoryRefs = []string{}
	}
}

// RoleOf returns the role of userID, or RoleReader for strangers.
func (d *Document) RoleOf(userID string) Role {
	if userID != "" && userID == d.OwnerID {
		return RoleOwner
	}
	if r, ok := d.Collaborators[userID]; ok {
		return r
	}
	return RoleReader
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	out := d
	out.Sections = make([]Section, len(d.Sections))
	for i, s := range d.Sections {
		out.Sections[i] = s.clone()
	}
	out.AttachmentRefs = append([]string{}, d.AttachmentRefs...)
	out.CategoryRefs = append([]string{}, d.CategoryRefs...)
	out.Collaborators = make(map[string]Role, len(d.Collaborators))
	for k, v := range d.Collaborators {
		out.Collaborators[k] = v
	}
	return out
}

// CopyField copies one field from src into d.
func (d *Document) CopyField(f Field, src *Document) {
	switch f {
	case FieldTitle:
		d.Title = src.Title
	case FieldBody:
		d.Body = src.Body
	case FieldSections:
		d.Sections = append([]Section{}, src.Sections...)
	case FieldAttachmentRefs:
		d.AttachmentRefs = append([]string{}, src.AttachmentRefs...)
	case FieldCategoryRefs:
		d.CategoryRefs = append([]string{}, src.CategoryRefs...)
	}
}

// SetField assigns a locally edited value, checking its type.
func (d *Document) SetField(f Field, value any) error {
	switch f {
	case FieldTitle, FieldBody:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %s expects a string, got %T", f, value)
		}
		if f == FieldTitle {
			d.Title = s
		} else {
			d.Body = s
		}
	case FieldSections:
		sections, ok := value.([]Section)
		if !ok {
			return fmt.Errorf("field %s expects []Section, got %T", f, value)
		}
		owned := make([]Section, len(sections))
		for i := range sections {
			owned[i] = sections[i].clone()
			if err := owned[i].validate(); err != nil {
				return err
			}
		}
		d.Sections = owned
	case FieldAttachmentRefs, FieldCategoryRefs:
		refs, ok := value.([]string)
		if !ok {
			return fmt.Errorf("field %s expects []string, got %T", f, value)
		}
		if f == FieldAttachmentRefs {
			d.AttachmentRefs = append([]string{}, refs...)
		} else {
			d.CategoryRefs = append([]string{}, refs...)
		}
	default:
		return fmt.Errorf("unknown field %q", f)
	}
	return nil
}

// DecodeDocument validates a remote payload. It returns the decoded
// document and the set of mergeable fields that were present and well
// formed. A field that fails validation is left out of the set instead of
// failing the whole payload. A null payload or a non-object yields
// ErrMalformed.
func DecodeDocument(raw json.RawMessage) (Document, map[Field]bool, error) {
	var doc Document
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return doc, nil, ErrMalformed
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return doc, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	present := make(map[Field]bool)
	decode := func(key string, dst any) bool {
		v, ok := fields[key]
		if !ok {
			return false
		}
		return json.Unmarshal(v, dst) == nil
	}

	decode("id", &doc.ID)
	decode("ownerId", &doc.OwnerID)
	decode("revision", &doc.Revision)
	var collab map[string]Role
	if decode("collaborators", &collab) {
		for user, role := range collab {
			if role.Valid() {
				if doc.Collaborators == nil {
					doc.Collaborators = make(map[string]Role)
				}
				doc.Collaborators[user] = role
			}
		}
	}

	if decode(string(FieldTitle), &doc.Title) {
		present[FieldTitle] = true
	}
	if decode(string(FieldBody), &doc.Body) {
		present[FieldBody] = true
	}
	var sections []Section
	if decode(string(FieldSections), &sections) {
		ok := true
		for i := range sections {
			if err := sections[i].validate(); err != nil {
				ok = false
				break
			}
		}
		if ok {
			doc.Sections = sections
			present[FieldSections] = true
		}
	}
	if decode(string(FieldAttachmentRefs), &doc.AttachmentRefs) {
		present[FieldAttachmentRefs] = true
	}
	if decode(string(FieldCategoryRefs), &doc.CategoryRefs) {
		present[FieldCategoryRefs] = true
	}

	doc.Normalize()
	return doc, present, nil
}
