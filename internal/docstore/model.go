package docstore

import (
	"fmt"
	"time"
)

// Document is the persisted form of a stored document.
type Document struct {
	Path             string `gorm:"column:path;primaryKey;size:512;not null"`
	Collection       string `gorm:"column:collection;size:512;not null;index:idx_documents_collection,priority:1"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;index:idx_documents_collection,priority:2"`
	FieldsJSON       string `gorm:"column:fields_json;type:text;not null"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

func newDocument(ref DocumentRef, fieldsJSON string, now time.Time) Document {
	return Document{
		Path:             ref.Path(),
		Collection:       ref.Parent().Path(),
		DocumentID:       ref.ID(),
		FieldsJSON:       fieldsJSON,
		Version:          1,
		CreatedAtSeconds: now.Unix(),
		UpdatedAtSeconds: now.Unix(),
	}
}

func (d Document) snapshot() (DocumentSnapshot, error) {
	ref, err := ParseDocumentPath(d.Path)
	if err != nil {
		return DocumentSnapshot{}, err
	}
	fields, err := decodeFields(d.FieldsJSON)
	if err != nil {
		return DocumentSnapshot{}, fmt.Errorf("docstore: decode %s: %w", d.Path, err)
	}
	return DocumentSnapshot{
		Ref:       ref,
		Exists:    true,
		Fields:    fields,
		Version:   d.Version,
		UpdatedAt: time.Unix(d.UpdatedAtSeconds, 0).UTC(),
	}, nil
}

// DecodedFields parses the stored field content.
func (d Document) DecodedFields() (Fields, error) {
	return decodeFields(d.FieldsJSON)
}

// ReplaceFields encodes fields as the stored content and bumps the version.
func (d *Document) ReplaceFields(fields Fields, now time.Time) error {
	encoded, err := encodeFields(fields)
	if err != nil {
		return err
	}
	d.FieldsJSON = encoded
	d.Version++
	d.UpdatedAtSeconds = now.Unix()
	return nil
}
