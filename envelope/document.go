package envelope

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/jmcleod/medseal/internal/util"
)

// SchemaMetadataV1 tags the plaintext metadata document.
const SchemaMetadataV1 = "medical-record-metadata@1"

const isoMillis = "2006-01-02T15:04:05.000Z"

//go:embed metadata_schema.json
var metadataSchema []byte

var metadataSchemaLoader = gojsonschema.NewBytesLoader(metadataSchema)

// MetadataDocument is the plaintext describing one exam before encryption.
// Files lists content ids of raw attachments, never of other envelopes.
type MetadataDocument struct {
	Schema            string   `json:"schema"`
	CreatedAt         string   `json:"createdAt,omitempty"`
	PatientHash       string   `json:"patientHash,omitempty"`
	PatientIdentifier string   `json:"patientIdentifier,omitempty"`
	ExamType          string   `json:"examType"`
	Date              string   `json:"date,omitempty"`
	Files             []string `json:"files"`
	NotesHash         *string  `json:"notesHash"`
}

// NewMetadataDocument builds a document stamped with the current time.
// Text fields are NFC-normalised and files is never nil.
func NewMetadataDocument(patientHash, examType, date string, files []string, notesHash string) *MetadataDocument {
	doc := &MetadataDocument{
		Schema:      SchemaMetadataV1,
		CreatedAt:   time.Now().UTC().Format(isoMillis),
		PatientHash: patientHash,
		ExamType:    util.Normalize(strings.TrimSpace(examType)),
		Date:        strings.TrimSpace(date),
		Files:       make([]string, 0, len(files)),
	}
	for _, f := range files {
		if f = strings.TrimSpace(f); f != "" {
			doc.Files = append(doc.Files, f)
		}
	}
	if notesHash = strings.TrimSpace(notesHash); notesHash != "" {
		doc.NotesHash = &notesHash
	}
	return doc
}

// Validate checks the document against the embedded JSON Schema and checks
// that every attachment reference is a parseable content id.
func (d *MetadataDocument) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	result, err := gojsonschema.Validate(metadataSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidDocument, strings.Join(msgs, "; "))
	}
	for i, f := range d.Files {
		if _, err := cid.Decode(f); err != nil {
			return fmt.Errorf("%w: files[%d] %q is not a content id", ErrInvalidDocument, i, f)
		}
	}
	return nil
}
