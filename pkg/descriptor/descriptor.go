// Package descriptor reads the document descriptors produced by the upstream
// OCR and metadata extractors and turns them into raw bytes plus text the
// ingestion pipeline can hash.
//
// A descriptor is JSON:
//
//	{
//	  "source_name": "discovery-2019",
//	  "collection": "box-12",
//	  "original_identifier": "box-12/0042.pdf",
//	  "format": "pdf",
//	  "raw_path": "0042.pdf",
//	  "extracted_text": "...",
//	  "document_type": "letter",
//	  "metadata": {"date": "1998-04-02", "from": "...", "to": "...", "subject": "..."},
//	  "ocr_quality_score": 0.87
//	}
//
// raw_bytes (base64) may replace raw_path. When extracted_text is absent the
// text is pulled from the raw file itself for HTML, PDF and plain text.
package descriptor

import (
	"fmt"
	"math"
	"strings"

	"github.com/japaniel/docdedup/pkg/db"
)

// Descriptor is one document as delivered by the extractors.
type Descriptor struct {
	SourceName         string      `json:"source_name"`
	Collection         string      `json:"collection,omitempty"`
	OriginalIdentifier string      `json:"original_identifier"`
	Format             string      `json:"format,omitempty"`
	RawBytes           []byte      `json:"raw_bytes,omitempty"`
	RawPath            string      `json:"raw_path,omitempty"`
	ExtractedText      string      `json:"extracted_text,omitempty"`
	DocumentType       string      `json:"document_type,omitempty"`
	Metadata           db.Metadata `json:"metadata"`
	OCRQualityScore    *float64    `json:"ocr_quality_score,omitempty"`
}

// Defaults fills descriptor fields the extractors left empty.
type Defaults struct {
	SourceName string
	Collection string
}

func (d *Descriptor) applyDefaults(def Defaults) {
	if strings.TrimSpace(d.SourceName) == "" {
		d.SourceName = def.SourceName
	}
	if strings.TrimSpace(d.Collection) == "" {
		d.Collection = def.Collection
	}
}

// Validate checks the fields every descriptor must carry.
func (d *Descriptor) Validate() error {
	if strings.TrimSpace(d.SourceName) == "" {
		return &InvalidError{Identifier: d.OriginalIdentifier, Reason: "source_name is required"}
	}
	if strings.TrimSpace(d.OriginalIdentifier) == "" {
		return &InvalidError{Identifier: d.SourceName, Reason: "original_identifier is required"}
	}
	if q := d.OCRQualityScore; q != nil && (math.IsNaN(*q) || *q < 0 || *q > 1) {
		return &InvalidError{Identifier: d.OriginalIdentifier, Reason: fmt.Sprintf("ocr_quality_score %v outside [0,1]", *q)}
	}
	return nil
}

// Quality returns the OCR quality score, 0 when the extractor gave none.
func (d *Descriptor) Quality() float64 {
	if d.OCRQualityScore == nil {
		return 0
	}
	return *d.OCRQualityScore
}

// Type returns the parsed document type.
func (d *Descriptor) Type() db.DocumentType {
	return db.ParseDocumentType(d.DocumentType)
}
