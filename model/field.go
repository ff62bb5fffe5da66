package model

import (
	"math"
	"strings"
)

// FieldType classifies a template field's input kind.
type FieldType string

// Field type constants. "signature" is accepted as an alias for "sign" when
// parsing server payloads.
const (
	FieldTypeText   FieldType = "text"
	FieldTypeNumber FieldType = "number"
	FieldTypeSign   FieldType = "sign"
)

// Fallback field codes assigned at submission when a field arrives without a
// fieldCode of its own.
const (
	FallbackCodeSignature = "signature"
	FallbackCodeNumber    = "number"
	FallbackCodeDefault   = "field"
)

// Placement is a field's bounding box on a PDF page, expressed in PDF-page
// units at render scale 1. Coordinates are never screen pixels.
type Placement struct {
	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// PageBaseSize is a PDF page's dimensions at scale 1, the reference frame for
// all placement scaling.
type PageBaseSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// TemplateField is one fillable field of a document template.
type TemplateField struct {
	FieldCode  string      `json:"fieldCode"`
	FieldName  string      `json:"fieldName"`
	FieldType  FieldType   `json:"fieldType"`
	Value      string      `json:"value"`
	Editable   bool        `json:"editable"`
	Placements []Placement `json:"placements"`
}

// IsSignature reports whether the field takes a drawn signature. Both "sign"
// and the legacy "signature" spelling are recognised.
func (f TemplateField) IsSignature() bool {
	return f.FieldType == FieldTypeSign || string(f.FieldType) == "signature"
}

// Filled reports whether the field carries a usable value: signature fields
// need a non-empty image payload, everything else non-empty trimmed text.
func (f TemplateField) Filled() bool {
	if f.IsSignature() {
		return f.Value != ""
	}
	return strings.TrimSpace(f.Value) != ""
}

// FallbackFieldCode returns the code to submit for a field whose fieldCode is
// blank, chosen by field type.
func FallbackFieldCode(t FieldType) string {
	switch {
	case t == FieldTypeSign || string(t) == "signature":
		return FallbackCodeSignature
	case t == FieldTypeNumber:
		return FallbackCodeNumber
	default:
		return FallbackCodeDefault
	}
}

// SanitizePlacement coerces a placement to well-formed numbers: non-finite
// values become zero and negative coordinates and extents are clamped to
// zero. The page number is clamped to 1.
func SanitizePlacement(p Placement) Placement {
	if p.Page < 1 {
		p.Page = 1
	}
	p.X = clampPositive(p.X)
	p.Y = clampPositive(p.Y)
	p.Width = clampPositive(p.Width)
	p.Height = clampPositive(p.Height)
	return p
}

func clampPositive(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
