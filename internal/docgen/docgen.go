// Package docgen holds the contracts for the external document service and
// the template-version resolver.
package docgen

import (
	"context"

	"redress/internal/domain"
)

// CreatedDocument is the document service's handle for a new artifact.
type CreatedDocument struct {
	DocumentID string `json:"document_id"`
	EditURL    string `json:"edit_url"`
	ViewURL    string `json:"view_url"`
	PDFURL     string `json:"pdf_url"`
}

// Service generates and exports document artifacts. A retried create makes
// a new artifact; duplicate cleanup is the service operator's problem.
type Service interface {
	CreateSubmissionDocument(ctx context.Context, templateRef string, placeholders map[string]string, title string) (CreatedDocument, error)
	ExportToPDF(ctx context.Context, documentID string) ([]byte, error)
}

// TemplateRef locates the active template for a project and document type.
type TemplateRef struct {
	StoragePath string `json:"storage_path"`
	MimeType    string `json:"mimetype"`
}

// TemplateResolver resolves the active template version. A missing active
// template is a configuration error, surfaced to the operator and never
// retried.
type TemplateResolver interface {
	ResolveActiveTemplate(ctx context.Context, projectID string, docType domain.DocType) (TemplateRef, error)
}
