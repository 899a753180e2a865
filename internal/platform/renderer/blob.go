package renderer

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/ehr/charting/internal/platform/blobstore"
	"github.com/google/uuid"
)

const documentTemplate = `CLINICAL NOTE
Record:  {{.RecordID}}
Subject: {{.SubjectID}}
Owner:   {{.OwnerID}}
Status:  {{.State}}

SUBJECTIVE
{{or .Subjective "-"}}

OBJECTIVE
{{or .Objective "-"}}

ASSESSMENT
{{or .Assessment "-"}}

PLAN
{{or .Plan "-"}}

Signed by {{.SignedBy}} at {{stamp .SignedAt}}
{{if .CosignedBy}}Cosigned by {{.CosignedBy}} at {{stamp .CosignedAt}}
{{end}}Closed by {{.ClosedBy}} at {{stamp .ClosedAt}}
{{range .Addenda}}
{{label .Kind}} by {{.Author}} at {{stamp .CreatedAt}}
{{if .Reason}}Reason: {{.Reason}}
{{end}}{{.Body}}
{{end}}`

var docTmpl = template.Must(template.New("chart").Funcs(template.FuncMap{
	"stamp": func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04 MST") },
	"label": func(kind string) string { return strings.ToUpper(strings.ReplaceAll(kind, "_", " ")) },
}).Parse(documentTemplate))

// RenderText lays a snapshot out as a plain-text chart document.
func RenderText(snap Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := docTmpl.Execute(&buf, snap); err != nil {
		return nil, fmt.Errorf("render chart document: %w", err)
	}
	return buf.Bytes(), nil
}

// BlobGateway renders in-process and keeps the document in a blobstore,
// served back under {baseURL}/api/v1/documents/{id}.
type BlobGateway struct {
	store   blobstore.Store
	baseURL string
}

func NewBlobGateway(store blobstore.Store, baseURL string) *BlobGateway {
	return &BlobGateway{store: store, baseURL: strings.TrimRight(baseURL, "/")}
}

func (g *BlobGateway) Render(ctx context.Context, recordID uuid.UUID, snap Snapshot, _ time.Duration) (*Document, error) {
	content, err := RenderText(snap)
	if err != nil {
		return nil, err
	}

	meta, err := g.store.Upload(ctx, blobstore.Metadata{
		RecordID:    recordID.String(),
		FileName:    fmt.Sprintf("chart-%s.txt", recordID),
		ContentType: "text/plain; charset=utf-8",
		CreatedBy:   snap.ClosedBy,
	}, bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("store chart document: %w", err)
	}
	return &Document{URL: g.baseURL + "/api/v1/documents/" + meta.ID, BlobID: meta.ID}, nil
}

// Discard deletes a document produced by Render.
func (g *BlobGateway) Discard(ctx context.Context, doc *Document) error {
	if doc == nil || doc.BlobID == "" {
		return nil
	}
	if err := g.store.Delete(ctx, doc.BlobID); err != nil {
		return fmt.Errorf("discard chart document: %w", err)
	}
	return nil
}
