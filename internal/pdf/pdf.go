// Package pdf wraps the PDF operations the service needs: concatenation,
// page-number stamping and page counting.
package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// ErrNoDocuments is returned by Merge when called without input.
var ErrNoDocuments = errors.New("no documents to merge")

// pageNumberStyle renders "%p" (current page) in 9pt Helvetica, bottom-center, 12pt above the edge.
const pageNumberStyle = "fontname:Helvetica, points:9, position:bc, offset:0 12, scalefactor:1 abs, rotation:0, opacity:1, fillcolor:#000000"

var disableConfigDir sync.Once

// Assembler performs PDF operations in memory. Safe for concurrent use.
type Assembler struct {
	conf *model.Configuration
}

// NewAssembler creates an Assembler that never reads or writes the pdfcpu config directory.
func NewAssembler() *Assembler {
	disableConfigDir.Do(api.DisableConfigDir)
	return &Assembler{conf: model.NewDefaultConfiguration()}
}

// Merge concatenates documents in the given order.
func (a *Assembler) Merge(docs [][]byte) ([]byte, error) {
	switch len(docs) {
	case 0:
		return nil, ErrNoDocuments
	case 1:
		return docs[0], nil
	}
	readers := make([]io.ReadSeeker, len(docs))
	for i, doc := range docs {
		readers[i] = bytes.NewReader(doc)
	}
	var out bytes.Buffer
	if err := api.MergeRaw(readers, &out, false, a.config()); err != nil {
		return nil, fmt.Errorf("merge %d documents: %w", len(docs), err)
	}
	return out.Bytes(), nil
}

// AddPageNumbers stamps 1-based page numbers on every page.
func (a *Assembler) AddPageNumbers(doc []byte) ([]byte, error) {
	wm, err := api.TextWatermark("%p", pageNumberStyle, true, false, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("page number stamp: %w", err)
	}
	var out bytes.Buffer
	if err := api.AddWatermarks(bytes.NewReader(doc), &out, nil, wm, a.config()); err != nil {
		return nil, fmt.Errorf("add page numbers: %w", err)
	}
	return out.Bytes(), nil
}

// PageCount returns the number of pages in doc.
func (a *Assembler) PageCount(doc []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(doc), a.config())
	if err != nil {
		return 0, fmt.Errorf("page count: %w", err)
	}
	return n, nil
}

// config returns a fresh copy; pdfcpu mutates the configuration it is given.
func (a *Assembler) config() *model.Configuration {
	c := *a.conf
	return &c
}
