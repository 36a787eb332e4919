package parser

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"document-rag-server/internal/apperr"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

const pageSeparator = "\n"

// pageParser returns the text of every page of a document, in page order.
type pageParser func(data []byte) ([]string, error)

var parsers = map[string]pageParser{
	".pdf":  parsePDF,
	".txt":  parseText,
	".md":   parseMarkdown,
	".docx": parseDOCX,
	".xlsx": parseXLSX,
	".xlsm": parseExcelize,
}

// Supported reports whether fileName has an extractor.
func Supported(fileName string) bool {
	_, ok := parsers[strings.ToLower(filepath.Ext(fileName))]
	return ok
}

// Extensions lists the supported file extensions.
func Extensions() []string {
	out := make([]string, 0, len(parsers))
	for ext := range parsers {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Extract converts a raw document into plain text. Pages are joined in order
// with a newline; blank pages are skipped. It fails when the payload cannot be
// parsed or when no page has any text.
func Extract(fileName string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	parse, ok := parsers[ext]
	if !ok {
		return "", apperr.Wrapf(apperr.KindExtraction, "extract", apperr.ErrUnsupportedFormat,
			"unsupported file format %q", ext)
	}
	if len(data) == 0 {
		return "", apperr.Wrapf(apperr.KindExtraction, "extract", apperr.ErrNoText, "document is empty")
	}

	pages, err := parse(data)
	if err != nil {
		log.Debug().Err(err).Str("file", fileName).Msg("Error parsing document")
		return "", apperr.Wrapf(apperr.KindExtraction, "extract", err, "could not parse %s document", strings.TrimPrefix(ext, "."))
	}

	content := joinPages(pages)
	if content == "" {
		return "", apperr.Wrapf(apperr.KindExtraction, "extract", apperr.ErrNoText,
			"document contains no extractable text")
	}
	return content, nil
}

func joinPages(pages []string) string {
	var nonEmpty []string
	for _, p := range pages {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, pageSeparator)
}

func parsePDF(data []byte) (pages []string, err error) {
	// the pdf reader panics on some malformed object graphs
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	numPages := reader.NumPage()
	if numPages == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}
	pages = make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, pageText)
	}
	return pages, nil
}

func parseText(data []byte) ([]string, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("text is not valid UTF-8")
	}
	return []string{string(data)}, nil
}

// parseMarkdown walks the goldmark AST and keeps the text of every block,
// dropping markup.
func parseMarkdown(data []byte) ([]string, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("markdown is not valid UTF-8")
	}
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(text.NewReader(data))

	var blocks []string
	var current strings.Builder
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				current.Write(node.Segment.Value(data))
				if node.SoftLineBreak() || node.HardLineBreak() {
					current.WriteByte(' ')
				}
			}
		case *ast.String:
			if entering {
				current.Write(node.Value)
			}
		default:
			if n.Type() == ast.TypeBlock && !entering {
				if n.Kind() == ast.KindFencedCodeBlock || n.Kind() == ast.KindCodeBlock {
					lines := n.Lines()
					for i := 0; i < lines.Len(); i++ {
						seg := lines.At(i)
						current.Write(seg.Value(data))
					}
				}
				if s := strings.TrimSpace(current.String()); s != "" {
					blocks = append(blocks, s)
				}
				current.Reset()
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}
	return []string{strings.Join(blocks, "\n")}, nil
}

func parseDOCX(data []byte) ([]string, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	paragraphs, err := docxParagraphs(r.Editable().GetContent())
	if err != nil {
		return nil, err
	}
	// DOCX has no page numbers
	return []string{strings.Join(paragraphs, "\n")}, nil
}

const wordNamespace = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"

// docxParagraphs walks document.xml and returns the non-blank paragraphs.
// Tabs and breaks inside runs become whitespace.
func docxParagraphs(content string) ([]string, error) {
	dec := xml.NewDecoder(strings.NewReader(content))
	var (
		paragraphs []string
		line       strings.Builder
		runDepth   int
		inText     bool
	)
	flush := func() {
		if s := strings.TrimSpace(line.String()); s != "" {
			paragraphs = append(paragraphs, s)
		}
		line.Reset()
	}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != wordNamespace {
				continue
			}
			switch t.Name.Local {
			case "r":
				runDepth++
			case "t":
				inText = runDepth > 0
			case "tab":
				// w:tab also defines tab stops in paragraph properties
				if runDepth > 0 {
					line.WriteByte('\t')
				}
			case "br", "cr":
				if runDepth > 0 {
					line.WriteByte('\n')
				}
			}
		case xml.EndElement:
			if t.Name.Space != wordNamespace {
				continue
			}
			switch t.Name.Local {
			case "r":
				runDepth--
			case "t":
				inText = false
			case "p":
				flush()
			}
		case xml.CharData:
			if inText {
				line.Write(t)
			}
		}
	}
	flush()
	return paragraphs, nil
}

// parseXLSX reads one page per sheet. Workbooks tealeg/xlsx cannot open are
// retried with excelize.
func parseXLSX(data []byte) ([]string, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		log.Debug().Err(err).Msg("xlsx reader failed, falling back to excelize")
		return parseExcelize(data)
	}

	var pages []string
	for _, sheet := range f.Sheets {
		var rows []string
		for _, row := range sheet.Rows {
			var cells []string
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			rows = append(rows, strings.TrimRight(strings.Join(cells, "\t"), "\t"))
		}
		pages = append(pages, sheetPage(sheet.Name, rows))
	}
	return pages, nil
}

func parseExcelize(data []byte) ([]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pages []string
	for _, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", sheetName, err)
		}
		var lines []string
		for _, row := range rows {
			lines = append(lines, strings.TrimRight(strings.Join(row, "\t"), "\t"))
		}
		pages = append(pages, sheetPage(sheetName, lines))
	}
	return pages, nil
}

// sheetPage renders a sheet; sheets without any cell text render empty.
func sheetPage(name string, rows []string) string {
	body := strings.TrimSpace(strings.Join(rows, "\n"))
	if body == "" {
		return ""
	}
	return fmt.Sprintf("## Sheet: %s\n%s", name, body)
}
