// Package ingest 解析上传的收件人文件（CSV / XLSX）。
//
// Open 会立即读取并校验表头，缺列时不读取任何数据行；数据行通过 Rows 惰性读取。
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"campaignmailer/internal/apperr"
	"campaignmailer/internal/model"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// source 逐行读取原始单元格，结束时返回 io.EOF
type source interface {
	next() ([]string, error)
	close() error
}

// Reader 已通过表头校验的收件人文件
type Reader struct {
	header  []string
	src     source
	pending []string // Open 时预读的第一行数据
}

// Open 根据文件扩展名选择解析器并校验表头包含 required 中的所有列
func Open(r io.Reader, filename string, required []string) (*Reader, error) {
	var (
		src source
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".csv":
		src, err = newCSVSource(r)
	case ".xlsx":
		src, err = newXLSXSource(r)
	default:
		return nil, fmt.Errorf("%w: %q", apperr.ErrUnsupportedFileType, ext)
	}
	if err != nil {
		return nil, err
	}

	raw, err := src.next()
	if errors.Is(err, io.EOF) {
		_ = src.close()
		return nil, apperr.ErrEmptyFile
	}
	if err != nil {
		_ = src.close()
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	header := make([]string, len(raw))
	present := make(map[string]struct{}, len(raw))
	for i, h := range raw {
		header[i] = normalizeKey(h)
		if header[i] != "" {
			present[header[i]] = struct{}{}
		}
	}

	var missing []string
	for _, col := range required {
		if _, ok := present[normalizeKey(col)]; !ok {
			missing = append(missing, normalizeKey(col))
		}
	}
	if len(missing) > 0 {
		_ = src.close()
		return nil, &apperr.MissingPlaceholdersError{Missing: missing}
	}

	rd := &Reader{header: header, src: src}

	// 工作簿没有任何数据行视为空文件
	if _, ok := src.(*xlsxSource); ok {
		first, err := src.next()
		if errors.Is(err, io.EOF) {
			_ = src.close()
			return nil, apperr.ErrEmptyFile
		}
		if err != nil {
			_ = src.close()
			return nil, fmt.Errorf("failed to read first row: %w", err)
		}
		rd.pending = first
	}

	return rd, nil
}

// Header 规范化后的表头
func (r *Reader) Header() []string {
	return r.header
}

// Rows 按文件顺序返回 email 非空的行；读取出错时产出一次错误后结束
func (r *Reader) Rows() iter.Seq2[model.Row, error] {
	return func(yield func(model.Row, error) bool) {
		for {
			var raw []string
			if r.pending != nil {
				raw, r.pending = r.pending, nil
			} else {
				var err error
				raw, err = r.src.next()
				if errors.Is(err, io.EOF) {
					return
				}
				if err != nil {
					yield(nil, fmt.Errorf("failed to read row: %w", err))
					return
				}
			}

			row := r.normalize(raw)
			if row.Email() == "" {
				continue
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

// ReadAll 读取所有有效行
func (r *Reader) ReadAll() ([]model.Row, error) {
	var rows []model.Row
	for row, err := range r.Rows() {
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Close 释放底层文件
func (r *Reader) Close() error {
	return r.src.close()
}

func (r *Reader) normalize(raw []string) model.Row {
	row := make(model.Row, len(r.header))
	for i, key := range r.header {
		if key == "" {
			continue
		}
		val := ""
		if i < len(raw) {
			val = strings.TrimSpace(raw[i])
		}
		row[key] = val
	}
	return row
}

type csvSource struct {
	r *csv.Reader
}

func newCSVSource(r io.Reader) (*csvSource, error) {
	br := &bomSkipper{r: r}
	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	return &csvSource{r: cr}, nil
}

func (s *csvSource) next() ([]string, error) {
	return s.r.Read()
}

func (s *csvSource) close() error { return nil }

// bomSkipper 去掉开头的 UTF-8 BOM
type bomSkipper struct {
	r       io.Reader
	checked bool
}

func (b *bomSkipper) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		head := make([]byte, len(utf8BOM))
		n, err := io.ReadFull(b.r, head)
		head = head[:n]
		if !bytes.Equal(head, utf8BOM) {
			b.r = io.MultiReader(bytes.NewReader(head), b.r)
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return 0, err
		}
	}
	return b.r.Read(p)
}

type xlsxSource struct {
	f    *excelize.File
	rows *excelize.Rows
}

func newXLSXSource(r io.Reader) (*xlsxSource, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		_ = f.Close()
		return nil, apperr.ErrEmptyFile
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}
	return &xlsxSource{f: f, rows: rows}, nil
}

func (s *xlsxSource) next() ([]string, error) {
	for s.rows.Next() {
		cols, err := s.rows.Columns()
		if err != nil {
			return nil, err
		}
		if isBlank(cols) {
			continue
		}
		return cols, nil
	}
	if err := s.rows.Error(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *xlsxSource) close() error {
	_ = s.rows.Close()
	return s.f.Close()
}

func isBlank(cols []string) bool {
	for _, c := range cols {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
